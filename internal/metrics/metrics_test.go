package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersPerInstance(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	a.ObservePayment("cash", "applied", 20_000)
	a.ObservePayment("cash", "applied", 5_000)
	a.ObservePayment("gateway", "duplicate", 60_000)
	a.ObserveSaleCompleted()
	a.ObserveWebhook("unmatched")
	a.ObserveCommandIssued("unlock")
	a.ObserveDelivered(2)
	a.ObserveAck("secret_mismatch")
	a.ObserveEnforcement(true)

	require.Equal(t, 2.0, testutil.ToFloat64(a.paymentsTotal.WithLabelValues("cash", "applied")))
	require.Equal(t, 25_000.0, testutil.ToFloat64(a.paymentAmount.WithLabelValues("cash")))
	require.Equal(t, 0.0, testutil.ToFloat64(a.paymentAmount.WithLabelValues("gateway")))
	require.Equal(t, 1.0, testutil.ToFloat64(a.salesCompleted))
	require.Equal(t, 2.0, testutil.ToFloat64(a.commandsDelivered))
	require.Equal(t, 1.0, testutil.ToFloat64(a.enforcementChecks.WithLabelValues("true")))

	require.Equal(t, 0.0, testutil.ToFloat64(b.salesCompleted))
}

func TestMetrics_Sweep(t *testing.T) {
	t.Parallel()

	m := New()
	at := time.Unix(1_700_000_000, 0)
	m.ObserveSweep(3, at)
	m.ObserveSweep(0, at.Add(time.Minute))
	require.Equal(t, 3.0, testutil.ToFloat64(m.commandsExpired))
	require.Equal(t, float64(at.Add(time.Minute).Unix()), testutil.ToFloat64(m.sweepLastRunUnix))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObservePayment("cash", "applied", 1)
		m.ObserveSaleCompleted()
		m.ObserveWebhook("processed")
		m.ObserveCommandIssued("lock")
		m.ObserveDelivered(1)
		m.ObserveAck("ok")
		m.ObserveSweep(1, time.Now())
		m.ObserveEnforcement(false)
	})
	require.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveWebhook("processed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `lockpay_gateway_webhook_events_total{outcome="processed"} 1`))
}
