// Package metrics exposes ledger and dispatcher counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockpay"

// Metrics holds all collectors on a private registry. A nil *Metrics is a valid no-op.
type Metrics struct {
	reg *prometheus.Registry

	paymentsTotal     *prometheus.CounterVec
	paymentAmount     *prometheus.CounterVec
	salesCompleted    prometheus.Counter
	webhookEvents     *prometheus.CounterVec
	commandsIssued    *prometheus.CounterVec
	commandsDelivered prometheus.Counter
	commandAcks       *prometheus.CounterVec
	commandsExpired   prometheus.Counter
	sweepLastRunUnix  prometheus.Gauge
	enforcementChecks *prometheus.CounterVec
}

// New registers all collectors, plus Go runtime and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		paymentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "payments_total",
				Help:      "Payments by method and result.",
			},
			[]string{"method", "result"},
		),
		paymentAmount: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "payment_amount_minor_total",
				Help:      "Sum of applied payment amounts in minor units by method.",
			},
			[]string{"method"},
		),
		salesCompleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "sales_completed_total",
				Help:      "Sales moved to completed by a payment.",
			},
		),
		webhookEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "webhook_events_total",
				Help:      "Gateway webhook events by outcome.",
			},
			[]string{"outcome"},
		),
		commandsIssued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "commands_issued_total",
				Help:      "Device commands issued by type.",
			},
			[]string{"type"},
		),
		commandsDelivered: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "commands_delivered_total",
				Help:      "Commands moved from pending to sent by a device poll.",
			},
		),
		commandAcks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "acknowledgments_total",
				Help:      "Command acknowledgment attempts by result.",
			},
			[]string{"result"},
		),
		commandsExpired: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "commands_expired_total",
				Help:      "Commands persisted as expired by the sweep.",
			},
		),
		sweepLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "sweep_last_run_unix",
				Help:      "Unix time of the most recent expiry sweep.",
			},
		),
		enforcementChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "enforcement",
				Name:      "checks_total",
				Help:      "Enforcement evaluations by decision.",
			},
			[]string{"lock"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObservePayment records a payment attempt. amount is only added for applied payments.
func (m *Metrics) ObservePayment(method, result string, amount int64) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(method, result).Inc()
	if result == "applied" && amount > 0 {
		m.paymentAmount.WithLabelValues(method).Add(float64(amount))
	}
}

func (m *Metrics) ObserveSaleCompleted() {
	if m == nil {
		return
	}
	m.salesCompleted.Inc()
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCommandIssued(typ string) {
	if m == nil {
		return
	}
	m.commandsIssued.WithLabelValues(typ).Inc()
}

func (m *Metrics) ObserveDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.commandsDelivered.Add(float64(n))
}

func (m *Metrics) ObserveAck(result string) {
	if m == nil {
		return
	}
	m.commandAcks.WithLabelValues(result).Inc()
}

// ObserveSweep records an expiry sweep run.
func (m *Metrics) ObserveSweep(expired int64, at time.Time) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(at.Unix()))
	if expired > 0 {
		m.commandsExpired.Add(float64(expired))
	}
}

func (m *Metrics) ObserveEnforcement(lock bool) {
	if m == nil {
		return
	}
	if lock {
		m.enforcementChecks.WithLabelValues("true").Inc()
		return
	}
	m.enforcementChecks.WithLabelValues("false").Inc()
}
