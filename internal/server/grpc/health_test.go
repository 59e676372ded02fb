package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startHealth(t *testing.T, opts Options) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := New(opts)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() { s.Stop(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return s, healthpb.NewHealthClient(conn)
}

func servingStatus(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_FollowsReadiness(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	ready := func(context.Context) error {
		if down.Load() {
			return errors.New("db unreachable")
		}
		return nil
	}
	s, client := startHealth(t, Options{Ready: ready, Log: zaptest.NewLogger(t)})

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, client, ""))

	require.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Check(context.Background()))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, ""))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, ServiceName))

	down.Store(true)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Check(context.Background()))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, client, ServiceName))
}

func TestHealth_RunLoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ready := func(context.Context) error {
		calls.Add(1)
		return nil
	}
	s, client := startHealth(t, Options{Ready: ready, Interval: 10 * time.Millisecond, Log: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, ""))
	cancel()
	<-done
}

func TestHealth_NoReadyFuncIsServing(t *testing.T) {
	t.Parallel()

	s, client := startHealth(t, Options{Reflection: true})
	s.Check(context.Background())
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, ""))
}
