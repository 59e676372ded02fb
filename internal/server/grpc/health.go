// Package grpcserver serves the standard gRPC health protocol, backed by a periodic readiness check.
package grpcserver

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is reported next to the overall ("") status.
const ServiceName = "lockpay.Ledger"

const readyTimeout = 3 * time.Second

// ReadyFunc reports whether the process can serve traffic, typically a database ping.
type ReadyFunc func(ctx context.Context) error

// Options configure the health server. Creds and Ready are optional.
type Options struct {
	Ready      ReadyFunc
	Interval   time.Duration
	Creds      credentials.TransportCredentials
	Reflection bool
	Log        *zap.Logger
}

// Server owns a grpc.Server that exposes grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ready  ReadyFunc
	every  time.Duration
	log    *zap.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// New builds the server. Both services start NOT_SERVING until the first readiness check succeeds.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	so := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	}
	if opts.Creds != nil {
		so = append(so, grpc.Creds(opts.Creds))
	}
	gs := grpc.NewServer(so...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if opts.Reflection {
		reflection.Register(gs)
	}

	every := opts.Interval
	if every <= 0 {
		every = 10 * time.Second
	}
	s := &Server{grpc: gs, health: hs, ready: opts.Ready, every: every, log: log}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Check runs the readiness check once and publishes the result.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		pctx, cancel := context.WithTimeout(ctx, readyTimeout)
		err := s.ready(pctx)
		cancel()
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			s.log.Warn("readiness check failed", zap.Error(err))
		}
	}
	s.set(st)
	return st
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	changed := s.last != st
	s.last = st
	s.mu.Unlock()

	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	if changed {
		s.log.Info("health status", zap.String("status", st.String()))
	}
}

// Run checks immediately and then every interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.Check(ctx)
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Check(ctx)
		}
	}
}

// Serve blocks until Stop.
func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// Stop flips every service to NOT_SERVING and drains, forcing a stop after timeout.
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
}
