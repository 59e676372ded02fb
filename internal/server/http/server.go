// Package httpserver exposes the ledger, webhook and device endpoints over HTTP using echo.
package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/auth"
	"github.com/and161185/lockpay/internal/config"
	"github.com/and161185/lockpay/internal/metrics"
	"github.com/and161185/lockpay/internal/service"
)

// Services are the domain services behind the HTTP surface.
type Services struct {
	Sales    service.SaleService
	Payments service.PaymentService
	Dispatch service.DispatchService
	Enforce  service.EnforcementService
}

// Options carry transport collaborators. Redis and Health are optional.
type Options struct {
	Tokens    *auth.Tokens
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Redis     *redis.Client
	RateLimit config.RateLimit
	Health    func(ctx context.Context) error
}

// Server wires routes onto an echo instance.
type Server struct {
	echo *echo.Echo
	svc  Services
	opts Options
	log  *zap.Logger
}

// New builds the server and registers all routes.
func New(svc Services, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, svc: svc, opts: opts, log: opts.Log}
	e.HTTPErrorHandler = s.handleError
	e.Use(RequestLog(opts.Log), Recover(opts.Log))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.health)
	if s.opts.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.opts.Metrics.Handler()))
	}

	api := s.echo.Group("/api/v1")

	// gateway notifications authenticate by signature, not by bearer token
	api.POST("/webhooks/gateway", s.gatewayWebhook)

	device := api.Group("/device", PollRateLimit(s.opts.RateLimit, s.opts.Redis, s.log))
	device.GET("/commands", s.pollCommands)
	device.POST("/commands/:id/ack", s.ackCommand)
	device.GET("/status", s.deviceStatus)

	op := api.Group("", OperatorAuth(s.opts.Tokens))
	op.POST("/sales", s.createSale)
	op.GET("/sales/overdue", s.listOverdue)
	op.GET("/sales/:id", s.getSale)
	op.POST("/sales/:id/payments", s.recordPayment)
	op.POST("/sales/:id/intents", s.registerIntent)
	op.GET("/webhooks/unmatched", s.listUnmatched)
	op.POST("/webhooks/events/:id/resolve", s.resolveUnmatched)
	op.POST("/devices/:imei/commands", s.issueCommand)
	op.GET("/devices/:imei/commands", s.commandHistory)
	op.GET("/devices/:imei/status", s.operatorDeviceStatus)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) health(c echo.Context) error {
	if s.opts.Health != nil {
		if err := s.opts.Health(c.Request().Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
