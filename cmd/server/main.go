// Command lockpay-server runs the sale ledger, the payment webhook receiver and the device
// command endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/lockpay/internal/auth"
	"github.com/and161185/lockpay/internal/clock"
	"github.com/and161185/lockpay/internal/config"
	"github.com/and161185/lockpay/internal/events"
	"github.com/and161185/lockpay/internal/gateway"
	"github.com/and161185/lockpay/internal/limiter"
	"github.com/and161185/lockpay/internal/metrics"
	"github.com/and161185/lockpay/internal/migrate"
	"github.com/and161185/lockpay/internal/repository/postgres"
	grpcserver "github.com/and161185/lockpay/internal/server/grpc"
	httpserver "github.com/and161185/lockpay/internal/server/http"
	"github.com/and161185/lockpay/internal/service"
	"github.com/and161185/lockpay/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func main() {
	dotenv := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*dotenv)
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTP.Addr),
		zap.String("grpc", cfg.GRPC.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	defer pool.Close()

	// Repositories
	db := &postgres.DB{Pool: pool}
	saleRepo := postgres.NewSaleRepo(db)
	ledgerRepo := postgres.NewLedgerRepo(db)
	commandRepo := postgres.NewCommandRepo(db)
	webhookRepo := postgres.NewWebhookRepo(db)
	intentRepo := postgres.NewIntentRepo(db)

	ackLimiter := limiter.NewPG(pool, cfg.AckLimit.Window, cfg.AckLimit.MaxFails, cfg.AckLimit.BlockFor)

	var publisher events.Publisher = events.Nop{}
	if cfg.RabbitURL != "" {
		publisher = events.Logging{Next: events.NewAMQP(cfg.RabbitURL, logger), Log: logger}
	}
	defer func() { _ = publisher.Close() }()

	m := metrics.New()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
	}

	// Services
	deps := service.Deps{Clock: clock.Real{}, Log: logger, Metrics: m, Events: publisher}
	dispatcher := service.NewDispatcher(commandRepo, token.NewIssuer(cfg.Commands.TokenTTL), ackLimiter, deps)
	sales := service.NewSaleService(saleRepo, ledgerRepo, deps)
	payments := service.NewReconciler(saleRepo, ledgerRepo, webhookRepo, intentRepo,
		gateway.NewVerifier(cfg.Gateway.WebhookSecret), dispatcher, deps)
	enforce := service.NewEnforcement(saleRepo, deps)

	httpSrv := httpserver.New(httpserver.Services{
		Sales:    sales,
		Payments: payments,
		Dispatch: dispatcher,
		Enforce:  enforce,
	}, httpserver.Options{
		Tokens:    auth.NewTokens([]byte(cfg.Operator.JWTKey), cfg.Operator.TokenTTL),
		Metrics:   m,
		Log:       logger,
		Redis:     rdb,
		RateLimit: cfg.RateLimit,
		Health:    db.Ping,
	})

	var creds credentials.TransportCredentials
	if cfg.GRPC.CertFile != "" {
		creds, err = credentials.NewServerTLSFromFile(cfg.GRPC.CertFile, cfg.GRPC.KeyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
	}
	healthSrv := grpcserver.New(grpcserver.Options{
		Ready:      db.Ping,
		Interval:   cfg.GRPC.CheckEvery,
		Creds:      creds,
		Reflection: cfg.GRPC.Reflection,
		Log:        logger,
	})
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPC.Addr), zap.Bool("tls", creds != nil))
		if err := healthSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	go healthSrv.Run(ctx)
	go sweep(ctx, dispatcher, cfg.Commands.SweepInterval, logger)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	healthSrv.Stop(5 * time.Second)

	logger.Info("shutdown complete")
}

// sweep marks stale commands expired until ctx is done.
func sweep(ctx context.Context, d service.DispatchService, every time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				log.Warn("expire sweep failed", zap.Error(err))
			}
		}
	}
}
