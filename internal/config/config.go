// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is the complete server configuration.
type Config struct {
	Log         Log
	HTTP        HTTPServer
	GRPC        GRPCServer
	DatabaseURL string `env:"DATABASE_URL,required"`

	Gateway   Gateway   `envPrefix:"GATEWAY_"`
	Operator  Operator  `envPrefix:"OPERATOR_"`
	Commands  Commands  `envPrefix:"COMMAND_"`
	AckLimit  AckLimit  `envPrefix:"ACK_LIMIT_"`
	RateLimit RateLimit `envPrefix:"POLL_RATE_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	RabbitURL string    `env:"RABBITMQ_URL"`
}

type Log struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type HTTPServer struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// GRPCServer configures the health endpoint. TLS is enabled when both files are set.
type GRPCServer struct {
	Addr       string        `env:"GRPC_ADDR" envDefault:":9090"`
	CertFile   string        `env:"GRPC_TLS_CERT"`
	KeyFile    string        `env:"GRPC_TLS_KEY"`
	Reflection bool          `env:"GRPC_REFLECTION" envDefault:"false"`
	CheckEvery time.Duration `env:"GRPC_HEALTH_INTERVAL" envDefault:"10s"`
}

// Gateway holds the payment gateway webhook settings.
type Gateway struct {
	WebhookSecret string `env:"WEBHOOK_SECRET,required"`
}

// Operator holds the bearer token settings for operator endpoints.
type Operator struct {
	JWTKey   string        `env:"JWT_KEY,required"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"12h"`
}

// Commands configures the device command dispatcher.
type Commands struct {
	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// AckLimit configures the acknowledgment brute-force limiter.
type AckLimit struct {
	Window   time.Duration `env:"WINDOW" envDefault:"15m"`
	MaxFails int           `env:"MAX_FAILS" envDefault:"5"`
	BlockFor time.Duration `env:"BLOCK_FOR" envDefault:"15m"`
}

// RateLimit configures the token bucket applied to device polls.
type RateLimit struct {
	Enabled        bool          `env:"ENABLED" envDefault:"true"`
	Capacity       int           `env:"CAPACITY" envDefault:"10"`
	RefillTokens   int           `env:"REFILL_TOKENS" envDefault:"1"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"6s"`
	TTL            time.Duration `env:"TTL" envDefault:"10m"`
	Prefix         string        `env:"PREFIX" envDefault:"lockpay:rl"`
}

// Redis holds the connection settings for the rate limiter store. An empty Addr disables it.
type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// Load seeds the process environment from a .env file when present and parses it.
func Load(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

// FromMap parses configuration from an explicit environment.
func FromMap(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Commands.TokenTTL <= 0:
		return errors.New("config: COMMAND_TOKEN_TTL must be positive")
	case c.Commands.SweepInterval <= 0:
		return errors.New("config: COMMAND_SWEEP_INTERVAL must be positive")
	case c.AckLimit.MaxFails <= 0:
		return errors.New("config: ACK_LIMIT_MAX_FAILS must be positive")
	case (c.GRPC.CertFile == "") != (c.GRPC.KeyFile == ""):
		return errors.New("config: GRPC_TLS_CERT and GRPC_TLS_KEY must be set together")
	case c.GRPC.CheckEvery <= 0:
		return errors.New("config: GRPC_HEALTH_INTERVAL must be positive")
	case c.RateLimit.Enabled && c.RateLimit.Capacity <= 0:
		return errors.New("config: POLL_RATE_CAPACITY must be positive")
	}
	return nil
}
