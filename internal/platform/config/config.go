package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"3000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	BridgeURL            string        `env:"BRIDGE_URL" default:"ws://localhost:8765/live"`
	BridgeConnectTimeout time.Duration `env:"BRIDGE_CONNECT_TIMEOUT" default:"15s"`
	BridgeDialAttempts   int           `env:"BRIDGE_DIAL_ATTEMPTS" default:"3"`

	KeepAliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" default:"30s"`
	MaxSubscribers    int           `env:"MAX_SUBSCRIBERS" default:"0"` // 0 = unbounded

	CORSAllowOrigins string  `env:"CORS_ALLOW_ORIGINS" default:"*"`
	ControlRateLimit float64 `env:"CONTROL_RATE_LIMIT" default:"5"`
	ControlRateBurst int     `env:"CONTROL_RATE_BURST" default:"10"`

	// Optional; enables multi-instance fan-out when set.
	RedisURL string `env:"REDIS_URL"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AllowOrigins splits CORS_ALLOW_ORIGINS on commas.
func (c *Config) AllowOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func validate(cfg *Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}

	u, err := url.Parse(cfg.BridgeURL)
	if err != nil {
		return fmt.Errorf("BRIDGE_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("BRIDGE_URL must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("BRIDGE_URL must include a host")
	}

	if cfg.BridgeConnectTimeout <= 0 {
		return fmt.Errorf("BRIDGE_CONNECT_TIMEOUT must be positive, got %s", cfg.BridgeConnectTimeout)
	}
	if cfg.BridgeDialAttempts < 1 {
		return fmt.Errorf("BRIDGE_DIAL_ATTEMPTS must be at least 1, got %d", cfg.BridgeDialAttempts)
	}
	if cfg.KeepAliveInterval <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL must be positive, got %s", cfg.KeepAliveInterval)
	}
	if cfg.MaxSubscribers < 0 {
		return fmt.Errorf("MAX_SUBSCRIBERS must not be negative, got %d", cfg.MaxSubscribers)
	}
	if cfg.ControlRateLimit <= 0 || cfg.ControlRateBurst < 1 {
		return fmt.Errorf("CONTROL_RATE_LIMIT and CONTROL_RATE_BURST must be positive")
	}
	if len(cfg.AllowOrigins()) == 0 {
		return fmt.Errorf("CORS_ALLOW_ORIGINS must name at least one origin")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", cfg.ShutdownTimeout)
	}

	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
	}

	return nil
}
