package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liverelay/internal/adapter/bridge"
	"github.com/pscheid92/liverelay/internal/adapter/eventpublisher"
	"github.com/pscheid92/liverelay/internal/adapter/httpserver"
	"github.com/pscheid92/liverelay/internal/adapter/metrics"
	"github.com/pscheid92/liverelay/internal/adapter/redis"
	"github.com/pscheid92/liverelay/internal/app"
	"github.com/pscheid92/liverelay/internal/broadcast"
	"github.com/pscheid92/liverelay/internal/domain"
	"github.com/pscheid92/liverelay/internal/platform/config"
	"github.com/pscheid92/liverelay/internal/platform/logging"
	"github.com/pscheid92/liverelay/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func redisHealthCheck(rdb *goredis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// shutdown stops the session first so the disconnect notice still reaches subscribers,
// then the HTTP server, then closes every subscriber.
func shutdown(cfg *config.Config, srv *httpserver.Server, sessions *app.SessionManager, hub *broadcast.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	sessions.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	hub.Stop()
}

func run(cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	hub := broadcast.NewHub(clock, cfg.KeepAliveInterval, cfg.MaxSubscribers, metrics.NewHubMetrics(reg))

	var (
		healthChecks []httpserver.HealthCheck
		mirror       *redis.Mirror
	)

	// Single instance: the hub publishes directly. With Redis, each frame also goes to the mirror.
	var publisher domain.EventPublisher = hub
	if cfg.RedisURL != "" {
		hook := redis.NewMetricsHook(metrics.NewRedisMetrics(reg), clock)
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, hook)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()

		mirror = redis.NewMirror(rdb, metrics.NewMirrorMetrics(reg))
		publisher = eventpublisher.New(hub, mirror)
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "redis", Check: redisHealthCheck(rdb)})
		slog.Info("Multi-instance fan-out enabled", "instance_id", mirror.InstanceID())
	}

	dialer, err := bridge.NewDialer(bridge.Config{
		URL:            cfg.BridgeURL,
		ConnectTimeout: cfg.BridgeConnectTimeout,
		DialAttempts:   cfg.BridgeDialAttempts,
		Clock:          clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge dialer: %w", err)
	}

	sessions := app.NewSessionManager(dialer, publisher, clock, metrics.NewSessionMetrics(reg))

	srv, err := httpserver.NewServer(cfg, httpserver.Deps{
		Sessions:       sessions,
		Hub:            hub,
		Clock:          clock,
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		MetricsHandler: metrics.Handler(reg),
		HealthChecks:   healthChecks,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if mirror != nil {
		g.Go(func() error {
			if err := mirror.Run(gctx, hub); err != nil {
				slog.Error("Mirror stopped, continuing with local delivery only", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")
		shutdown(cfg, srv, sessions, hub)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Version, "bridge_url", cfg.BridgeURL)

	if err := run(cfg); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}
