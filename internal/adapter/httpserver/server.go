package httpserver

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/liverelay/internal/adapter/metrics"
	"github.com/pscheid92/liverelay/internal/broadcast"
	"github.com/pscheid92/liverelay/internal/domain"
	"github.com/pscheid92/liverelay/internal/platform/config"
	"github.com/pscheid92/liverelay/web"
)

type sessionService interface {
	StartSession(ctx context.Context, identity string) error
	StopSession(ctx context.Context) (domain.StopResult, error)
	Status() domain.SessionStatus
	SimulateComment(user, text string)
}

type subscriberHub interface {
	Attach(conn broadcast.Conn) error
	Detach(conn broadcast.Conn)
	SubscriberCount() int
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	sessions sessionService
	hub      subscriberHub
	upgrader websocket.Upgrader

	staticFiles    fs.FS
	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler
	healthChecks   []HealthCheck
	startTime      time.Time
}

// Deps bundles the collaborators the server delegates to. Metrics are optional.
type Deps struct {
	Sessions       sessionService
	Hub            subscriberHub
	Clock          clockwork.Clock
	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler
	HealthChecks   []HealthCheck
}

func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	static, err := fs.Sub(web.StaticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to open static files: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		clock:          clock,
		sessions:       deps.Sessions,
		hub:            deps.Hub,
		staticFiles:    static,
		httpMetrics:    deps.HTTPMetrics,
		metricsHandler: deps.MetricsHandler,
		healthChecks:   deps.HealthChecks,
		startTime:      clock.Now(),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     NewCheckOrigin(cfg.AllowOrigins(), cfg.AppEnv == "development"),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
