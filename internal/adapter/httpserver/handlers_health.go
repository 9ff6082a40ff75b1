package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/liverelay/internal/platform/version"
)

const readinessCheckTimeout = 5 * time.Second

// HealthCheck is a named dependency check run by the readiness endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// relayHealth is the body of the liveness and readiness responses.
type relayHealth struct {
	Status      string  `json:"status"`
	Uptime      float64 `json:"uptime_seconds"`
	Session     string  `json:"session"`
	Username    string  `json:"username,omitempty"`
	Subscribers int     `json:"subscribers"`
	FailedCheck string  `json:"failed_check,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) snapshotHealth() relayHealth {
	status := s.sessions.Status()
	return relayHealth{
		Uptime:      s.clock.Since(s.startTime).Seconds(),
		Session:     string(status.State),
		Username:    status.Identity,
		Subscribers: s.hub.SubscriberCount(),
	}
}

// handleLiveness fails only when the hub loop stops answering; a relay without a
// session or subscribers is still alive.
func (s *Server) handleLiveness(c echo.Context) error {
	report := s.snapshotHealth()
	if report.Subscribers < 0 {
		return s.unhealthy(c, report, "hub", "hub not responding")
	}

	report.Status = "ok"
	return writeJSON(c, http.StatusOK, report)
}

func (s *Server) handleReadiness(c echo.Context) error {
	report := s.snapshotHealth()
	if report.Subscribers < 0 {
		return s.unhealthy(c, report, "hub", "hub not responding")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()

	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			return s.unhealthy(c, report, hc.Name, err.Error())
		}
	}

	report.Status = "ready"
	return writeJSON(c, http.StatusOK, report)
}

func (s *Server) unhealthy(c echo.Context, report relayHealth, check, reason string) error {
	report.Status = "unhealthy"
	report.FailedCheck = check
	report.Error = reason
	return writeJSON(c, http.StatusServiceUnavailable, report)
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeJSON(c, http.StatusOK, version.Get())
}
