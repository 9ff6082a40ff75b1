package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/liverelay/internal/domain"
	apperrors "github.com/pscheid92/liverelay/internal/platform/errors"
)

const defaultTestUser = "test"

type startRequest struct {
	Username string `json:"username" form:"username"`
}

type testRequest struct {
	User    string `json:"user" form:"user"`
	Message string `json:"message" form:"message"`
}

type controlResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type statusResponse struct {
	Connected   bool   `json:"connected"`
	Username    string `json:"username"`
	State       string `json:"state"`
	DisplayName string `json:"display_name,omitempty"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) registerControlRoutes() {
	var onDeny func(route string)
	if s.httpMetrics != nil {
		onDeny = s.httpMetrics.ObserveRateLimited
	}
	limiter := newRateLimiter(s.config.ControlRateLimit, s.config.ControlRateBurst, onDeny)

	s.echo.POST("/start", s.handleStart, limiter)
	s.echo.POST("/stop", s.handleStop, limiter)
	s.echo.POST("/test", s.handleTest, limiter)
	s.echo.GET("/status", s.handleStatus)
}

func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		return apperrors.ValidationError("username is required")
	}

	if err := s.sessions.StartSession(c.Request().Context(), username); err != nil {
		if errors.Is(err, domain.ErrIdentityRequired) {
			return apperrors.ValidationError("username is required")
		}
		return apperrors.InternalError("failed to start session", err).WithField("username", username)
	}

	return writeJSON(c, http.StatusOK, controlResponse{
		Message: "Connecting to @" + username,
		Status:  "success",
	})
}

func (s *Server) handleStop(c echo.Context) error {
	result, err := s.sessions.StopSession(c.Request().Context())
	if err != nil {
		return apperrors.InternalError("failed to disconnect", err)
	}

	if result == domain.StopNoSession {
		return writeJSON(c, http.StatusOK, controlResponse{Message: "No active connection", Status: "info"})
	}
	return writeJSON(c, http.StatusOK, controlResponse{Message: "Connection stopped", Status: "success"})
}

func (s *Server) handleStatus(c echo.Context) error {
	status := s.sessions.Status()

	return writeJSON(c, http.StatusOK, statusResponse{
		Connected:   status.Connected(),
		Username:    status.Identity,
		State:       string(status.State),
		DisplayName: status.DisplayName,
		Subscribers: s.hub.SubscriberCount(),
	})
}

// handleTest injects a synthetic comment so subscribers can be checked without a live stream.
func (s *Server) handleTest(c echo.Context) error {
	var req testRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return apperrors.ValidationError("message is required")
	}

	user := req.User
	if user == "" {
		user = defaultTestUser
	}
	s.sessions.SimulateComment(user, req.Message)

	return writeJSON(c, http.StatusOK, controlResponse{Message: "Test comment sent", Status: "success"})
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
