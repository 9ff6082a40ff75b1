package httpserver

import (
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/liverelay/internal/broadcast"
	"github.com/pscheid92/liverelay/internal/domain"
)

const maxInboundMessageSize = 4096

// handleSubscribe upgrades to a WebSocket and attaches it to the hub for the lifetime of
// the connection. Inbound text is logged and otherwise ignored.
func (s *Server) handleSubscribe(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.WarnContext(c.Request().Context(), "WebSocket upgrade failed", "remote_addr", c.RealIP(), "error", err)
		return nil
	}

	ctx := c.Request().Context()
	if err := s.hub.Attach(ws); err != nil {
		reason := "subscriber rejected"
		switch {
		case errors.Is(err, domain.ErrTooManySubscribers):
			reason = "too many subscribers"
		case errors.Is(err, domain.ErrHubStopped):
			reason = "server shutting down"
		}
		slog.WarnContext(ctx, "Subscriber rejected", "remote_addr", c.RealIP(), "error", err)
		broadcast.CloseRejected(ws, s.clock, reason)
		return nil
	}

	slog.InfoContext(ctx, "Subscriber connected", "remote_addr", c.RealIP())
	defer func() {
		s.hub.Detach(ws)
		_ = ws.Close()
		slog.InfoContext(ctx, "Subscriber disconnected", "remote_addr", c.RealIP())
	}()

	ws.SetReadLimit(maxInboundMessageSize)
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Subscriber read ended", "error", err)
			}
			return nil
		}
		if messageType == websocket.TextMessage {
			slog.InfoContext(ctx, "Subscriber message", "remote_addr", c.RealIP(), "message", string(data))
		}
	}
}
