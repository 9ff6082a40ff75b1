package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liverelay/internal/domain"
)

const (
	eventBufferSize = 64
	closeDeadline   = time.Second
)

type conn struct {
	ws          *websocket.Conn
	clock       clockwork.Clock
	displayName string
	events      chan domain.UpstreamEvent
	closed      chan struct{}
	closeOnce   sync.Once
}

func newConn(ws *websocket.Conn, displayName string, clock clockwork.Clock) *conn {
	c := &conn{
		ws:          ws,
		clock:       clock,
		displayName: displayName,
		events:      make(chan domain.UpstreamEvent, eventBufferSize),
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) DisplayName() string { return c.displayName }

func (c *conn) Events() <-chan domain.UpstreamEvent { return c.events }

// Close sends a close frame and closes the socket. Calls after the first return nil.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(closeDeadline))
		err = c.ws.Close()
	})
	return err
}

func (c *conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				slog.Warn("Bridge connection lost", "error", err)
			}
			return
		}

		ev, err := c.decode(data)
		if err != nil {
			if errors.Is(err, errUnknownEvent) {
				slog.Debug("Ignoring bridge frame", "error", err)
				continue
			}
			ev = domain.UpstreamErrored{Err: err}
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}

		if _, ok := ev.(domain.StreamEnded); ok {
			return
		}
	}
}

func (c *conn) decode(data []byte) (domain.UpstreamEvent, error) {
	f, err := parseFrame(data)
	if err != nil {
		return nil, err
	}
	return decodeEvent(f)
}

var (
	_ domain.Upstream     = (*Dialer)(nil)
	_ domain.UpstreamConn = (*conn)(nil)
)
