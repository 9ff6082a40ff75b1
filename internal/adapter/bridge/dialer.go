package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liverelay/internal/domain"
	"github.com/pscheid92/liverelay/internal/platform/retry"
	"github.com/pscheid92/liverelay/internal/platform/version"
)

const (
	defaultBackoff   = 500 * time.Millisecond
	maxBackoff       = 5 * time.Second
	rateLimitBackoff = 5 * time.Second
)

type Config struct {
	URL            string
	ConnectTimeout time.Duration // bounds dialing, retries and the handshake together
	DialAttempts   int
	Backoff        time.Duration // initial retry backoff; zero means 500ms
	Clock          clockwork.Clock
}

// Dialer connects to the bridge, one WebSocket per session.
type Dialer struct {
	baseURL        *url.URL
	dialer         *websocket.Dialer
	policy         retry.Policy
	connectTimeout time.Duration
	clock          clockwork.Clock
}

func NewDialer(cfg Config) (*Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}

	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Dialer{
		baseURL: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		policy: retry.Policy{
			MaxAttempts:      cfg.DialAttempts,
			InitialBackoff:   backoff,
			MaxBackoff:       maxBackoff,
			RateLimitBackoff: rateLimitBackoff,
			Clock:            clock,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Warn("Bridge dial failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
		connectTimeout: cfg.ConnectTimeout,
		clock:          clock,
	}, nil
}

// Connect dials the bridge for identity and waits for the room handshake.
func (d *Dialer) Connect(ctx context.Context, identity string) (domain.UpstreamConn, error) {
	connectCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	ws, err := retry.Do(connectCtx, d.policy, classifyDialError, func(ctx context.Context) (*websocket.Conn, error) {
		return d.dial(ctx, identity)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}

	displayName, err := handshake(connectCtx, ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if displayName == "" {
		displayName = identity
	}

	slog.DebugContext(ctx, "Bridge handshake complete", "username", identity, "display_name", displayName)
	return newConn(ws, displayName, d.clock), nil
}

func (d *Dialer) dial(ctx context.Context, identity string) (*websocket.Conn, error) {
	u := *d.baseURL
	q := u.Query()
	q.Set("username", identity)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	ws, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}
	return ws, nil
}

// DialError is a failed bridge dial. StatusCode is set when the bridge answered over HTTP.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bridge responded %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e *DialError) Unwrap() error { return e.Err }

func classifyDialError(err error) retry.Action {
	var de *DialError
	if !errors.As(err, &de) {
		return retry.Retry
	}
	switch {
	case de.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case de.StatusCode >= 400 && de.StatusCode < 500:
		return retry.Stop
	default:
		return retry.Retry
	}
}

// handshake reads frames until the bridge confirms the room or reports an error.
func handshake(ctx context.Context, ws *websocket.Conn) (string, error) {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("bridge handshake aborted: %w", ctx.Err())
			}
			return "", fmt.Errorf("bridge handshake failed: %w", err)
		}

		f, err := parseFrame(data)
		if err != nil {
			return "", fmt.Errorf("bridge handshake failed: %w", err)
		}

		switch f.Event {
		case eventConnected:
			if !stop() {
				return "", fmt.Errorf("bridge handshake aborted: %w", ctx.Err())
			}
			_ = ws.SetReadDeadline(time.Time{})
			return f.OwnerDisplayName, nil
		case eventError:
			reason := f.Error
			if reason == "" {
				reason = "unspecified"
			}
			return "", fmt.Errorf("bridge rejected connection: %s", reason)
		default:
			slog.Debug("Ignoring bridge frame before handshake", "event", f.Event)
		}
	}
}
