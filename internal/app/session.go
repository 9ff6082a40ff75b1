package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liverelay/internal/adapter/metrics"
	"github.com/pscheid92/liverelay/internal/domain"
	"github.com/pscheid92/liverelay/internal/platform/correlation"
)

const terminateTimeout = 5 * time.Second

// Outcomes of the background connect, dispatched like upstream events.
type (
	connected     struct{ conn domain.UpstreamConn }
	connectFailed struct{ err error }
	streamClosed  struct{}
)

type session struct {
	identity string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// Guarded by SessionManager.mu.
	state       domain.SessionState
	displayName string
	conn        domain.UpstreamConn
}

// SessionManager owns at most one upstream session at a time.
type SessionManager struct {
	upstream         domain.Upstream
	publisher        domain.EventPublisher
	clock            clockwork.Clock
	metrics          *metrics.SessionMetrics
	terminateTimeout time.Duration

	ctrlMu  sync.Mutex // serializes StartSession and StopSession
	mu      sync.Mutex
	current *session
}

func NewSessionManager(upstream domain.Upstream, publisher domain.EventPublisher, clock clockwork.Clock, m *metrics.SessionMetrics) *SessionManager {
	sm := &SessionManager{
		upstream:         upstream,
		publisher:        publisher,
		clock:            clock,
		metrics:          m,
		terminateTimeout: terminateTimeout,
	}
	sm.setStateMetric(domain.StateIdle)
	return sm
}

// StartSession replaces any current session with a new one for identity and returns at once.
// The handshake runs in the background; its outcome is published as a system notice.
func (m *SessionManager) StartSession(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return domain.ErrIdentityRequired
	}

	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	if prev := m.detachCurrent(); prev != nil {
		slog.InfoContext(ctx, "Replacing upstream session", "previous", prev.identity, "username", identity)
		if err := m.terminate(prev); err != nil {
			slog.WarnContext(ctx, "Failed to terminate previous session", "username", prev.identity, "error", err)
		}
	}

	sessCtx, cancel := context.WithCancel(correlation.WithID(context.WithoutCancel(ctx), correlation.NewID()))
	s := &session{
		identity: identity,
		ctx:      sessCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    domain.StateConnecting,
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.setStateMetric(domain.StateConnecting)

	go m.run(s)
	return nil
}

// StopSession terminates the current session. Local state is cleared even when termination fails.
func (m *SessionManager) StopSession(ctx context.Context) (domain.StopResult, error) {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	prev := m.detachCurrent()
	if prev == nil {
		return domain.StopNoSession, nil
	}

	err := m.terminate(prev)
	m.publisher.Publish(domain.Notice(domain.CodeDisconnected, m.clock.Now()))

	if err != nil {
		slog.ErrorContext(ctx, "Upstream session terminated with error", "username", prev.identity, "error", err)
		return domain.StopDisconnected, fmt.Errorf("failed to terminate session for %s: %w", prev.identity, err)
	}

	slog.InfoContext(ctx, "Upstream session stopped", "username", prev.identity)
	return domain.StopDisconnected, nil
}

func (m *SessionManager) Status() domain.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return domain.SessionStatus{State: domain.StateIdle}
	}
	return domain.SessionStatus{
		State:       m.current.state,
		Identity:    m.current.identity,
		DisplayName: m.current.displayName,
	}
}

// SimulateComment publishes a comment as if it came from the upstream.
func (m *SessionManager) SimulateComment(user, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher.Publish(domain.NewComment(user, text, m.clock.Now()))
}

// Shutdown stops the current session, if any. Errors are logged only.
func (m *SessionManager) Shutdown(ctx context.Context) {
	result, err := m.StopSession(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Session shutdown incomplete", "error", err)
		return
	}
	if result == domain.StopDisconnected {
		slog.InfoContext(ctx, "Session shut down")
	}
}

// detachCurrent clears and returns the current session.
func (m *SessionManager) detachCurrent() *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	m.current = nil
	if prev != nil {
		m.setStateMetric(domain.StateIdle)
	}
	return prev
}

// terminate cancels the session task, closes its connection and waits, bounded, for the task to end.
func (m *SessionManager) terminate(s *session) error {
	s.cancel()

	m.mu.Lock()
	conn := s.conn
	m.mu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}

	timer := m.clock.NewTimer(m.terminateTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.Chan():
		return fmt.Errorf("%w after %v", domain.ErrTerminateTimeout, m.terminateTimeout)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close upstream connection: %w", closeErr)
	}
	return nil
}

func (m *SessionManager) run(s *session) {
	defer close(s.done)
	defer s.cancel()

	slog.InfoContext(s.ctx, "Connecting to upstream", "username", s.identity)
	conn, err := m.upstream.Connect(s.ctx, s.identity)
	if err != nil {
		m.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		m.handle(s, connectFailed{err: err})
		return
	}
	m.metrics.ConnectAttempts.WithLabelValues("success").Inc()
	defer func() { _ = conn.Close() }()

	if !m.handle(s, connected{conn: conn}) {
		return
	}

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				m.handle(s, streamClosed{})
				return
			}
			if !m.handle(s, ev) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// handle applies one event of session s and publishes the resulting notice. It returns false when
// s is no longer current or the event ended it. Publishing happens under mu so no event of a
// replaced session is delivered after its replacement took effect.
func (m *SessionManager) handle(s *session, ev any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != s {
		slog.DebugContext(s.ctx, "Discarding event of stale session", "event", fmt.Sprintf("%T", ev))
		return false
	}

	now := m.clock.Now()
	var out domain.Event
	keep := true

	switch e := ev.(type) {
	case connected:
		s.conn = e.conn
		s.state = domain.StateActive
		s.displayName = e.conn.DisplayName()
		m.setStateMetric(domain.StateActive)
		slog.InfoContext(s.ctx, "Connected to upstream", "username", s.identity, "display_name", s.displayName)
		out = domain.ConnectedNotice(s.identity, now)

	case connectFailed:
		m.clear()
		slog.ErrorContext(s.ctx, "Failed to connect to upstream", "username", s.identity, "error", e.err)
		out = domain.ErrorNotice(e.err.Error(), now)
		keep = false

	case domain.ChatReceived:
		m.metrics.UpstreamEvents.WithLabelValues("chat").Inc()
		slog.DebugContext(s.ctx, "Chat received", "user", e.Nickname)
		out = domain.NewComment(e.Nickname, e.Comment, now)

	case domain.GiftReceived:
		m.metrics.UpstreamEvents.WithLabelValues("gift").Inc()
		slog.DebugContext(s.ctx, "Gift received", "user", e.Nickname, "gift", e.GiftName, "count", e.RepeatCount)
		out = domain.NewGift(e.Nickname, e.GiftName, e.RepeatCount, now)

	case domain.StreamEnded:
		m.metrics.UpstreamEvents.WithLabelValues("stream_end").Inc()
		m.clear()
		slog.InfoContext(s.ctx, "Stream ended", "username", s.identity)
		out = domain.Notice(domain.CodeStreamEnded, now)
		keep = false

	case domain.UpstreamErrored:
		m.metrics.UpstreamEvents.WithLabelValues("error").Inc()
		slog.WarnContext(s.ctx, "Upstream reported error", "username", s.identity, "error", e.Err)
		out = domain.ErrorNotice(errorReason(e.Err), now)

	case streamClosed:
		m.clear()
		slog.ErrorContext(s.ctx, "Upstream connection lost", "username", s.identity)
		out = domain.ErrorNotice("upstream connection closed", now)
		keep = false

	default:
		slog.WarnContext(s.ctx, "Ignoring unknown upstream event", "event", fmt.Sprintf("%T", ev))
		return true
	}

	m.publisher.Publish(out)
	return keep
}

// clear drops the current session. Callers hold mu.
func (m *SessionManager) clear() {
	m.current = nil
	m.setStateMetric(domain.StateIdle)
}

func (m *SessionManager) setStateMetric(state domain.SessionState) {
	m.metrics.SetState(string(state), string(domain.StateIdle), string(domain.StateConnecting), string(domain.StateActive))
}

func errorReason(err error) string {
	if err == nil {
		return "unknown upstream error"
	}
	return err.Error()
}
