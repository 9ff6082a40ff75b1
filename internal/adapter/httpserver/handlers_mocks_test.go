package httpserver

import (
	"context"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liverelay/internal/broadcast"
	"github.com/pscheid92/liverelay/internal/domain"
	"github.com/pscheid92/liverelay/internal/platform/config"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockSessionService struct {
	startSessionFn    func(ctx context.Context, identity string) error
	stopSessionFn     func(ctx context.Context) (domain.StopResult, error)
	statusFn          func() domain.SessionStatus
	simulateCommentFn func(user, text string)
}

func (m *mockSessionService) StartSession(ctx context.Context, identity string) error {
	if m.startSessionFn != nil {
		return m.startSessionFn(ctx, identity)
	}
	return nil
}

func (m *mockSessionService) StopSession(ctx context.Context) (domain.StopResult, error) {
	if m.stopSessionFn != nil {
		return m.stopSessionFn(ctx)
	}
	return domain.StopNoSession, nil
}

func (m *mockSessionService) Status() domain.SessionStatus {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return domain.SessionStatus{State: domain.StateIdle}
}

func (m *mockSessionService) SimulateComment(user, text string) {
	if m.simulateCommentFn != nil {
		m.simulateCommentFn(user, text)
	}
}

type mockHub struct {
	mu       sync.Mutex
	attachFn func(conn broadcast.Conn) error
	attached []broadcast.Conn
	detached []broadcast.Conn
	count    int
}

func (m *mockHub) Attach(conn broadcast.Conn) error {
	if m.attachFn != nil {
		if err := m.attachFn(conn); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = append(m.attached, conn)
	return nil
}

func (m *mockHub) Detach(conn broadcast.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detached = append(m.detached, conn)
}

func (m *mockHub) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *mockHub) detachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.detached)
}

// --- Test helpers ---

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:           "test",
		Port:             "3000",
		CORSAllowOrigins: "*",
		ControlRateLimit: 100,
		ControlRateBurst: 100,
	}
}

func newTestServer(t *testing.T, sessions sessionService, opts ...func(*config.Config, *Deps)) *Server {
	t.Helper()

	cfg := testConfig()
	deps := Deps{
		Sessions: sessions,
		Hub:      &mockHub{},
		Clock:    clockwork.NewFakeClock(),
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	srv, err := NewServer(cfg, deps)
	require.NoError(t, err)
	return srv
}

func withHub(hub subscriberHub) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) {
		d.Hub = hub
	}
}

func withHealthChecks(checks ...HealthCheck) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) {
		d.HealthChecks = checks
	}
}

func withConfig(mutate func(*config.Config)) func(*config.Config, *Deps) {
	return func(c *config.Config, _ *Deps) {
		mutate(c)
	}
}
