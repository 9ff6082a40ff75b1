package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/liverelay/internal/adapter/metrics"
	"github.com/pscheid92/liverelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockUpstream struct {
	connectFn func(ctx context.Context, identity string) (domain.UpstreamConn, error)
}

func (m *mockUpstream) Connect(ctx context.Context, identity string) (domain.UpstreamConn, error) {
	return m.connectFn(ctx, identity)
}

type mockConn struct {
	displayName string
	events      chan domain.UpstreamEvent
	closeErr    error

	mu       sync.Mutex
	closes   int
	closedCh chan struct{}
}

func newMockConn(displayName string) *mockConn {
	return &mockConn{
		displayName: displayName,
		events:      make(chan domain.UpstreamEvent, 16),
		closedCh:    make(chan struct{}),
	}
}

func (c *mockConn) DisplayName() string                 { return c.displayName }
func (c *mockConn) Events() <-chan domain.UpstreamEvent { return c.events }

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.closedCh)
	}
	return c.closeErr
}

func (c *mockConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closedCh:
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
	}
}

func (c *mockConn) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

type recordingPublisher struct {
	ch chan domain.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{ch: make(chan domain.Event, 64)}
}

func (p *recordingPublisher) Publish(ev domain.Event) { p.ch <- ev }

func (p *recordingPublisher) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-p.ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (p *recordingPublisher) nextNotice(t *testing.T) domain.SystemNotice {
	t.Helper()
	ev := p.next(t)
	notice, ok := ev.(domain.SystemNotice)
	require.True(t, ok, "expected system notice, got %T", ev)
	return notice
}

func (p *recordingPublisher) assertNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-p.ch:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

// connectsTo returns an upstream whose connects succeed with the given connections, keyed by identity.
func connectsTo(conns map[string]*mockConn) *mockUpstream {
	return &mockUpstream{connectFn: func(_ context.Context, identity string) (domain.UpstreamConn, error) {
		conn, ok := conns[identity]
		if !ok {
			return nil, errors.New("user not live")
		}
		return conn, nil
	}}
}

func newTestManager(t *testing.T, upstream domain.Upstream, clock clockwork.Clock) (*SessionManager, *recordingPublisher, *metrics.SessionMetrics) {
	t.Helper()
	pub := newRecordingPublisher()
	m := metrics.NewSessionMetrics(prometheus.NewRegistry())
	sm := NewSessionManager(upstream, pub, clock, m)
	t.Cleanup(func() { sm.Shutdown(context.Background()) })
	return sm, pub, m
}

// --- Tests ---

func TestStartSession_ConnectedThenNormalizedComment(t *testing.T) {
	conn := newMockConn("Alice")
	sm, pub, m := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())

	require.NoError(t, sm.StartSession(context.Background(), "alice"))

	notice := pub.nextNotice(t)
	assert.Equal(t, domain.CodeUpstreamConnected, notice.Code)
	assert.Equal(t, "alice", notice.Username)

	conn.events <- domain.ChatReceived{Nickname: "Bob", Comment: " HELLO "}
	comment, ok := pub.next(t).(domain.Comment)
	require.True(t, ok)
	assert.Equal(t, "Bob", comment.User)
	assert.Equal(t, "hello", comment.Message)

	status := sm.Status()
	assert.Equal(t, domain.StateActive, status.State)
	assert.Equal(t, "alice", status.Identity)
	assert.Equal(t, "Alice", status.DisplayName)
	assert.True(t, status.Connected())

	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.State.WithLabelValues("active")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.UpstreamEvents.WithLabelValues("chat")), 0)
}

func TestStartSession_GiftNormalized(t *testing.T) {
	conn := newMockConn("Alice")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())
	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	conn.events <- domain.GiftReceived{Nickname: "Bob", GiftName: "Rose", RepeatCount: 3}

	gift, ok := pub.next(t).(domain.Gift)
	require.True(t, ok)
	assert.Equal(t, "Bob", gift.User)
	assert.Equal(t, "rose", gift.Gift)
	assert.Equal(t, 3, gift.Count)
}

func TestStartSession_EmptyIdentityRejected(t *testing.T) {
	upstream := &mockUpstream{connectFn: func(context.Context, string) (domain.UpstreamConn, error) {
		t.Fatal("connect must not be called")
		return nil, nil
	}}
	sm, pub, _ := newTestManager(t, upstream, clockwork.NewRealClock())

	for _, identity := range []string{"", "   "} {
		err := sm.StartSession(context.Background(), identity)
		require.ErrorIs(t, err, domain.ErrIdentityRequired)
	}

	assert.Equal(t, domain.StateIdle, sm.Status().State)
	pub.assertNone(t)
}

func TestStartSession_ReplacesPreviousSession(t *testing.T) {
	alice, bob := newMockConn("Alice"), newMockConn("Bob")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": alice, "bob": bob}), clockwork.NewRealClock())

	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	assert.Equal(t, "alice", pub.nextNotice(t).Username)

	require.NoError(t, sm.StartSession(context.Background(), "bob"))
	assert.True(t, alice.isClosed(), "previous connection closed before the new session starts")
	assert.Equal(t, "bob", pub.nextNotice(t).Username)

	// Late events of the replaced session are discarded.
	alice.events <- domain.ChatReceived{Nickname: "x", Comment: "stale"}
	bob.events <- domain.ChatReceived{Nickname: "y", Comment: "fresh"}

	comment, ok := pub.next(t).(domain.Comment)
	require.True(t, ok)
	assert.Equal(t, "fresh", comment.Message)

	status := sm.Status()
	assert.Equal(t, "bob", status.Identity)
	assert.Equal(t, domain.StateActive, status.State)
}

func TestStartSession_RepeatedStartsLeaveOneSession(t *testing.T) {
	var mu sync.Mutex
	var conns []*mockConn
	upstream := &mockUpstream{connectFn: func(context.Context, string) (domain.UpstreamConn, error) {
		conn := newMockConn("Alice")
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	}}
	sm, pub, _ := newTestManager(t, upstream, clockwork.NewRealClock())

	for range 5 {
		require.NoError(t, sm.StartSession(context.Background(), "alice"))
		assert.Equal(t, domain.CodeUpstreamConnected, pub.nextNotice(t).Code)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, conns, 5)
	for _, conn := range conns[:4] {
		assert.True(t, conn.isClosed())
	}
	assert.False(t, conns[4].isClosed())
}

func TestStartSession_PreviousTerminationFailureDoesNotBlock(t *testing.T) {
	alice, bob := newMockConn("Alice"), newMockConn("Bob")
	alice.closeErr = errors.New("socket already gone")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": alice, "bob": bob}), clockwork.NewRealClock())

	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	require.NoError(t, sm.StartSession(context.Background(), "bob"))
	assert.Equal(t, "bob", pub.nextNotice(t).Username)
}

func TestStartSession_ConnectFailure(t *testing.T) {
	sm, pub, m := newTestManager(t, connectsTo(nil), clockwork.NewRealClock())

	require.NoError(t, sm.StartSession(context.Background(), "ghost"))

	notice := pub.nextNotice(t)
	assert.Equal(t, domain.CodeConnectionError, notice.Code)
	assert.Equal(t, "user not live", notice.Reason)
	assert.Eventually(t, func() bool { return sm.Status().State == domain.StateIdle }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("failure")), 0)
}

func TestStatus_ConnectingWhileHandshakeInFlight(t *testing.T) {
	release := make(chan struct{})
	upstream := &mockUpstream{connectFn: func(ctx context.Context, _ string) (domain.UpstreamConn, error) {
		select {
		case <-release:
			return newMockConn("Alice"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	sm, pub, _ := newTestManager(t, upstream, clockwork.NewRealClock())

	require.NoError(t, sm.StartSession(context.Background(), "alice"))

	status := sm.Status()
	assert.Equal(t, domain.StateConnecting, status.State)
	assert.Equal(t, "alice", status.Identity)
	assert.False(t, status.Connected())

	close(release)
	assert.Equal(t, domain.CodeUpstreamConnected, pub.nextNotice(t).Code)
	assert.True(t, sm.Status().Connected())
}

func TestStopSession_IdleIsInformational(t *testing.T) {
	sm, pub, _ := newTestManager(t, connectsTo(nil), clockwork.NewRealClock())

	result, err := sm.StopSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StopNoSession, result)
	pub.assertNone(t)
}

func TestStopSession_Active(t *testing.T) {
	conn := newMockConn("Alice")
	sm, pub, m := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())
	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	result, err := sm.StopSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StopDisconnected, result)
	assert.Equal(t, domain.CodeDisconnected, pub.nextNotice(t).Code)
	assert.True(t, conn.isClosed())

	status := sm.Status()
	assert.Equal(t, domain.StateIdle, status.State)
	assert.Empty(t, status.Identity)
	assert.InDelta(t, 1, testutil.ToFloat64(m.State.WithLabelValues("idle")), 0)

	result, err = sm.StopSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StopNoSession, result)
}

func TestStopSession_CloseErrorStillClearsState(t *testing.T) {
	conn := newMockConn("Alice")
	conn.closeErr = errors.New("close failed")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())
	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	result, err := sm.StopSession(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, conn.closeErr)
	assert.Equal(t, domain.StopDisconnected, result)
	assert.Equal(t, domain.CodeDisconnected, pub.nextNotice(t).Code)
	assert.Equal(t, domain.StateIdle, sm.Status().State)
}

func TestStopSession_DuringConnectDiscardsStaleAttempt(t *testing.T) {
	conn := newMockConn("Alice")
	dialing := make(chan struct{})
	upstream := &mockUpstream{connectFn: func(ctx context.Context, _ string) (domain.UpstreamConn, error) {
		close(dialing)
		<-ctx.Done()
		// The handshake completes regardless of the cancellation.
		return conn, nil
	}}
	sm, pub, _ := newTestManager(t, upstream, clockwork.NewRealClock())

	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	<-dialing

	result, err := sm.StopSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StopDisconnected, result)
	assert.Equal(t, domain.CodeDisconnected, pub.nextNotice(t).Code)

	conn.waitClosed(t)
	pub.assertNone(t)
	assert.Equal(t, domain.StateIdle, sm.Status().State)
}

func TestStopSession_TerminateTimeoutIsBounded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	conn := newMockConn("Alice")
	dialing := make(chan struct{})
	upstream := &mockUpstream{connectFn: func(context.Context, string) (domain.UpstreamConn, error) {
		close(dialing)
		<-release // ignores cancellation
		return conn, nil
	}}
	sm, pub, _ := newTestManager(t, upstream, clock)

	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	<-dialing

	type stopOutcome struct {
		result domain.StopResult
		err    error
	}
	stopped := make(chan stopOutcome, 1)
	go func() {
		result, err := sm.StopSession(context.Background())
		stopped <- stopOutcome{result, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(terminateTimeout)

	select {
	case out := <-stopped:
		assert.Equal(t, domain.StopDisconnected, out.result)
		assert.ErrorIs(t, out.err, domain.ErrTerminateTimeout)
	case <-time.After(time.Second):
		t.Fatal("StopSession did not return after the terminate timeout")
	}
	assert.Equal(t, domain.CodeDisconnected, pub.nextNotice(t).Code)
	assert.Equal(t, domain.StateIdle, sm.Status().State)

	close(release)
	conn.waitClosed(t)
	pub.assertNone(t)
}

func TestUpstreamTermination(t *testing.T) {
	conn := newMockConn("Alice")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())
	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	conn.events <- domain.StreamEnded{}

	assert.Equal(t, domain.CodeStreamEnded, pub.nextNotice(t).Code)
	status := sm.Status()
	assert.Equal(t, domain.StateIdle, status.State)
	assert.Empty(t, status.Identity)
	conn.waitClosed(t)

	result, err := sm.StopSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StopNoSession, result)
}

func TestUpstreamErrorKeepsSession(t *testing.T) {
	conn := newMockConn("Alice")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())
	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	conn.events <- domain.UpstreamErrored{Err: errors.New("decode failure")}

	notice := pub.nextNotice(t)
	assert.Equal(t, domain.CodeConnectionError, notice.Code)
	assert.Equal(t, "decode failure", notice.Reason)
	assert.Equal(t, domain.StateActive, sm.Status().State)

	conn.events <- domain.ChatReceived{Nickname: "Bob", Comment: "still here"}
	_, ok := pub.next(t).(domain.Comment)
	assert.True(t, ok)
}

func TestUpstreamStreamClosedWithoutEnd(t *testing.T) {
	conn := newMockConn("Alice")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())
	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	close(conn.events)

	assert.Equal(t, domain.CodeConnectionError, pub.nextNotice(t).Code)
	assert.Equal(t, domain.StateIdle, sm.Status().State)
}

func TestSimulateComment(t *testing.T) {
	sm, pub, _ := newTestManager(t, connectsTo(nil), clockwork.NewRealClock())

	sm.SimulateComment("tester", "  Prueba ")

	comment, ok := pub.next(t).(domain.Comment)
	require.True(t, ok)
	assert.Equal(t, "tester", comment.User)
	assert.Equal(t, "prueba", comment.Message)
}

func TestShutdown(t *testing.T) {
	conn := newMockConn("Alice")
	sm, pub, _ := newTestManager(t, connectsTo(map[string]*mockConn{"alice": conn}), clockwork.NewRealClock())
	require.NoError(t, sm.StartSession(context.Background(), "alice"))
	pub.nextNotice(t)

	sm.Shutdown(context.Background())

	assert.Equal(t, domain.CodeDisconnected, pub.nextNotice(t).Code)
	assert.True(t, conn.isClosed())
	assert.Equal(t, domain.StateIdle, sm.Status().State)
}
