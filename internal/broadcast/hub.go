package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/liverelay/internal/adapter/metrics"
	"github.com/pscheid92/liverelay/internal/domain"
)

const (
	commandTimeout   = 5 * time.Second  // Actor command timeout
	stopTimeout      = 10 * time.Second // Graceful shutdown timeout
	commandQueueSize = 256

	evictSlow        = "slow"
	evictWriteFailed = "write_failed"
)

// Conn is the write side of a subscriber transport. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type attachCmd struct {
	baseHubCmd
	connection   Conn
	errorChannel chan error
}

type detachCmd struct {
	baseHubCmd
	connection  Conn
	reason      string // empty for a regular detach
	doneChannel chan struct{}
}

type broadcastCmd struct {
	baseHubCmd
	data []byte
}

type countCmd struct {
	baseHubCmd
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub fans out normalized events to every attached subscriber.
type Hub struct {
	cmdCh          chan hubCmd
	clock          clockwork.Clock
	subscribers    map[Conn]*subscriberWriter
	keepAlive      time.Duration
	maxSubscribers int
	metrics        *metrics.HubMetrics
	done           chan struct{}
	stopOnce       sync.Once
	stopTimeout    time.Duration
}

// NewHub creates a hub and starts its actor goroutine.
// keepAlive is the interval of the system ping broadcast.
// maxSubscribers caps attached subscribers; zero means unbounded.
func NewHub(clock clockwork.Clock, keepAlive time.Duration, maxSubscribers int, m *metrics.HubMetrics) *Hub {
	h := &Hub{
		cmdCh:          make(chan hubCmd, commandQueueSize),
		clock:          clock,
		subscribers:    make(map[Conn]*subscriberWriter),
		keepAlive:      keepAlive,
		maxSubscribers: maxSubscribers,
		metrics:        m,
		done:           make(chan struct{}),
		stopTimeout:    stopTimeout,
	}
	go h.run()
	return h
}

// Attach registers a subscriber and queues the conectado_servidor welcome to it, ahead of any
// broadcast frame. Returns ErrTooManySubscribers at the cap and ErrHubStopped after Stop.
// The caller keeps ownership of conn when an error is returned.
func (h *Hub) Attach(conn Conn) error {
	errCh := make(chan error, 1)
	if !h.send(attachCmd{connection: conn, errorChannel: errCh}) {
		return domain.ErrHubStopped
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-h.done:
		return domain.ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("attach command timed out after %v", commandTimeout)
	}
}

// Detach removes a subscriber and closes its transport. Detaching an unknown or already
// detached subscriber is a no-op. Once Detach returns, no further frame reaches conn.
func (h *Hub) Detach(conn Conn) {
	h.detach(conn, "")
}

func (h *Hub) detach(conn Conn, reason string) {
	doneCh := make(chan struct{})
	if !h.send(detachCmd{connection: conn, reason: reason, doneChannel: doneCh}) {
		return
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-doneCh:
	case <-h.done:
	case <-timer.Chan():
		slog.Warn("Detach timed out", "timeout", commandTimeout)
	}
}

// Publish encodes ev once and delivers it to every subscriber, best-effort.
// A single instance hands the hub to the session manager as its publisher.
func (h *Hub) Publish(ev domain.Event) {
	data, err := domain.Encode(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type(), "error", err)
		return
	}
	h.Broadcast(data)
}

// Broadcast delivers an already encoded frame to every subscriber, best-effort.
func (h *Hub) Broadcast(data []byte) {
	if !h.send(broadcastCmd{data: data}) {
		slog.Debug("Dropping frame, hub is stopped")
	}
}

// SubscriberCount returns the number of attached subscribers.
// Returns -1 if the command times out and 0 once the hub is stopped.
func (h *Hub) SubscriberCount() int {
	replyCh := make(chan int, 1)
	if !h.send(countCmd{replyChannel: replyCh}) {
		return 0
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-h.done:
		return 0
	case <-timer.Chan():
		slog.Warn("SubscriberCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every subscriber with a close frame and stops the actor.
// Blocks until the actor has exited or the stop timeout is reached. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if !h.send(stopCmd{}) {
			return
		}

		timeout := h.clock.NewTimer(h.stopTimeout)
		defer timeout.Stop()

		select {
		case <-h.done:
			slog.Info("Hub stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Hub stop timeout exceeded", "timeout", h.stopTimeout)
		}
	})
}

// send enqueues cmd unless the actor has exited.
func (h *Hub) send(cmd hubCmd) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll("hub failure")
		}
	}()

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case attachCmd:
				h.handleAttach(c)
			case detachCmd:
				h.remove(c.connection, c.reason)
				close(c.doneChannel)
			case broadcastCmd:
				h.handleBroadcast(c.data)
			case countCmd:
				c.replyChannel <- len(h.subscribers)
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			h.handleKeepAlive()
		}
	}
}

func (h *Hub) handleAttach(c attachCmd) {
	if _, exists := h.subscribers[c.connection]; exists {
		c.errorChannel <- nil
		return
	}

	if h.maxSubscribers > 0 && len(h.subscribers) >= h.maxSubscribers {
		slog.Warn("Rejecting subscriber: max subscribers reached", "max_subscribers", h.maxSubscribers)
		h.metrics.AttachRejected.Inc()
		c.errorChannel <- domain.ErrTooManySubscribers
		return
	}

	welcome, err := domain.Encode(domain.Notice(domain.CodeServerConnected, h.clock.Now()))
	if err != nil {
		c.errorChannel <- fmt.Errorf("failed to encode welcome: %w", err)
		return
	}

	conn := c.connection
	sw := newSubscriberWriter(conn, h.clock, func() {
		// Detach goes through the actor, which may be waiting on this writer.
		go h.detach(conn, evictWriteFailed)
	})
	sw.sendChannel <- welcome
	h.subscribers[conn] = sw

	h.metrics.Subscribers.Set(float64(len(h.subscribers)))
	slog.Info("Subscriber attached", "subscribers", len(h.subscribers))
	c.errorChannel <- nil
}

// remove stops the writer of conn and forgets it. reason is recorded as an eviction when set.
func (h *Hub) remove(conn Conn, reason string) {
	sw, exists := h.subscribers[conn]
	if !exists {
		return
	}

	sw.stop()
	delete(h.subscribers, conn)

	h.metrics.Subscribers.Set(float64(len(h.subscribers)))
	if reason != "" {
		h.metrics.SubscribersEvicted.WithLabelValues(reason).Inc()
		slog.Warn("Subscriber evicted", "reason", reason, "subscribers", len(h.subscribers))
		return
	}
	slog.Info("Subscriber detached", "subscribers", len(h.subscribers))
}

func (h *Hub) handleBroadcast(data []byte) {
	var slow []Conn
	for conn, sw := range h.subscribers {
		select {
		case sw.sendChannel <- data:
		default:
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		h.remove(conn, evictSlow)
	}

	h.metrics.FramesPublished.Inc()
}

func (h *Hub) handleKeepAlive() {
	if len(h.subscribers) == 0 {
		return
	}

	data, err := domain.Encode(domain.Notice(domain.CodePing, h.clock.Now()))
	if err != nil {
		slog.Error("Failed to encode keep-alive", "error", err)
		return
	}
	h.handleBroadcast(data)
}

func (h *Hub) handleStop() {
	total := len(h.subscribers)
	slog.Info("Hub shutting down", "subscribers", total)

	h.closeAll("Server shutting down")

	slog.Info("Hub shutdown complete", "disconnected_subscribers", total)
}

// closeAll closes every subscriber with the given reason.
// Used during panic recovery and graceful shutdown.
func (h *Hub) closeAll(reason string) {
	for conn, sw := range h.subscribers {
		sw.stopGraceful(reason)
		delete(h.subscribers, conn)
	}
	h.metrics.Subscribers.Set(0)
}

var _ domain.EventPublisher = (*Hub)(nil)

// CloseRejected writes a policy-violation close frame to a subscriber that could not be attached.
func CloseRejected(conn Conn, clock clockwork.Clock, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.SetWriteDeadline(clock.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
