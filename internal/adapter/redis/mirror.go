package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/liverelay/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

const (
	// Channel carries frames between relay instances.
	Channel = "liverelay:events"

	forwardQueueSize = 256
	publishTimeout   = 2 * time.Second
)

// envelope tags a frame with the instance that published it.
type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// FrameSink receives frames published by other instances.
type FrameSink interface {
	Broadcast(data []byte)
}

// Mirror shares locally published frames with other relay instances over Redis Pub/Sub
// and hands their frames to the local sink.
type Mirror struct {
	rdb        *goredis.Client
	instanceID string
	cb         *gobreaker.CircuitBreaker
	queue      chan []byte
	metrics    *metrics.MirrorMetrics
}

// NewMirror creates a mirror with a fresh instance ID. The breaker opens after 5 requests
// with a 60% failure rate and tries again after 30s.
func NewMirror(rdb *goredis.Client, m *metrics.MirrorMetrics) *Mirror {
	mirror := &Mirror{
		rdb:        rdb,
		instanceID: uuid.NewString(),
		queue:      make(chan []byte, forwardQueueSize),
		metrics:    m,
	}

	mirror.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-mirror",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.BreakerState.Set(stateToFloat(to))
		},
	})

	return mirror
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (m *Mirror) InstanceID() string { return m.instanceID }

// Forward queues a locally published frame for other instances. It never blocks;
// frames are dropped while the queue is full.
func (m *Mirror) Forward(frame []byte) {
	select {
	case m.queue <- frame:
	default:
		m.metrics.FramesForwarded.WithLabelValues("dropped").Inc()
		slog.Warn("Mirror queue full, dropping frame")
	}
}

// Run subscribes to the shared channel, then publishes queued frames and delivers remote
// frames to sink until ctx is done.
func (m *Mirror) Run(ctx context.Context, sink FrameSink) error {
	pubsub := m.rdb.Subscribe(ctx, Channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}
	slog.Info("Mirror subscribed", "channel", Channel, "instance_id", m.instanceID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.publishLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return m.receiveLoop(gctx, pubsub.Channel(), sink)
	})
	return g.Wait()
}

func (m *Mirror) publishLoop(ctx context.Context) {
	for {
		select {
		case frame := <-m.queue:
			m.publish(ctx, frame)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) receiveLoop(ctx context.Context, ch <-chan *goredis.Message, sink FrameSink) error {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("mirror subscription closed")
			}
			m.deliver(msg.Payload, sink)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Mirror) publish(ctx context.Context, frame []byte) {
	payload, err := json.Marshal(envelope{Origin: m.instanceID, Frame: frame})
	if err != nil {
		m.metrics.FramesForwarded.WithLabelValues("invalid").Inc()
		slog.Error("Failed to wrap frame for mirror", "error", err)
		return
	}

	_, err = m.cb.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return nil, m.rdb.Publish(pctx, Channel, payload).Err()
	})

	switch {
	case err == nil:
		m.metrics.FramesForwarded.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		m.metrics.FramesForwarded.WithLabelValues("rejected").Inc()
		slog.Debug("Mirror circuit open, frame not forwarded")
	default:
		m.metrics.FramesForwarded.WithLabelValues("error").Inc()
		slog.Warn("Failed to forward frame", "error", err)
	}
}

func (m *Mirror) deliver(payload string, sink FrameSink) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("Ignoring malformed mirror message", "error", err)
		return
	}
	if env.Origin == m.instanceID {
		return
	}

	m.metrics.FramesReceived.Inc()
	sink.Broadcast(env.Frame)
}
