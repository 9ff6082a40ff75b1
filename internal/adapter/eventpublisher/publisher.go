package eventpublisher

import (
	"log/slog"

	"github.com/pscheid92/liverelay/internal/domain"
)

// LocalBroadcaster delivers an encoded frame to this instance's subscribers.
type LocalBroadcaster interface {
	Broadcast(data []byte)
}

// Forwarder shares an encoded frame with other instances.
type Forwarder interface {
	Forward(data []byte)
}

// EventPublisher implements domain.EventPublisher by composing the local hub and,
// when configured, the cross-instance mirror. Each event is encoded once.
type EventPublisher struct {
	local  LocalBroadcaster
	remote Forwarder
}

// New creates a publisher. remote may be nil when running a single instance.
func New(local LocalBroadcaster, remote Forwarder) *EventPublisher {
	return &EventPublisher{local: local, remote: remote}
}

func (ep *EventPublisher) Publish(ev domain.Event) {
	data, err := domain.Encode(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type(), "error", err)
		return
	}

	ep.local.Broadcast(data)
	if ep.remote != nil {
		ep.remote.Forward(data)
	}
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
