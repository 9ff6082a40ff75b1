package domain

import "context"

// UpstreamEvent is one event from the live-stream upstream. Implementations are the closed set
// ChatReceived, GiftReceived, StreamEnded and UpstreamErrored.
type UpstreamEvent interface {
	isUpstreamEvent()
}

type ChatReceived struct {
	Nickname string
	Comment  string
}

type GiftReceived struct {
	Nickname    string
	GiftName    string
	RepeatCount int
}

// StreamEnded reports that the broadcaster ended the stream. No further events follow.
type StreamEnded struct{}

// UpstreamErrored is a non-terminal error reported by the upstream.
type UpstreamErrored struct {
	Err error
}

func (ChatReceived) isUpstreamEvent()    {}
func (GiftReceived) isUpstreamEvent()    {}
func (StreamEnded) isUpstreamEvent()     {}
func (UpstreamErrored) isUpstreamEvent() {}

// Upstream opens push connections to a stream owner's live room.
type Upstream interface {
	// Connect blocks until the handshake completes or fails.
	Connect(ctx context.Context, identity string) (UpstreamConn, error)
}

type UpstreamConn interface {
	DisplayName() string
	// Events is closed when the connection ends, after any StreamEnded.
	Events() <-chan UpstreamEvent
	Close() error
}
