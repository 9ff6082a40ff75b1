package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

type subscriberWriter struct {
	connection   Conn
	clock        clockwork.Clock
	sendChannel  chan []byte
	doneChannel  chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	onWriteError func()
}

func newSubscriberWriter(connection Conn, clock clockwork.Clock, onWriteError func()) *subscriberWriter {
	sw := &subscriberWriter{
		connection:   connection,
		clock:        clock,
		sendChannel:  make(chan []byte, messageBufferSize),
		doneChannel:  make(chan struct{}),
		onWriteError: onWriteError,
	}
	sw.wg.Add(1)
	go sw.run()
	return sw
}

func (sw *subscriberWriter) run() {
	defer sw.wg.Done()

	for {
		select {
		case msg := <-sw.sendChannel:
			sw.updateWriteDeadline()
			if err := sw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				select {
				case <-sw.doneChannel:
				default:
					sw.onWriteError()
				}
				return
			}
		case <-sw.doneChannel:
			return
		}
	}
}

func (sw *subscriberWriter) stop() {
	sw.stopOnce.Do(func() {
		close(sw.doneChannel)
		_ = sw.connection.Close()
	})
	sw.wg.Wait()
}

// stopGraceful sends a WebSocket close frame with reason before closing.
func (sw *subscriberWriter) stopGraceful(reason string) {
	sw.stopOnce.Do(func() {
		close(sw.doneChannel)

		// The close frame must not race a frame write from run.
		sw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		sw.updateWriteDeadline()
		_ = sw.connection.WriteMessage(websocket.CloseMessage, closeMsg)

		_ = sw.connection.Close()
	})
}

func (sw *subscriberWriter) updateWriteDeadline() {
	_ = sw.connection.SetWriteDeadline(sw.clock.Now().Add(writeDeadline))
}
