package relay

import (
	"sync"

	"github.com/devicehub/backend/internal/shared/id"
	"github.com/gorilla/websocket"
)

// sendBufferSize bounds each viewer's outbound queue. Frame delivery is
// best-effort; when the buffer is full the oldest queued message is dropped
// so the session loop never blocks on a slow viewer.
const sendBufferSize = 256

// Conn is the subset of *websocket.Conn a viewer writes to. Narrowed for
// testability.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Viewer is one attached browser connection. The session holds it only for
// fan-out; the connection's lifetime is owned by the gateway.
type Viewer struct {
	ID id.ViewerID

	conn Conn
	send chan outMsg

	mu     sync.Mutex
	closed bool
}

type outMsg struct {
	messageType int
	data        []byte
}

// NewViewer wraps a connection with a buffered write pump.
func NewViewer(conn Conn) *Viewer {
	v := &Viewer{
		ID:   id.NewViewerID(),
		conn: conn,
		send: make(chan outMsg, sendBufferSize),
	}
	go v.writePump()
	return v
}

// writePump serializes all writes to the connection, preserving per-viewer
// message order.
func (v *Viewer) writePump() {
	defer v.conn.Close()

	for msg := range v.send {
		if err := v.conn.WriteMessage(msg.messageType, msg.data); err != nil {
			// Reader side will observe the broken connection and detach.
			break
		}
		if msg.messageType == websocket.CloseMessage {
			break
		}
	}
}

// Send enqueues a message without blocking. When the buffer is full the
// oldest entry is evicted to make room; returns false if the message was
// still not enqueued or the viewer is closed.
func (v *Viewer) Send(messageType int, data []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return false
	}

	msg := outMsg{messageType: messageType, data: data}
	select {
	case v.send <- msg:
		return true
	default:
	}

	// Drop-oldest, then retry once.
	select {
	case <-v.send:
	default:
	}
	select {
	case v.send <- msg:
		return true
	default:
		return false
	}
}

// Close shuts the write pump down after draining queued messages.
// Idempotent.
func (v *Viewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.closed = true
	close(v.send)
}

// CloseWithCode enqueues a close frame with the given application code and
// then shuts down.
func (v *Viewer) CloseWithCode(code int, reason string) {
	v.Send(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	v.Close()
}
