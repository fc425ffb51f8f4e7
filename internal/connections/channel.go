package connections

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"wayfarer/internal/message"
	"wayfarer/internal/services"
)

// Channel is one live outbound transport.
type Channel interface {
	Send(ctx context.Context, env *message.Envelope) error
	Close() error
	Closed() bool
	Kind() string
}

var errChannelClosed = errors.New("channel closed")

// WebSocketChannel writes envelopes as text frames. Writes are serialized
// and bounded by a deadline.
type WebSocketChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketChannel wraps an upgraded connection.
func NewWebSocketChannel(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketChannel {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketChannel{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

func (c *WebSocketChannel) Kind() string { return "websocket" }

func (c *WebSocketChannel) Send(_ context.Context, env *message.Envelope) error {
	if c.Closed() {
		return errChannelClosed
	}
	frame, err := message.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReadLoop hands every inbound text frame to handle until the peer goes away
// or the channel is closed.
func (c *WebSocketChannel) ReadLoop(handle func([]byte)) error {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind == websocket.TextMessage {
			handle(data)
		}
	}
}

// SSEChannel queues envelopes for a streaming HTTP response. A full queue is
// a transport failure.
type SSEChannel struct {
	queue     chan *message.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEChannel allocates a channel with the given queue capacity.
func NewSSEChannel(buffer int) *SSEChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &SSEChannel{queue: make(chan *message.Envelope, buffer), done: make(chan struct{})}
}

func (c *SSEChannel) Kind() string { return "sse" }

func (c *SSEChannel) Send(_ context.Context, env *message.Envelope) error {
	if c.Closed() {
		return errChannelClosed
	}
	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		return errChannelClosed
	default:
		return services.Wrap(services.ErrTransport, "sse", "send", "outbound queue full", nil)
	}
}

func (c *SSEChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *SSEChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stream writes queued envelopes to w as server-sent events and emits a
// comment line every keepalive interval. onKeepalive runs after each
// successful keepalive write. Stream returns when ctx ends, the channel is
// closed or a write fails.
func (c *SSEChannel) Stream(ctx context.Context, w http.ResponseWriter, clock clockwork.Clock, keepalive time.Duration, onKeepalive func()) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return services.Wrap(services.ErrTransport, "sse", "stream", "response writer cannot flush", nil)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := clock.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case env := <-c.queue:
			frame, err := message.Encode(env)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Type, frame); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.Chan():
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			if onKeepalive != nil {
				onKeepalive()
			}
		}
	}
}
