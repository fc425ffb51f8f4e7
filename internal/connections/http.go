package connections

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wayfarer/internal/logging"
	"wayfarer/internal/services"
)

// Attach identifies the session a new live channel belongs to.
type Attach struct {
	SessionID string
	UserID    string
	Topics    []string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWebSocket upgrades the request, registers the connection and reads
// client frames until the peer disconnects.
func (m *Manager) ServeWebSocket(w http.ResponseWriter, r *http.Request, attach Attach, writeTimeout time.Duration) error {
	if attach.SessionID == "" {
		return services.Wrap(services.ErrValidation, "connections", "serve websocket", "session id is required", nil)
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return services.Wrap(services.ErrTransport, "connections", "upgrade", "websocket handshake failed", err)
	}
	channel := NewWebSocketChannel(ws, writeTimeout)
	conn := m.newConnection(r, attach, channel)
	if err := m.Register(conn); err != nil {
		_ = channel.Close()
		return err
	}
	defer m.Unregister(conn.ID)
	if len(attach.Topics) > 0 {
		_, _ = m.Subscribe(conn.ID, attach.Topics)
	}

	ctx := contextWithConnection(r.Context(), conn)
	return channel.ReadLoop(func(raw []byte) {
		if err := m.HandleInbound(ctx, conn.ID, raw); err != nil {
			m.logger.Debug("inbound frame rejected",
				logging.String(logging.FieldConnectionID, conn.ID),
				logging.Error(err),
			)
		}
	})
}

// ServeSSE registers an SSE connection and streams envelopes until the client
// goes away. Each keepalive write counts as a heartbeat.
func (m *Manager) ServeSSE(w http.ResponseWriter, r *http.Request, attach Attach, buffer int, keepalive time.Duration) error {
	if attach.SessionID == "" {
		return services.Wrap(services.ErrValidation, "connections", "serve sse", "session id is required", nil)
	}
	channel := NewSSEChannel(buffer)
	conn := m.newConnection(r, attach, channel)
	if err := m.Register(conn); err != nil {
		return err
	}
	defer m.Unregister(conn.ID)
	if len(attach.Topics) > 0 {
		_, _ = m.Subscribe(conn.ID, attach.Topics)
	}
	return channel.Stream(contextWithConnection(r.Context(), conn), w, m.clock, keepalive, func() { m.Touch(conn.ID) })
}

func (m *Manager) newConnection(r *http.Request, attach Attach, channel Channel) *Connection {
	return &Connection{
		ID:        uuid.NewString(),
		SessionID: attach.SessionID,
		UserID:    attach.UserID,
		Channel:   channel,
		Client: ClientInfo{
			UserAgent: r.UserAgent(),
			IP:        remoteIP(r),
		},
	}
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// contextWithConnection tags ctx for log correlation.
func contextWithConnection(ctx context.Context, conn *Connection) context.Context {
	return services.WithSessionID(ctx, conn.SessionID)
}
