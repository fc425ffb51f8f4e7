package connections_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"wayfarer/internal/connections"
	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/services"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   []*message.Envelope
	closed bool
	fail   bool
}

func (f *fakeChannel) Send(_ context.Context, env *message.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Kind() string { return "fake" }

func (f *fakeChannel) messages() []*message.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Envelope(nil), f.sent...)
}

func newManager(clock clockwork.Clock) *connections.Manager {
	return connections.New(connections.Options{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		CleanupInterval:   time.Minute,
		Clock:             clock,
		Logger:            logging.NewNop(),
	})
}

func register(t *testing.T, m *connections.Manager, id, session string) *fakeChannel {
	t.Helper()
	ch := &fakeChannel{}
	require.NoError(t, m.Register(&connections.Connection{ID: id, SessionID: session, Channel: ch}))
	return ch
}

func envelope(payload message.Payload, session string) *message.Envelope {
	return message.New(payload, message.Options{SessionID: session}, time.Now(), time.Minute)
}

func TestRegisterValidates(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	require.ErrorIs(t, m.Register(&connections.Connection{SessionID: "s", Channel: &fakeChannel{}}), services.ErrValidation)
	require.ErrorIs(t, m.Register(&connections.Connection{ID: "c", Channel: &fakeChannel{}}), services.ErrValidation)
	require.ErrorIs(t, m.Register(&connections.Connection{ID: "c", SessionID: "s"}), services.ErrValidation)
}

func TestRegisterReplacesSameID(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	first := register(t, m, "c1", "s1")
	second := register(t, m, "c1", "s2")
	require.True(t, first.Closed())
	require.False(t, second.Closed())
	require.Empty(t, m.SessionConnections("s1"))
	require.Equal(t, []string{"c1"}, m.SessionConnections("s2"))
}

func TestBroadcastIsolatesBrokenConnection(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	a := register(t, m, "a", "s1")
	b := register(t, m, "b", "s1")
	c := register(t, m, "c", "s1")
	other := register(t, m, "d", "s2")
	b.fail = true

	env := envelope(message.ProgressUpdate{WorkflowID: "wf", Progress: 40}, "s1")
	require.Equal(t, 2, m.BroadcastToSession(context.Background(), "s1", env))

	require.Len(t, a.messages(), 1)
	require.Len(t, c.messages(), 1)
	require.Empty(t, other.messages())
	require.True(t, b.Closed())
	require.Equal(t, []string{"a", "c"}, m.SessionConnections("s1"))

	stats := m.Stats()
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Sessions)
	require.EqualValues(t, 1, stats.Evicted)
}

func TestSendToClient(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	ch := register(t, m, "a", "s1")
	ctx := context.Background()

	require.NoError(t, m.SendToClient(ctx, "a", envelope(message.Ping{}, "s1")))
	require.Len(t, ch.messages(), 1)
	require.ErrorIs(t, m.SendToClient(ctx, "missing", envelope(message.Ping{}, "s1")), services.ErrNotFound)

	ch.fail = true
	require.ErrorIs(t, m.SendToClient(ctx, "a", envelope(message.Ping{}, "s1")), services.ErrTransport)
	_, ok := m.Get("a")
	require.False(t, ok)
}

func TestTopicDeliveryDeduplicates(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	both := register(t, m, "both", "s1")
	one := register(t, m, "one", "s1")
	none := register(t, m, "none", "s1")

	_, err := m.Subscribe("both", []string{"agents", "agent:gatherer"})
	require.NoError(t, err)
	_, err = m.Subscribe("one", []string{"agent:gatherer"})
	require.NoError(t, err)

	env := envelope(message.AgentUpdate{Agent: "gatherer"}, "s1")
	require.Equal(t, 2, m.SendToTopics(context.Background(), "s1", []string{"agent:gatherer", "agents"}, env))
	require.Len(t, both.messages(), 1)
	require.Len(t, one.messages(), 1)
	require.Empty(t, none.messages())

	remaining, err := m.Unsubscribe("both", []string{"agents"})
	require.NoError(t, err)
	require.Equal(t, []string{"agent:gatherer"}, remaining)
	require.Equal(t, 0, m.SendToTopic(context.Background(), "s1", "agents", env))
}

func TestDeliverAdapters(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	ctx := context.Background()
	env := envelope(message.ProgressUpdate{}, "s1")

	require.NoError(t, m.DeliverToSession(ctx, "s1", env), "no connections is not a failure")

	ch := register(t, m, "a", "s1")
	require.NoError(t, m.DeliverToSession(ctx, "s1", env))
	require.NoError(t, m.DeliverToAll(ctx, env))
	require.Len(t, ch.messages(), 2)

	ch.fail = true
	require.ErrorIs(t, m.DeliverToSession(ctx, "s1", env), services.ErrTransport)
}

func TestHeartbeatSweepEvictsAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newManager(clock)
	stale := register(t, m, "stale", "s1")
	fresh := register(t, m, "fresh", "s1")

	clock.Advance(29 * time.Second)
	require.Zero(t, m.SweepHeartbeats())
	require.True(t, m.Touch("fresh"))

	clock.Advance(2 * time.Second)
	require.Equal(t, 1, m.SweepHeartbeats())
	require.True(t, stale.Closed())
	require.False(t, fresh.Closed())
	require.Zero(t, m.SweepHeartbeats(), "sweep is idempotent")
	require.Equal(t, []string{"fresh"}, m.SessionConnections("s1"))
}

func TestSweepClosedRemovesDeadChannels(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	dead := register(t, m, "dead", "s1")
	register(t, m, "alive", "s1")
	require.NoError(t, dead.Close())

	require.Equal(t, 1, m.SweepClosed())
	require.Zero(t, m.SweepClosed())
	require.Equal(t, 1, m.Stats().Total)
}

func TestStartRunsSweeps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newManager(clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	register(t, m, "a", "s1")
	m.Start(ctx)
	defer m.Stop()
	require.NoError(t, clock.BlockUntilContext(ctx, 2))

	for i := 0; i < 4; i++ {
		clock.Advance(10 * time.Second)
	}
	require.Eventually(t, func() bool { return m.Stats().Total == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandleInboundProtocol(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newManager(clock)
	ch := register(t, m, "a", "s1")
	ctx := context.Background()

	clock.Advance(20 * time.Second)
	require.NoError(t, m.HandleInbound(ctx, "a", []byte(`{"type":"subscribe","id":"req-1","payload":{"topics":["agents"]}}`)))
	require.NoError(t, m.HandleInbound(ctx, "a", []byte(`{"type":"subscribe","payload":{"topics":["agent:gatherer"]}}`)))
	require.NoError(t, m.HandleInbound(ctx, "a", []byte(`{"type":"heartbeat"}`)))
	require.NoError(t, m.HandleInbound(ctx, "a", []byte(`{"type":"ping"}`)))
	require.ErrorIs(t, m.HandleInbound(ctx, "a", []byte(`{"type":"progress_update","payload":{}}`)), services.ErrValidation)
	require.ErrorIs(t, m.HandleInbound(ctx, "missing", []byte(`{"type":"ping"}`)), services.ErrNotFound)

	sent := ch.messages()
	require.Len(t, sent, 4)
	first := sent[0].Payload.(message.Subscribe)
	require.True(t, first.Ack)
	require.Equal(t, []string{"agents"}, first.Topics)
	require.Equal(t, "req-1", sent[0].Metadata.CorrelationID)
	require.Equal(t, []string{"agent:gatherer", "agents"}, sent[1].Payload.(message.Subscribe).Topics)
	require.Equal(t, message.TypeHeartbeatAck, sent[2].Type)
	require.Equal(t, message.TypePong, sent[3].Type)

	conn, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, clock.Now(), conn.LastHeartbeat())
}

func TestCleanupClosesEverything(t *testing.T) {
	m := newManager(clockwork.NewFakeClock())
	a := register(t, m, "a", "s1")
	b := register(t, m, "b", "s2")
	m.Cleanup()
	require.True(t, a.Closed())
	require.True(t, b.Closed())
	require.Zero(t, m.Stats().Total)
	require.Empty(t, m.Sessions())
}

func TestServeWebSocketRoundTrip(t *testing.T) {
	m := newManager(clockwork.NewRealClock())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.ServeWebSocket(w, r, connections.Attach{SessionID: r.URL.Query().Get("session")}, time.Second)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?session=s1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","payload":{"topics":["agents"]}}`)))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	ack, err := message.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, message.TypeSubscribe, ack.Type)

	require.Eventually(t, func() bool { return len(m.SessionConnections("s1")) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, m.BroadcastToSession(context.Background(), "s1", envelope(message.ProgressUpdate{Progress: 30}, "s1")))
	_, raw, err = client.ReadMessage()
	require.NoError(t, err)
	update, err := message.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, 30, update.Payload.(message.ProgressUpdate).Progress)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return m.Stats().Total == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEChannelQueueFull(t *testing.T) {
	ch := connections.NewSSEChannel(1)
	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, envelope(message.Ping{}, "s")))
	require.ErrorIs(t, ch.Send(ctx, envelope(message.Ping{}, "s")), services.ErrTransport)
	require.NoError(t, ch.Close())
	require.True(t, ch.Closed())
	require.Error(t, ch.Send(ctx, envelope(message.Ping{}, "s")))
}

func TestServeSSEStreamsEvents(t *testing.T) {
	m := newManager(clockwork.NewRealClock())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.ServeSSE(w, r, connections.Attach{SessionID: "s1"}, 8, time.Hour)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return len(m.SessionConnections("s1")) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, m.BroadcastToSession(context.Background(), "s1", envelope(message.CompletionNotification{WorkflowID: "wf"}, "s1")))

	buf := make([]byte, 4096)
	var body strings.Builder
	for !strings.Contains(body.String(), "\n\n") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		body.Write(buf[:n])
	}
	require.Contains(t, body.String(), "event: completion_notification")
	require.Contains(t, body.String(), `"workflowId":"wf"`)
}
