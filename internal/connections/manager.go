package connections

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"wayfarer/internal/config"
	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/metrics"
	"wayfarer/internal/services"
)

// State is a connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// ClientInfo describes the remote end of a connection.
type ClientInfo struct {
	UserAgent string `json:"userAgent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Connection is one registered live channel. Every connection belongs to
// exactly one session.
type Connection struct {
	ID          string
	SessionID   string
	UserID      string
	Channel     Channel
	ConnectedAt time.Time
	Client      ClientInfo

	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time
	subscriptions map[string]struct{}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// LastHeartbeat returns when the client last proved liveness.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Subscriptions returns the sorted topic set.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Connection) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

// Subscribed reports whether the connection follows any of topics.
func (c *Connection) Subscribed(topics ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		if _, ok := c.subscriptions[topic]; ok {
			return true
		}
	}
	return false
}

// Options tunes a Manager.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CleanupInterval   time.Duration
	Clock             clockwork.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// OptionsFromConfig maps the [connections] section onto Options.
func OptionsFromConfig(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) Options {
	return Options{
		HeartbeatInterval: cfg.Connections.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.Connections.HeartbeatTimeout(),
		CleanupInterval:   cfg.Connections.CleanupInterval(),
		Clock:             clock,
		Logger:            logger,
		Metrics:           m,
	}
}

// Stats summarizes registered connections.
type Stats struct {
	Total     int            `json:"total"`
	Sessions  int            `json:"sessions"`
	ByState   map[State]int  `json:"byState"`
	ByChannel map[string]int `json:"byChannel"`
	Evicted   uint64         `json:"evicted"`
}

// Manager tracks live channels per session and fans envelopes out to them.
type Manager struct {
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu                 sync.RWMutex
	connections        map[string]*Connection
	sessionConnections map[string]map[string]struct{}
	evicted            uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. Call Start to run the sweeps.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	return &Manager{
		opts:               opts,
		clock:              opts.Clock,
		logger:             logging.NewComponentLogger(opts.Logger, "connections"),
		metrics:            opts.Metrics,
		connections:        make(map[string]*Connection),
		sessionConnections: make(map[string]map[string]struct{}),
	}
}

// Register adds conn, replacing and closing any connection with the same id.
func (m *Manager) Register(conn *Connection) error {
	if conn == nil || conn.ID == "" {
		return services.Wrap(services.ErrValidation, "connections", "register", "connection id is required", nil)
	}
	if conn.SessionID == "" {
		return services.Wrap(services.ErrValidation, "connections", "register", "session id is required", nil)
	}
	if conn.Channel == nil {
		return services.Wrap(services.ErrValidation, "connections", "register", "channel is required", nil)
	}
	now := m.clock.Now()
	conn.mu.Lock()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.lastHeartbeat = now
	conn.state = StateConnected
	if conn.subscriptions == nil {
		conn.subscriptions = make(map[string]struct{})
	}
	conn.mu.Unlock()

	m.mu.Lock()
	previous := m.removeLocked(conn.ID)
	m.connections[conn.ID] = conn
	members, ok := m.sessionConnections[conn.SessionID]
	if !ok {
		members = make(map[string]struct{})
		m.sessionConnections[conn.SessionID] = members
	}
	members[conn.ID] = struct{}{}
	total := len(m.connections)
	m.mu.Unlock()

	if previous != nil && previous != conn {
		closeConnection(previous, StateDisconnected)
	}
	m.metrics.SetConnections(total)
	m.logger.Info("connection registered",
		logging.String(logging.FieldConnectionID, conn.ID),
		logging.String(logging.FieldSessionID, conn.SessionID),
		logging.String("channel", conn.Channel.Kind()),
	)
	return nil
}

// Unregister removes a connection and closes its channel. It reports whether
// the connection was registered.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	conn := m.removeLocked(id)
	total := len(m.connections)
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	closeConnection(conn, StateDisconnected)
	m.metrics.SetConnections(total)
	m.logger.Info("connection unregistered",
		logging.String(logging.FieldConnectionID, id),
		logging.String(logging.FieldSessionID, conn.SessionID),
	)
	return true
}

func (m *Manager) removeLocked(id string) *Connection {
	conn, ok := m.connections[id]
	if !ok {
		return nil
	}
	delete(m.connections, id)
	if members, ok := m.sessionConnections[conn.SessionID]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(m.sessionConnections, conn.SessionID)
		}
	}
	return conn
}

func closeConnection(conn *Connection, state State) {
	conn.setState(state)
	_ = conn.Channel.Close()
}

// evict removes a connection after a failure or missed heartbeat.
func (m *Manager) evict(conn *Connection, reason string) bool {
	m.mu.Lock()
	current, ok := m.connections[conn.ID]
	if !ok || current != conn {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(conn.ID)
	m.evicted++
	total := len(m.connections)
	m.mu.Unlock()

	state := StateDisconnected
	if reason == "send_failed" {
		state = StateError
	}
	closeConnection(conn, state)
	m.metrics.SetConnections(total)
	m.metrics.IncEviction(reason)
	m.logger.Info("connection evicted",
		logging.String(logging.FieldConnectionID, conn.ID),
		logging.String(logging.FieldSessionID, conn.SessionID),
		logging.String("reason", reason),
	)
	return true
}

// Get returns a registered connection.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// SessionConnections returns the ids registered for a session.
func (m *Manager) SessionConnections(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessionConnections[sessionID]))
	for id := range m.sessionConnections[sessionID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) sessionTargets(sessionID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.sessionConnections[sessionID]
	out := make([]*Connection, 0, len(members))
	for id := range members {
		if conn, ok := m.connections[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

func (m *Manager) allTargets() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, conn)
	}
	return out
}

// send writes to one connection. A failure evicts that connection only.
func (m *Manager) send(ctx context.Context, conn *Connection, env *message.Envelope) error {
	if err := conn.Channel.Send(ctx, env); err != nil {
		logging.WarnWithContext(m.logger, "send to connection failed", "connection_send_failed",
			logging.String(logging.FieldConnectionID, conn.ID),
			logging.String(logging.FieldSessionID, conn.SessionID),
			logging.String(logging.FieldEnvelopeID, env.ID),
			logging.String(logging.FieldMessageType, string(env.Type)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "client disconnected or too slow to drain"),
			logging.String(logging.FieldImpact, "connection evicted"),
		)
		m.evict(conn, "send_failed")
		return services.Wrap(services.ErrTransport, "connections", "send", conn.ID, err)
	}
	return nil
}

func (m *Manager) fanout(ctx context.Context, targets []*Connection, env *message.Envelope) (attempted, delivered int) {
	for _, conn := range targets {
		attempted++
		if m.send(ctx, conn, env) == nil {
			delivered++
		}
	}
	return attempted, delivered
}

// BroadcastToSession sends env to every connection in the session and
// returns how many accepted it. Failures are isolated per connection.
func (m *Manager) BroadcastToSession(ctx context.Context, sessionID string, env *message.Envelope) int {
	_, delivered := m.fanout(ctx, m.sessionTargets(sessionID), env)
	return delivered
}

// SendToClient sends env to one connection.
func (m *Manager) SendToClient(ctx context.Context, id string, env *message.Envelope) error {
	conn, ok := m.Get(id)
	if !ok {
		return services.Wrap(services.ErrNotFound, "connections", "send to client", id, nil)
	}
	return m.send(ctx, conn, env)
}

// SendToTopic sends env to the session's connections subscribed to topic.
func (m *Manager) SendToTopic(ctx context.Context, sessionID, topic string, env *message.Envelope) int {
	return m.SendToTopics(ctx, sessionID, []string{topic}, env)
}

// SendToTopics sends env at most once to each session connection subscribed
// to any of topics.
func (m *Manager) SendToTopics(ctx context.Context, sessionID string, topics []string, env *message.Envelope) int {
	_, delivered := m.fanout(ctx, m.topicTargets(sessionID, topics), env)
	return delivered
}

func (m *Manager) topicTargets(sessionID string, topics []string) []*Connection {
	var out []*Connection
	for _, conn := range m.sessionTargets(sessionID) {
		if conn.Subscribed(topics...) {
			out = append(out, conn)
		}
	}
	return out
}

// SendToAll sends env to every registered connection.
func (m *Manager) SendToAll(ctx context.Context, env *message.Envelope) int {
	_, delivered := m.fanout(ctx, m.allTargets(), env)
	return delivered
}

// DeliverToSession implements router.Deliverer. It fails only when the
// session had connections and none accepted the envelope.
func (m *Manager) DeliverToSession(ctx context.Context, sessionID string, env *message.Envelope) error {
	return deliveryResult("deliver to session", sessionID)(m.fanout(ctx, m.sessionTargets(sessionID), env))
}

// DeliverToTopics implements router.Deliverer.
func (m *Manager) DeliverToTopics(ctx context.Context, sessionID string, topics []string, env *message.Envelope) error {
	return deliveryResult("deliver to topics", sessionID)(m.fanout(ctx, m.topicTargets(sessionID, topics), env))
}

// DeliverToAll implements router.Deliverer.
func (m *Manager) DeliverToAll(ctx context.Context, env *message.Envelope) error {
	return deliveryResult("deliver to all", "")(m.fanout(ctx, m.allTargets(), env))
}

func deliveryResult(operation, target string) func(attempted, delivered int) error {
	return func(attempted, delivered int) error {
		if attempted > 0 && delivered == 0 {
			return services.Wrap(services.ErrTransport, "connections", operation, "no connection accepted the envelope "+target, nil)
		}
		return nil
	}
}

// Subscribe adds topics and returns the connection's full subscription set.
func (m *Manager) Subscribe(id string, topics []string) ([]string, error) {
	conn, ok := m.Get(id)
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "connections", "subscribe", id, nil)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, topic := range topics {
		if topic != "" {
			conn.subscriptions[topic] = struct{}{}
		}
	}
	return conn.subscriptionsLocked(), nil
}

// Unsubscribe removes topics and returns the remaining subscription set.
func (m *Manager) Unsubscribe(id string, topics []string) ([]string, error) {
	conn, ok := m.Get(id)
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "connections", "unsubscribe", id, nil)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, topic := range topics {
		delete(conn.subscriptions, topic)
	}
	return conn.subscriptionsLocked(), nil
}

// Touch records a heartbeat for a connection.
func (m *Manager) Touch(id string) bool {
	conn, ok := m.Get(id)
	if !ok {
		return false
	}
	now := m.clock.Now()
	conn.mu.Lock()
	conn.lastHeartbeat = now
	conn.mu.Unlock()
	return true
}

// HandleInbound answers one client frame: subscription changes are
// acknowledged with the resulting set, heartbeats with heartbeat_ack and
// pings with pong.
func (m *Manager) HandleInbound(ctx context.Context, id string, raw []byte) error {
	conn, ok := m.Get(id)
	if !ok {
		return services.Wrap(services.ErrNotFound, "connections", "handle inbound", id, nil)
	}
	env, err := message.Decode(raw)
	if err != nil {
		return err
	}
	m.Touch(id)

	var reply message.Payload
	switch payload := env.Payload.(type) {
	case message.Subscribe:
		topics, err := m.Subscribe(id, payload.Topics)
		if err != nil {
			return err
		}
		reply = message.Subscribe{Topics: topics, Ack: true}
	case message.Unsubscribe:
		topics, err := m.Unsubscribe(id, payload.Topics)
		if err != nil {
			return err
		}
		reply = message.Unsubscribe{Topics: topics, Ack: true}
	case message.Heartbeat:
		reply = message.HeartbeatAck{ServerTime: m.clock.Now().UTC()}
	case message.Ping:
		reply = message.Pong{ServerTime: m.clock.Now().UTC()}
	default:
		return services.Wrap(services.ErrValidation, "connections", "handle inbound", "unsupported client message "+string(env.Type), nil)
	}
	out := message.New(reply, message.Options{
		SessionID:     conn.SessionID,
		UserID:        conn.UserID,
		CorrelationID: env.ID,
		Source:        "server",
	}, m.clock.Now(), 0)
	return m.send(ctx, conn, out)
}

// SweepHeartbeats evicts connections whose last heartbeat is older than the
// heartbeat timeout and returns how many were removed.
func (m *Manager) SweepHeartbeats() int {
	cutoff := m.clock.Now().Add(-m.opts.HeartbeatTimeout)
	evicted := 0
	for _, conn := range m.allTargets() {
		if conn.LastHeartbeat().Before(cutoff) && m.evict(conn, "heartbeat_timeout") {
			evicted++
		}
	}
	return evicted
}

// SweepClosed removes connections whose channel has already closed.
func (m *Manager) SweepClosed() int {
	removed := 0
	for _, conn := range m.allTargets() {
		if conn.Channel.Closed() && m.evict(conn, "channel_closed") {
			removed++
		}
	}
	return removed
}

// Start runs the heartbeat and cleanup sweeps until ctx ends or Stop is
// called.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go m.sweepLoop(loopCtx, m.opts.HeartbeatInterval, m.SweepHeartbeats)
	go m.sweepLoop(loopCtx, m.opts.CleanupInterval, m.SweepClosed)
}

// Stop halts the sweeps.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration, sweep func() int) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			sweep()
		}
	}
}

// Stats returns a snapshot of registered connections.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	stats := Stats{
		Total:     len(m.connections),
		Sessions:  len(m.sessionConnections),
		ByState:   make(map[State]int),
		ByChannel: make(map[string]int),
		Evicted:   m.evicted,
	}
	m.mu.RUnlock()
	for _, conn := range conns {
		stats.ByState[conn.State()]++
		stats.ByChannel[conn.Channel.Kind()]++
	}
	return stats
}

// Cleanup stops the sweeps, closes every channel and clears the indices.
func (m *Manager) Cleanup() {
	m.Stop()
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	m.sessionConnections = make(map[string]map[string]struct{})
	m.mu.Unlock()

	for _, conn := range conns {
		closeConnection(conn, StateDisconnected)
	}
	m.metrics.SetConnections(0)
	if len(conns) > 0 {
		m.logger.Info("closed live connections", logging.Int("count", len(conns)))
	}
}

// Sessions returns the sessions with at least one connection.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessionConnections))
	for sid := range m.sessionConnections {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}
