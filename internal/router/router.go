package router

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"wayfarer/internal/config"
	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/metrics"
	"wayfarer/internal/services"
)

// Deliverer fans envelopes out to live connections. Implementations return
// an error only when recipients existed and none could be reached.
type Deliverer interface {
	DeliverToSession(ctx context.Context, sessionID string, env *message.Envelope) error
	DeliverToTopics(ctx context.Context, sessionID string, topics []string, env *message.Envelope) error
	DeliverToAll(ctx context.Context, env *message.Envelope) error
}

// Options tunes a Router.
type Options struct {
	BatchSize             int
	BatchTimeout          time.Duration
	TickInterval          time.Duration
	HighPriorityThreshold int
	MaxRetries            int
	RetryDelay            time.Duration
	EnvelopeTTL           time.Duration
	Concurrency           int
	Clock                 clockwork.Clock
	Logger                *slog.Logger
	Metrics               *metrics.Metrics
	Tracer                trace.Tracer
}

// OptionsFromConfig maps the [router] section onto Options.
func OptionsFromConfig(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) Options {
	return Options{
		BatchSize:             cfg.Router.BatchSize,
		BatchTimeout:          cfg.Router.BatchTimeout(),
		TickInterval:          cfg.Router.TickInterval(),
		HighPriorityThreshold: cfg.Router.HighPriorityThreshold,
		MaxRetries:            cfg.Router.MaxRetries,
		RetryDelay:            cfg.Router.RetryDelay(),
		EnvelopeTTL:           cfg.Router.EnvelopeTTL(),
		Concurrency:           cfg.Router.DeliveryConcurrency,
		Clock:                 clock,
		Logger:                logger,
		Metrics:               m,
	}
}

// Stats is a point-in-time view of router counters.
type Stats struct {
	Routed        uint64 `json:"routed"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	Retried       uint64 `json:"retried"`
	Dropped       uint64 `json:"dropped"`
	Expired       uint64 `json:"expired"`
	RuleMatches   uint64 `json:"ruleMatches"`
	RuleFailures  uint64 `json:"ruleFailures"`
	DefaultRoutes uint64 `json:"defaultRoutes"`
	QueueDepth    int    `json:"queueDepth"`
	Rules         int    `json:"rules"`
}

type counters struct {
	routed, delivered, failed, retried, dropped, expired, ruleMatches, ruleFailures, defaultRoutes atomic.Uint64
}

// Router queues envelopes by priority and delivers them in bounded batches.
type Router struct {
	deliverer Deliverer
	opts      Options
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu    sync.Mutex
	queue envelopeHeap
	seq   uint64

	rulesMu sync.RWMutex
	rules   []Rule

	flushMu sync.Mutex
	kick    chan struct{}
	stats   counters

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New constructs a Router. Call Start to run the drain loop.
func New(deliverer Deliverer, opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.HighPriorityThreshold <= 0 {
		opts.HighPriorityThreshold = 9
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("wayfarer/router")
	}
	return &Router{
		deliverer: deliverer,
		opts:      opts,
		clock:     opts.Clock,
		logger:    logging.NewComponentLogger(opts.Logger, "router"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		kick:      make(chan struct{}, 1),
	}
}

// Route wraps payload in an envelope and queues it. High-priority or
// immediate envelopes wake the drain loop right away.
func (r *Router) Route(ctx context.Context, payload message.Payload, opts message.Options) (*message.Envelope, error) {
	if payload == nil {
		return nil, services.Wrap(services.ErrValidation, "router", "route", "payload is required", nil)
	}
	if opts.CorrelationID == "" {
		if rid, ok := services.RequestIDFromContext(ctx); ok {
			opts.CorrelationID = rid
		}
	}
	env := message.New(payload, opts, r.clock.Now(), r.opts.EnvelopeTTL)
	r.stats.routed.Add(1)
	r.enqueue(env)
	return env, nil
}

func (r *Router) enqueue(env *message.Envelope) {
	r.mu.Lock()
	r.seq++
	heap.Push(&r.queue, &queued{env: env, seq: r.seq, enqueuedAt: r.clock.Now()})
	depth := r.queue.Len()
	r.mu.Unlock()
	r.metrics.SetQueueDepth(depth)

	if r.urgent(env) {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

func (r *Router) urgent(env *message.Envelope) bool {
	return env.Priority >= r.opts.HighPriorityThreshold || env.Metadata.Strategy == message.StrategyImmediate
}

// Start launches the drain loop. It stops when ctx ends or Stop is called.
func (r *Router) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped.Store(false)
	r.wg.Add(1)
	go r.drainLoop(loopCtx)
}

// Stop halts the drain loop and waits for in-flight batches. Queued
// envelopes are left in place; call Flush to drain them.
func (r *Router) Stop() {
	r.runMu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.runMu.Unlock()
	r.stopped.Store(true)
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Router) drainLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			for {
				r.Flush(ctx)
				if !r.headIsUrgent() {
					break
				}
			}
		case <-ticker.Chan():
			if r.batchReady() {
				r.Flush(ctx)
			}
		}
	}
}

func (r *Router) headIsUrgent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	head := r.queue.peek()
	return head != nil && r.urgent(head.env)
}

func (r *Router) batchReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.Len() == 0 {
		return false
	}
	if r.queue.Len() >= r.opts.BatchSize {
		return true
	}
	return r.clock.Since(r.queue.oldest()) >= r.opts.BatchTimeout
}

// Flush pops up to one batch in priority order and delivers it with bounded
// parallelism. A failing envelope never blocks its siblings. It returns the
// number of envelopes taken from the queue.
func (r *Router) Flush(ctx context.Context) int {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.queue.popN(r.opts.BatchSize)
	depth := r.queue.Len()
	r.mu.Unlock()
	r.metrics.SetQueueDepth(depth)
	if len(batch) == 0 {
		return 0
	}

	ctx, span := r.tracer.Start(ctx, "router.flush", trace.WithAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.Int("queue.remaining", depth),
	))
	defer span.End()

	// Sessions deliver in parallel; one session's envelopes go out in batch order.
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, lane := range bySession(batch) {
		g.Go(func() error {
			for _, env := range lane {
				r.handle(ctx, env)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(batch)
}

// bySession splits a batch into per-session lanes, keeping each lane in
// batch order. Envelopes without a session share one lane.
func bySession(batch []*queued) [][]*message.Envelope {
	index := make(map[string]int)
	var lanes [][]*message.Envelope
	for _, item := range batch {
		i, ok := index[item.env.SessionID]
		if !ok {
			i = len(lanes)
			index[item.env.SessionID] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], item.env)
	}
	return lanes
}

// Drain flushes until the queue is empty or ctx ends.
func (r *Router) Drain(ctx context.Context) {
	for ctx.Err() == nil && r.Flush(ctx) > 0 {
	}
}

func (r *Router) handle(ctx context.Context, env *message.Envelope) {
	err := r.deliver(ctx, env)
	switch {
	case err == nil:
		r.stats.delivered.Add(1)
		r.metrics.IncEnvelope(string(env.Type), "delivered")
	case errors.Is(err, services.ErrExpired):
		r.stats.expired.Add(1)
		r.metrics.IncEnvelope(string(env.Type), "expired")
		r.logger.Debug("dropped expired envelope",
			logging.String(logging.FieldEnvelopeID, env.ID),
			logging.String(logging.FieldMessageType, string(env.Type)),
		)
	default:
		r.stats.failed.Add(1)
		r.metrics.IncEnvelope(string(env.Type), "failed")
		r.retry(env, err)
	}
}

// retry re-queues a failed envelope after retryDelay x attempt, or drops it
// once the retry budget is spent.
func (r *Router) retry(env *message.Envelope, cause error) {
	attempt := env.Metadata.RetryCount + 1
	attrs := []logging.Attr{
		logging.String(logging.FieldEnvelopeID, env.ID),
		logging.String(logging.FieldMessageType, string(env.Type)),
		logging.String(logging.FieldSessionID, env.SessionID),
		logging.Int("attempt", attempt),
		logging.Error(cause),
	}
	if attempt > r.opts.MaxRetries || r.stopped.Load() {
		r.stats.dropped.Add(1)
		r.metrics.IncEnvelope(string(env.Type), "dropped")
		logging.WarnWithContext(r.logger, "envelope dropped after delivery failures", "router_envelope_dropped",
			append(attrs,
				logging.String(logging.FieldErrorHint, "client may be disconnected"),
				logging.String(logging.FieldImpact, "one live update was not delivered"),
			)...,
		)
		return
	}
	next := env.Clone()
	next.Metadata.RetryCount = attempt
	r.stats.retried.Add(1)
	r.metrics.IncEnvelope(string(env.Type), "retried")
	r.logger.Debug("envelope delivery retry scheduled", logging.Args(attrs...)...)

	delay := r.opts.RetryDelay * time.Duration(attempt)
	r.clock.AfterFunc(delay, func() {
		r.enqueue(next)
	})
}

func (r *Router) deliver(ctx context.Context, env *message.Envelope) error {
	if env.Expired(r.clock.Now()) {
		return services.Wrap(services.ErrExpired, "router", "deliver", env.ID, nil)
	}

	// Rules ran on the first attempt; a retry only repeats default delivery.
	suppressDefault := false
	if env.Metadata.RetryCount == 0 {
		for _, rule := range r.activeRules() {
			if !rule.Condition(env) {
				continue
			}
			r.stats.ruleMatches.Add(1)
			if !rule.Passthrough {
				suppressDefault = true
			}
			if err := rule.Action(ctx, env); err != nil {
				r.stats.ruleFailures.Add(1)
				logging.WarnWithContext(r.logger, "routing rule action failed", "router_rule_failed",
					logging.String("rule", rule.ID),
					logging.String(logging.FieldEnvelopeID, env.ID),
					logging.String(logging.FieldMessageType, string(env.Type)),
					logging.Error(err),
					logging.String(logging.FieldImpact, "the rule side effect was skipped for this envelope"),
				)
			}
		}
	}
	if suppressDefault {
		return nil
	}
	r.stats.defaultRoutes.Add(1)
	return r.routeByType(ctx, env)
}

// routeByType is the fallback when no non-passthrough rule claims an envelope.
func (r *Router) routeByType(ctx context.Context, env *message.Envelope) error {
	if env.Target == message.TargetAll {
		return r.deliverer.DeliverToAll(ctx, env)
	}
	switch payload := env.Payload.(type) {
	case message.ProgressUpdate, message.CompletionNotification:
		return r.toSession(ctx, env)
	case message.AgentUpdate:
		if env.SessionID == "" {
			return nil
		}
		return r.deliverer.DeliverToTopics(ctx, env.SessionID, AgentTopics(payload.Agent), env)
	case message.ErrorNotification:
		return r.toSession(ctx, env.WithTag(message.SeverityHighTag))
	default:
		if env.SessionID == "" {
			return r.deliverer.DeliverToAll(ctx, env)
		}
		return r.deliverer.DeliverToSession(ctx, env.SessionID, env)
	}
}

func (r *Router) toSession(ctx context.Context, env *message.Envelope) error {
	if env.SessionID == "" {
		r.logger.Debug("envelope has no session; skipping",
			logging.String(logging.FieldEnvelopeID, env.ID),
			logging.String(logging.FieldMessageType, string(env.Type)),
		)
		return nil
	}
	return r.deliverer.DeliverToSession(ctx, env.SessionID, env)
}

// AgentTopics returns the topics an agent update is published on.
func AgentTopics(agent string) []string {
	if agent == "" {
		return []string{AgentsTopic}
	}
	return []string{AgentTopicPrefix + agent, AgentsTopic}
}

const (
	// AgentsTopic carries updates for every agent in a session.
	AgentsTopic = "agents"
	// AgentTopicPrefix prefixes per-agent topics, e.g. "agent:gatherer".
	AgentTopicPrefix = "agent:"
)

// Stats returns current counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	depth := r.queue.Len()
	r.mu.Unlock()
	return Stats{
		Routed:        r.stats.routed.Load(),
		Delivered:     r.stats.delivered.Load(),
		Failed:        r.stats.failed.Load(),
		Retried:       r.stats.retried.Load(),
		Dropped:       r.stats.dropped.Load(),
		Expired:       r.stats.expired.Load(),
		RuleMatches:   r.stats.ruleMatches.Load(),
		RuleFailures:  r.stats.ruleFailures.Load(),
		DefaultRoutes: r.stats.defaultRoutes.Load(),
		QueueDepth:    depth,
		Rules:         r.ruleCount(),
	}
}
