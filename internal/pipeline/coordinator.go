package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"wayfarer/internal/config"
	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/metrics"
	"wayfarer/internal/progress"
	"wayfarer/internal/services"
	"wayfarer/internal/stage"
	"wayfarer/internal/workflowstate"
)

// RequestType labels itinerary runs in workflow metadata.
const RequestType = "itinerary"

// Publisher accepts payloads for live delivery. *router.Router satisfies it.
type Publisher interface {
	Route(ctx context.Context, payload message.Payload, opts message.Options) (*message.Envelope, error)
}

// Request starts a run.
type Request struct {
	SessionID  string            `json:"sessionId"`
	UserID     string            `json:"userId,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
	WorkflowID string            `json:"workflowId,omitempty"`
	Trip       stage.TripRequest `json:"trip"`
}

// Result is the itinerary of a run, or a partial snapshot of its outputs.
type Result struct {
	WorkflowID string                     `json:"workflowId"`
	Status     workflowstate.Status       `json:"status"`
	Progress   int                        `json:"progress"`
	Partial    bool                       `json:"partial"`
	Itinerary  *stage.Itinerary           `json:"itinerary,omitempty"`
	Outputs    map[string]json.RawMessage `json:"outputs,omitempty"`
}

// HealthReport summarizes coordinator readiness.
type HealthReport struct {
	Ready   bool           `json:"ready"`
	Store   string         `json:"store"`
	Stages  []stage.Health `json:"stages"`
	Running int            `json:"running"`
}

// Options wires a Coordinator.
type Options struct {
	Store     *workflowstate.Store
	Tracker   *progress.Tracker
	Publisher Publisher
	Agents    map[stage.Name]stage.Agent
	Retry     RetryPolicy
	Timeout   time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
}

// OptionsFromConfig fills retry and timeout settings from cfg.
func OptionsFromConfig(cfg *config.Config, opts Options) Options {
	opts.Retry = RetryPolicyFromConfig(cfg)
	opts.Timeout = cfg.Pipeline.Timeout()
	return opts
}

var (
	errPipelineTimeout = services.Wrap(services.ErrTimeout, "pipeline", "run", "pipeline timeout exceeded", nil)
	errShutdown        = errors.New("coordinator shutting down")
)

// Coordinator drives runs through the stage pipeline: one goroutine per
// active run, stages strictly sequential within a run.
type Coordinator struct {
	store     *workflowstate.Store
	tracker   *progress.Tracker
	publisher Publisher
	agents    map[stage.Name]stage.Agent
	retry     RetryPolicy
	timeout   time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu     sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup
	closed bool
}

type run struct {
	workflowID string
	sessionID  string
	userID     string
	requestID  string
	startedAt  time.Time
	done       chan struct{}
}

// New validates wiring and constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Tracker == nil || opts.Publisher == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "store, tracker and publisher are required", nil)
	}
	for _, name := range stage.Names() {
		if opts.Agents[name] == nil {
			return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", fmt.Sprintf("no agent for stage %s", name), nil)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("wayfarer/pipeline")
	}
	baseCtx, cancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		store:      opts.Store,
		tracker:    opts.Tracker,
		publisher:  opts.Publisher,
		agents:     opts.Agents,
		retry:      opts.Retry.normalized(),
		timeout:    opts.Timeout,
		clock:      opts.Clock,
		logger:     logging.NewComponentLogger(opts.Logger, "pipeline"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		runs:       make(map[string]*run),
	}, nil
}

// Start validates req, persists a pending workflow and launches its run.
func (c *Coordinator) Start(ctx context.Context, req Request) (*workflowstate.State, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "start", "session id is required", nil)
	}
	if err := req.Trip.Validate(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "start", "coordinator is closed", nil)
	}
	requestID := req.RequestID
	if requestID == "" {
		if rid, ok := services.RequestIDFromContext(ctx); ok {
			requestID = rid
		} else {
			requestID = uuid.NewString()
		}
	}
	raw, err := json.Marshal(req.Trip)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "encode request", "", err)
	}
	extra := map[string]string{}
	if req.UserID != "" {
		extra["userId"] = req.UserID
	}
	state, err := c.store.Create(ctx, req.SessionID, requestID, RequestType, workflowstate.InitialData{
		WorkflowID: req.WorkflowID,
		Request:    raw,
		Extra:      extra,
	})
	if err != nil {
		return nil, err
	}
	c.forgetSuperseded(req.SessionID, state.WorkflowID)

	if err := c.tracker.StartTracking(state.SessionID, state.WorkflowID, map[string]string{"requestId": requestID}); err != nil {
		return nil, err
	}
	c.launch(state, req.UserID, false)
	return state, nil
}

// forgetSuperseded stops tracking an earlier run of the session. Its own
// goroutine notices the cancellation at the next checkpoint.
func (c *Coordinator) forgetSuperseded(sessionID, keep string) {
	c.mu.Lock()
	var stale []string
	for id, r := range c.runs {
		if r.sessionID == sessionID && id != keep {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()
	for _, id := range stale {
		_ = c.tracker.StopTracking(id)
	}
}

func (c *Coordinator) launch(state *workflowstate.State, userID string, resumed bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, running := c.runs[state.WorkflowID]; running {
		c.mu.Unlock()
		return false
	}
	r := &run{
		workflowID: state.WorkflowID,
		sessionID:  state.SessionID,
		userID:     userID,
		requestID:  state.Metadata.RequestID,
		startedAt:  state.StartedAt,
		done:       make(chan struct{}),
	}
	c.runs[r.workflowID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.RunStarted()
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.runs, r.workflowID)
			c.mu.Unlock()
			close(r.done)
		}()
		c.execute(r, resumed)
	}()
	return true
}

// Cancel marks the workflow cancelled. The run stops issuing stage calls at
// its next checkpoint and discards any in-flight result.
func (c *Coordinator) Cancel(ctx context.Context, workflowID string) (*workflowstate.State, error) {
	applied, err := c.store.Cancel(ctx, workflowID, "cancelled by request")
	if err != nil {
		return nil, err
	}
	state, err := c.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return state, services.Wrap(services.ErrValidation, "pipeline", "cancel",
			fmt.Sprintf("workflow %s is already %s", workflowID, state.Status), nil)
	}
	c.logger.Info("workflow cancel requested",
		logging.String(logging.FieldWorkflowID, workflowID),
		logging.String(logging.FieldSessionID, state.SessionID),
	)
	return state, nil
}

// Status returns the stored workflow state.
func (c *Coordinator) Status(ctx context.Context, workflowID string) (*workflowstate.State, error) {
	return c.store.Get(ctx, workflowID)
}

// Progress returns the live tracker snapshot, falling back to the stored
// state once the tracker has forgotten the run.
func (c *Coordinator) Progress(ctx context.Context, workflowID string) (progress.Snapshot, error) {
	if snap, ok := c.tracker.GetProgress(workflowID); ok {
		return snap, nil
	}
	state, err := c.store.Get(ctx, workflowID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.Snapshot{
		WorkflowID:     state.WorkflowID,
		SessionID:      state.SessionID,
		Progress:       state.Progress,
		CurrentStep:    state.CurrentStep,
		StepsCompleted: slices.Clone(state.CompletedSteps),
		AgentsActive:   []string{},
		ErrorCount:     len(state.Errors),
		StartedAt:      state.StartedAt,
		LastUpdate:     state.UpdatedAt,
		Finished:       state.Status.Terminal(),
		Outcome:        outcomeFor(state.Status),
	}, nil
}

func outcomeFor(status workflowstate.Status) progress.Outcome {
	switch status {
	case workflowstate.StatusCompleted:
		return progress.OutcomeCompleted
	case workflowstate.StatusFailed:
		return progress.OutcomeFailed
	case workflowstate.StatusCancelled:
		return progress.OutcomeStopped
	}
	return ""
}

// Result returns the itinerary of a completed run. With allowPartial, an
// unfinished run yields the outputs accumulated so far.
func (c *Coordinator) Result(ctx context.Context, workflowID string, allowPartial bool) (*Result, error) {
	state, err := c.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	res := &Result{WorkflowID: state.WorkflowID, Status: state.Status, Progress: state.Progress}
	if state.Status == workflowstate.StatusCompleted {
		if raw, ok := state.Metadata.Outputs[string(stage.Putter)]; ok {
			out, err := stage.DecodeOutput(stage.Putter, raw)
			if err != nil {
				return nil, err
			}
			itinerary := out.(stage.PutterOutput).Itinerary
			res.Itinerary = &itinerary
			return res, nil
		}
	}
	if !allowPartial {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "result",
			fmt.Sprintf("workflow %s is %s; request a partial result instead", workflowID, state.Status), nil)
	}
	res.Partial = true
	res.Outputs = make(map[string]json.RawMessage, len(state.Metadata.Outputs))
	for k, v := range state.Metadata.Outputs {
		res.Outputs[k] = v
	}
	return res, nil
}

// Resume restarts non-terminal runs found in the active set from their last
// checkpoint. It returns how many runs were launched.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, state := range active {
		if c.isRunning(state.WorkflowID) {
			continue
		}
		if err := c.tracker.Resume(state.SessionID, state.WorkflowID, state.StartedAt, state.CompletedSteps); err != nil {
			logging.WarnWithContext(c.logger, "failed to resume tracking", "pipeline_resume_tracking_failed",
				logging.String(logging.FieldWorkflowID, state.WorkflowID),
				logging.Error(err),
			)
			continue
		}
		if c.launch(state, state.Metadata.Extra["userId"], true) {
			launched++
			c.logger.Info("workflow resumed",
				logging.String(logging.FieldWorkflowID, state.WorkflowID),
				logging.String(logging.FieldSessionID, state.SessionID),
				logging.Int("completed_steps", len(state.CompletedSteps)),
			)
		}
	}
	return launched, nil
}

// Health reports store reachability and each stage agent's readiness.
func (c *Coordinator) Health(ctx context.Context) HealthReport {
	report := HealthReport{Ready: true, Store: "ok", Running: len(c.Running())}
	if err := c.store.Ping(ctx); err != nil {
		report.Ready = false
		report.Store = err.Error()
	}
	for _, name := range stage.Names() {
		h := c.agents[name].HealthCheck(ctx)
		if h.Name == "" {
			h.Name = string(name)
		}
		if !h.Ready {
			report.Ready = false
		}
		report.Stages = append(report.Stages, h)
	}
	return report
}

// Running lists workflow ids with a live run goroutine.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.runs))
	for id := range c.runs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (c *Coordinator) isRunning(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[id]
	return ok
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Wait blocks until the run for workflowID exits or ctx ends. It returns
// immediately for ids without a live run.
func (c *Coordinator) Wait(ctx context.Context, workflowID string) error {
	c.mu.Lock()
	r, ok := c.runs[workflowID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every run context and waits for the goroutines to exit.
// Interrupted runs stay processing so Resume can continue them.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.baseCancel(errShutdown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
