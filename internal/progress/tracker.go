package progress

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"wayfarer/internal/config"
	"wayfarer/internal/eventbus"
	"wayfarer/internal/logging"
	"wayfarer/internal/services"
)

// ErrNotTracked is returned for operations on a run that is not being tracked.
var ErrNotTracked = fmt.Errorf("progress: %w", services.ErrNotFound)

// Options tunes a Tracker.
type Options struct {
	Weights            map[string]int
	Thresholds         []int
	UpdateInterval     time.Duration
	StaleThreshold     time.Duration
	StaleCheckInterval time.Duration
	HistorySize        int
	Clock              clockwork.Clock
	Logger             *slog.Logger
}

// OptionsFromConfig maps the [tracker] section onto Options.
func OptionsFromConfig(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) Options {
	return Options{
		Weights:            cfg.Tracker.Weights,
		Thresholds:         cfg.Tracker.Thresholds,
		UpdateInterval:     cfg.Tracker.UpdateInterval(),
		StaleThreshold:     cfg.Tracker.StaleThreshold(),
		StaleCheckInterval: cfg.Tracker.StaleCheckInterval(),
		HistorySize:        cfg.Tracker.HistorySize,
		Clock:              clock,
		Logger:             logger,
	}
}

// Snapshot is the externally visible view of a run's progress.
type Snapshot struct {
	WorkflowID          string    `json:"workflowId"`
	SessionID           string    `json:"sessionId"`
	Progress            int       `json:"progress"`
	CurrentStep         string    `json:"currentStep"`
	CurrentStepProgress int       `json:"currentStepProgress"`
	ETASeconds          *float64  `json:"estimatedTimeRemaining"`
	StepsCompleted      []string  `json:"stepsCompleted"`
	AgentsActive        []string  `json:"agentsActive"`
	ErrorCount          int       `json:"errorCount"`
	StartedAt           time.Time `json:"startedAt"`
	LastUpdate          time.Time `json:"lastUpdate"`
	Finished            bool      `json:"finished"`
	Outcome             Outcome   `json:"outcome,omitempty"`
}

// ETA returns the estimated time remaining when it is defined.
func (s Snapshot) ETA() (time.Duration, bool) {
	if s.ETASeconds == nil {
		return 0, false
	}
	return time.Duration(*s.ETASeconds * float64(time.Second)), true
}

type run struct {
	sessionID    string
	workflowID   string
	startTime    time.Time
	lastUpdate   time.Time
	progress     int
	currentStep  string
	stepProgress int
	completed    []string
	agents       map[string]AgentStatus
	errors       []string
	crossed      map[int]struct{}
	metadata     map[string]string
	staleFlagged bool
	cancel       context.CancelFunc
}

// Tracker computes weighted progress per run and publishes typed events.
type Tracker struct {
	weights    map[string]int
	thresholds []int
	opts       Options
	clock      clockwork.Clock
	logger     *slog.Logger
	bus        *eventbus.Bus[Event]
	history    *lru.Cache[string, Snapshot]

	mu     sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup
	closed bool

	// pubMu is taken before mu is released so events are published in the
	// order their state changes were made.
	pubMu sync.Mutex
}

// New constructs a Tracker.
func New(opts Options) (*Tracker, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	weights := opts.Weights
	if len(weights) == 0 {
		weights = config.DefaultStageWeights()
	}
	total := 0
	for name, w := range weights {
		if w < 0 {
			return nil, services.Wrap(services.ErrConfiguration, "progress", "weights", fmt.Sprintf("negative weight for %s", name), nil)
		}
		total += w
	}
	if total != 100 {
		return nil, services.Wrap(services.ErrConfiguration, "progress", "weights", fmt.Sprintf("weights sum to %d, want 100", total), nil)
	}
	thresholds := slices.Clone(opts.Thresholds)
	if len(thresholds) == 0 {
		thresholds = config.DefaultThresholds()
	}
	sort.Ints(thresholds)
	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = 256
	}
	history, err := lru.New[string, Snapshot](historySize)
	if err != nil {
		return nil, fmt.Errorf("progress history: %w", err)
	}
	return &Tracker{
		weights:    maps.Clone(weights),
		thresholds: thresholds,
		opts:       opts,
		clock:      opts.Clock,
		logger:     logging.NewComponentLogger(opts.Logger, "progress"),
		bus:        eventbus.New[Event](),
		history:    history,
		runs:       make(map[string]*run),
	}, nil
}

// Subscribe attaches an observer to the tracker's event stream.
func (t *Tracker) Subscribe(buffer int) *eventbus.Subscription[Event] {
	return t.bus.Subscribe(buffer)
}

// StartTracking begins tracking a new run. Re-starting a tracked run resets it.
func (t *Tracker) StartTracking(sessionID, workflowID string, metadata map[string]string) error {
	return t.start(sessionID, workflowID, t.clock.Now(), nil, metadata)
}

// Resume re-seeds tracking for a run recovered after a restart. Completed
// steps contribute their full weight immediately.
func (t *Tracker) Resume(sessionID, workflowID string, startedAt time.Time, completedSteps []string) error {
	if startedAt.IsZero() {
		startedAt = t.clock.Now()
	}
	return t.start(sessionID, workflowID, startedAt, completedSteps, nil)
}

func (t *Tracker) start(sessionID, workflowID string, startedAt time.Time, completed []string, metadata map[string]string) error {
	if workflowID == "" {
		return services.Wrap(services.ErrValidation, "progress", "start", "workflow id is required", nil)
	}
	now := t.clock.Now()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return services.Wrap(services.ErrConfiguration, "progress", "start", "tracker closed", nil)
	}
	if existing, ok := t.runs[workflowID]; ok {
		existing.cancel()
		delete(t.runs, workflowID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		sessionID:  sessionID,
		workflowID: workflowID,
		startTime:  startedAt,
		lastUpdate: now,
		agents:     make(map[string]AgentStatus),
		crossed:    make(map[int]struct{}),
		metadata:   maps.Clone(metadata),
		cancel:     cancel,
	}
	for _, step := range completed {
		if _, weighted := t.weights[step]; weighted && !slices.Contains(r.completed, step) {
			r.completed = append(r.completed, step)
		}
	}
	r.progress = t.compute(r)
	for _, threshold := range t.thresholds {
		if threshold <= r.progress {
			r.crossed[threshold] = struct{}{}
		}
	}
	t.runs[workflowID] = r
	t.history.Remove(workflowID)
	initial := r.progress
	t.wg.Add(2)
	t.mu.Unlock()

	go t.updateLoop(ctx, workflowID)
	go t.staleLoop(ctx, workflowID)

	t.logger.Debug("progress tracking started",
		logging.String(logging.FieldWorkflowID, workflowID),
		logging.String(logging.FieldSessionID, sessionID),
		logging.Int("progress", initial),
	)
	return nil
}

// UpdateStepProgress records local progress (0-100) within step.
func (t *Tracker) UpdateStepProgress(workflowID, step string, local int, message string, metadata map[string]string) error {
	var events []Event
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	r.currentStep = step
	r.stepProgress = clamp(local)
	for k, v := range metadata {
		if r.metadata == nil {
			r.metadata = make(map[string]string)
		}
		r.metadata[k] = v
	}
	events = t.advance(r, message)
	finished := t.maybeAutoComplete(r)
	t.unlockAndPublish(events, finished)
	return nil
}

// CompleteStep marks step done. Completing every weighted step auto-completes
// tracking.
func (t *Tracker) CompleteStep(workflowID, step, message string) error {
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	if !slices.Contains(r.completed, step) {
		r.completed = append(r.completed, step)
	}
	if r.currentStep == step {
		r.stepProgress = 0
	}
	events := t.advance(r, message)
	events = append(events, StepCompleted{
		Header:   t.header(r),
		Step:     step,
		Message:  message,
		Progress: r.progress,
	})
	progress := r.progress
	finished := t.maybeAutoComplete(r)
	t.unlockAndPublish(events, finished)

	t.logger.Info("step completed",
		logging.String(logging.FieldWorkflowID, workflowID),
		logging.String(logging.FieldStage, step),
		logging.Int("progress", progress),
	)
	return nil
}

// UpdateAgentProgress records an agent status change.
func (t *Tracker) UpdateAgentProgress(workflowID, agent string, status AgentStatus, progress *int, message string) error {
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	r.agents[agent] = status
	r.lastUpdate = t.clock.Now()
	r.staleFlagged = false
	var events []Event
	if status.Active() && progress != nil {
		r.currentStep = agent
		r.stepProgress = clamp(*progress)
		events = t.advance(r, message)
	}
	events = append([]Event{AgentChanged{
		Header:   t.header(r),
		Agent:    agent,
		Status:   status,
		Progress: progress,
		Message:  message,
	}}, events...)
	finished := t.maybeAutoComplete(r)
	t.unlockAndPublish(events, finished)
	return nil
}

// ReportError records a non-fatal error.
func (t *Tracker) ReportError(workflowID string, err error, step string) error {
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	message := errorMessage(err)
	r.errors = append(r.errors, message)
	r.lastUpdate = t.clock.Now()
	event := ErrorReported{Header: t.header(r), Message: message, Step: step}
	t.unlockAndPublish([]Event{event}, nil)
	return nil
}

// CompleteTracking finishes a run as completed at 100%.
func (t *Tracker) CompleteTracking(workflowID string, result any) error {
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	r.currentStep = ""
	r.stepProgress = 0
	events := t.raise(r, 100, "")
	fin := t.detach(r, OutcomeCompleted, "", result)
	t.unlockAndPublish(events, fin)
	return nil
}

// FailTracking finishes a run as failed.
func (t *Tracker) FailTracking(workflowID string, err error) error {
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	message := errorMessage(err)
	r.errors = append(r.errors, message)
	fin := t.detach(r, OutcomeFailed, message, nil)
	t.unlockAndPublish(nil, fin)
	return nil
}

// StopTracking ends tracking without a verdict.
func (t *Tracker) StopTracking(workflowID string) error {
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	fin := t.detach(r, OutcomeStopped, "", nil)
	t.unlockAndPublish(nil, fin)
	return nil
}

// GetProgress returns the live snapshot, or the retained final snapshot for
// a recently finished run.
func (t *Tracker) GetProgress(workflowID string) (Snapshot, bool) {
	t.mu.Lock()
	r, ok := t.runs[workflowID]
	if ok {
		snap := t.snapshot(r)
		t.mu.Unlock()
		return snap, true
	}
	t.mu.Unlock()
	return t.history.Get(workflowID)
}

// Tracked lists workflow ids currently being tracked.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.runs))
	for id := range t.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every background loop and closes subscriber channels.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, r := range t.runs {
		r.cancel()
		delete(t.runs, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	t.bus.Close()
}

// compute derives overall progress from completed weights and local progress.
func (t *Tracker) compute(r *run) int {
	total := 0
	for _, step := range r.completed {
		total += t.weights[step]
	}
	if r.currentStep != "" && !slices.Contains(r.completed, r.currentStep) {
		total += r.stepProgress * t.weights[r.currentStep] / 100
	}
	return clamp(total)
}

// Score returns the overall progress implied by a set of completed steps.
func (t *Tracker) Score(completed []string) int {
	total := 0
	seen := make(map[string]struct{}, len(completed))
	for _, step := range completed {
		if _, dup := seen[step]; dup {
			continue
		}
		seen[step] = struct{}{}
		total += t.weights[step]
	}
	return clamp(total)
}

// advance recomputes progress and returns the resulting events. Caller holds t.mu.
func (t *Tracker) advance(r *run, message string) []Event {
	return t.raise(r, t.compute(r), message)
}

func (t *Tracker) raise(r *run, next int, message string) []Event {
	now := t.clock.Now()
	r.lastUpdate = now
	r.staleFlagged = false
	prev := r.progress
	if next < prev {
		next = prev
	}
	r.progress = next

	eta, known := t.eta(r, now)
	events := []Event{ProgressChanged{
		Header:       t.header(r),
		Progress:     next,
		Step:         r.currentStep,
		StepProgress: r.stepProgress,
		Message:      message,
		ETA:          eta,
		ETAKnown:     known,
	}}
	for _, threshold := range t.thresholds {
		if _, seen := r.crossed[threshold]; seen {
			continue
		}
		if prev < threshold && next >= threshold {
			r.crossed[threshold] = struct{}{}
			events = append(events, ThresholdCrossed{Header: t.header(r), Threshold: threshold, Progress: next})
		}
	}
	return events
}

func (t *Tracker) maybeAutoComplete(r *run) *Finished {
	for step, w := range t.weights {
		if w > 0 && !slices.Contains(r.completed, step) {
			return nil
		}
	}
	r.currentStep = ""
	return t.detach(r, OutcomeCompleted, "", nil)
}

// detach removes r from the live set and records its final snapshot. Caller holds t.mu.
func (t *Tracker) detach(r *run, outcome Outcome, errMsg string, result any) *Finished {
	r.cancel()
	delete(t.runs, r.workflowID)
	snap := t.snapshot(r)
	snap.Finished = true
	snap.Outcome = outcome
	snap.AgentsActive = []string{}
	if outcome == OutcomeCompleted {
		zero := 0.0
		snap.ETASeconds = &zero
	}
	t.history.Add(r.workflowID, snap)
	return &Finished{
		Header:   t.header(r),
		Outcome:  outcome,
		Progress: r.progress,
		Error:    errMsg,
		Result:   result,
	}
}

func (t *Tracker) finish(fin *Finished) {
	if fin == nil {
		return
	}
	t.logger.Info("progress tracking finished",
		logging.String(logging.FieldWorkflowID, fin.WorkflowID),
		logging.String("outcome", string(fin.Outcome)),
		logging.Int("progress", fin.Progress),
	)
	t.publish(*fin)
}

// unlockAndPublish releases t.mu and publishes events, then fin, before any
// later state change can publish. Caller holds t.mu.
func (t *Tracker) unlockAndPublish(events []Event, fin *Finished) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	t.mu.Unlock()
	t.publish(events...)
	t.finish(fin)
}

func (t *Tracker) publish(events ...Event) {
	for _, event := range events {
		t.bus.Publish(event)
	}
}

func (t *Tracker) header(r *run) Header {
	return Header{WorkflowID: r.workflowID, SessionID: r.sessionID, At: t.clock.Now()}
}

func (t *Tracker) eta(r *run, now time.Time) (time.Duration, bool) {
	return EstimateRemaining(now.Sub(r.startTime), r.progress)
}

func (t *Tracker) snapshot(r *run) Snapshot {
	snap := Snapshot{
		WorkflowID:          r.workflowID,
		SessionID:           r.sessionID,
		Progress:            r.progress,
		CurrentStep:         r.currentStep,
		CurrentStepProgress: r.stepProgress,
		StepsCompleted:      slices.Clone(r.completed),
		AgentsActive:        make([]string, 0, len(r.agents)),
		ErrorCount:          len(r.errors),
		StartedAt:           r.startTime,
		LastUpdate:          r.lastUpdate,
	}
	if snap.StepsCompleted == nil {
		snap.StepsCompleted = []string{}
	}
	for agent, status := range r.agents {
		if status.Active() {
			snap.AgentsActive = append(snap.AgentsActive, agent)
		}
	}
	sort.Strings(snap.AgentsActive)
	if eta, ok := t.eta(r, t.clock.Now()); ok {
		seconds := eta.Seconds()
		snap.ETASeconds = &seconds
	}
	return snap
}

// EstimateRemaining projects the time left from elapsed time and percent done.
// It is undefined for progress <= 0 and zero at 100.
func EstimateRemaining(elapsed time.Duration, progress int) (time.Duration, bool) {
	if progress <= 0 {
		return 0, false
	}
	if progress >= 100 {
		return 0, true
	}
	if elapsed < 0 {
		elapsed = 0
	}
	// elapsed/(p/100) - elapsed, kept in integer nanoseconds.
	return time.Duration(int64(elapsed) * int64(100-progress) / int64(progress)), true
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
