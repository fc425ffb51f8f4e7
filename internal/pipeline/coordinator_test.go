package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"wayfarer/internal/kv"
	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/pipeline"
	"wayfarer/internal/progress"
	"wayfarer/internal/services"
	"wayfarer/internal/stage"
	"wayfarer/internal/workflowstate"
)

type recorder struct {
	mu       sync.Mutex
	payloads []message.Payload
}

func (r *recorder) Route(_ context.Context, payload message.Payload, opts message.Options) (*message.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return message.New(payload, opts, time.Now(), 0), nil
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.payloads {
		if ws, ok := p.(message.WorkflowStatus); ok && !ws.Stale {
			out = append(out, ws.Status)
		}
	}
	return out
}

func (r *recorder) find(t message.Type) []message.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Payload
	for _, p := range r.payloads {
		if p.Type() == t {
			out = append(out, p)
		}
	}
	return out
}

type harness struct {
	store   *workflowstate.Store
	tracker *progress.Tracker
	pub     *recorder
	spans   *tracetest.SpanRecorder
	calls   map[stage.Name]*atomic.Int32
	coord   *pipeline.Coordinator
}

type harnessSetup struct {
	opts   pipeline.Options
	wrapKV func(kv.Store) kv.Store
}

type harnessOption func(*harnessSetup)

func withClock(clock clockwork.Clock) harnessOption {
	return func(s *harnessSetup) { s.opts.Clock = clock }
}

func withTimeout(d time.Duration) harnessOption {
	return func(s *harnessSetup) { s.opts.Timeout = d }
}

func withKV(wrap func(kv.Store) kv.Store) harnessOption {
	return func(s *harnessSetup) { s.wrapKV = wrap }
}

func newHarness(t *testing.T, overrides map[stage.Name]stage.AgentFunc, opts ...harnessOption) *harness {
	t.Helper()
	setup := harnessSetup{opts: pipeline.Options{
		Retry:  pipeline.RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, Jitter: 0.1},
		Logger: logging.NewNop(),
	}}
	for _, opt := range opts {
		opt(&setup)
	}
	o := setup.opts
	clock := o.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	h := &harness{
		pub:   &recorder{},
		spans: tracetest.NewSpanRecorder(),
		calls: make(map[stage.Name]*atomic.Int32),
	}
	var backend kv.Store = kv.NewMemory(clock)
	if setup.wrapKV != nil {
		backend = setup.wrapKV(backend)
	}
	h.store = workflowstate.New(backend, workflowstate.Options{Clock: clock, Logger: logging.NewNop()})
	tracker, err := progress.New(progress.Options{Clock: clock, Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("progress.New: %v", err)
	}
	t.Cleanup(tracker.Close)
	h.tracker = tracker

	agents := make(map[stage.Name]stage.Agent)
	for _, name := range stage.Names() {
		counter := &atomic.Int32{}
		h.calls[name] = counter
		fn := overrides[name]
		if fn == nil {
			fn = cannedAgent(name)
		}
		agents[name] = stage.AgentFunc(func(ctx context.Context, in stage.Input) (stage.Output, error) {
			counter.Add(1)
			return fn(ctx, in)
		})
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	o.Store = h.store
	o.Tracker = tracker
	o.Publisher = h.pub
	o.Agents = agents
	o.Tracer = tp.Tracer("pipeline-test")

	coord, err := pipeline.New(o)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close(context.Background()) })
	h.coord = coord
	return h
}

func cannedAgent(name stage.Name) stage.AgentFunc {
	return func(context.Context, stage.Input) (stage.Output, error) {
		switch name {
		case stage.Architect:
			return stage.ArchitectOutput{Summary: "two days", Days: []stage.DayPlan{{Day: 1, Theme: "old town"}, {Day: 2, Theme: "harbour"}}}, nil
		case stage.Gatherer:
			return stage.GathererOutput{Findings: []stage.Finding{{Topic: "transit", Detail: "day pass"}}}, nil
		case stage.Specialist:
			return stage.SpecialistOutput{Recommendations: []stage.Recommendation{{Day: 1, Title: "Cathedral"}}}, nil
		default:
			return stage.PutterOutput{Itinerary: stage.Itinerary{
				Title: "Lisbon weekend",
				Days:  []stage.ItineraryDay{{Day: 1, Items: []stage.ItineraryItem{{Title: "Cathedral"}}}},
			}}, nil
		}
	}
}

func trip() stage.TripRequest {
	return stage.TripRequest{Destination: "Lisbon", StartDate: "2026-05-01", EndDate: "2026-05-02", Travelers: 2}
}

func (h *harness) startAndWait(t *testing.T, sessionID string) *workflowstate.State {
	t.Helper()
	state, err := h.coord.Start(context.Background(), pipeline.Request{SessionID: sessionID, Trip: trip()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.wait(t, state.WorkflowID)
}

func (h *harness) wait(t *testing.T, id string) *workflowstate.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	state, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return state
}

func TestRunCompletesWithFullProgress(t *testing.T) {
	h := newHarness(t, nil)
	state := h.startAndWait(t, "sess-1")

	if state.Status != workflowstate.StatusCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}
	if state.Progress != 100 {
		t.Fatalf("completed workflow must report 100, got %d", state.Progress)
	}
	if len(state.CompletedSteps) != 4 {
		t.Fatalf("expected all four steps completed, got %v", state.CompletedSteps)
	}
	if state.Metadata.ResultRef != "outputs/putter" {
		t.Fatalf("unexpected result ref %q", state.Metadata.ResultRef)
	}

	res, err := h.coord.Result(context.Background(), state.WorkflowID, false)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Itinerary == nil || res.Itinerary.Title != "Lisbon weekend" {
		t.Fatalf("unexpected itinerary %+v", res.Itinerary)
	}

	if got := h.pub.find(message.TypeCompletionNotification); len(got) != 1 {
		t.Fatalf("expected one completion notification, got %d", len(got))
	}
	statuses := h.pub.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != "completed" {
		t.Fatalf("expected final completed status, got %v", statuses)
	}
	if got := h.pub.find(message.TypeAgentUpdate); len(got) != 8 {
		t.Fatalf("expected started and completed updates per stage, got %d", len(got))
	}

	snap, err := h.coord.Progress(context.Background(), state.WorkflowID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if snap.Progress != 100 || !snap.Finished {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}

	var runs, stages int
	for _, span := range h.spans.Ended() {
		switch span.Name() {
		case "pipeline.run":
			runs++
		case "pipeline.stage":
			stages++
		}
	}
	if runs != 1 || stages != 4 {
		t.Fatalf("expected 1 run span and 4 stage spans, got %d and %d", runs, stages)
	}
}

func TestCancelBeforeCheckpointDiscardsOutput(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Gatherer: func(ctx context.Context, in stage.Input) (stage.Output, error) {
			close(entered)
			<-release
			return cannedAgent(stage.Gatherer)(ctx, in)
		},
	})

	state, err := h.coord.Start(context.Background(), pipeline.Request{SessionID: "sess-cancel", Trip: trip()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	if _, err := h.coord.Cancel(context.Background(), state.WorkflowID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)
	final := h.wait(t, state.WorkflowID)

	if final.Status != workflowstate.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if _, ok := final.Metadata.Outputs[string(stage.Gatherer)]; ok {
		t.Fatal("gatherer output persisted after cancellation")
	}
	if len(final.CompletedSteps) != 1 || final.CompletedSteps[0] != string(stage.Architect) {
		t.Fatalf("unexpected completed steps %v", final.CompletedSteps)
	}
	if n := h.calls[stage.Specialist].Load(); n != 0 {
		t.Fatalf("specialist ran %d times after cancellation", n)
	}
	statuses := h.pub.statuses()
	if statuses[len(statuses)-1] != "cancelled" {
		t.Fatalf("expected final cancelled status, got %v", statuses)
	}

	if _, err := h.coord.Cancel(context.Background(), state.WorkflowID); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("second cancel should be rejected, got %v", err)
	}
}

func TestRetryBudgetRecordsEveryFailure(t *testing.T) {
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Specialist: func(context.Context, stage.Input) (stage.Output, error) {
			return nil, services.Wrap(services.ErrProvider, "test", "specialist", "upstream 503", nil)
		},
	})
	state := h.startAndWait(t, "sess-retry")

	if state.Status != workflowstate.StatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if n := h.calls[stage.Specialist].Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if len(state.Errors) != 3 {
		t.Fatalf("expected two retry entries and the failure, got %d: %+v", len(state.Errors), state.Errors)
	}
	for _, entry := range state.Errors {
		if entry.Step != string(stage.Specialist) || entry.Kind != string(services.ErrorKindProvider) {
			t.Fatalf("unexpected error entry %+v", entry)
		}
	}
	if len(state.FailedSteps) != 1 || state.FailedSteps[0] != string(stage.Specialist) {
		t.Fatalf("unexpected failed steps %v", state.FailedSteps)
	}
	if n := h.calls[stage.Putter].Load(); n != 0 {
		t.Fatalf("putter ran after failure")
	}

	notes := h.pub.find(message.TypeErrorNotification)
	if len(notes) != 1 {
		t.Fatalf("expected one error notification, got %d", len(notes))
	}
	note := notes[0].(message.ErrorNotification)
	if !note.Fatal || !note.Retryable || note.Step != string(stage.Specialist) {
		t.Fatalf("unexpected error notification %+v", note)
	}

	retries := 0
	for _, p := range h.pub.find(message.TypeAgentUpdate) {
		if p.(message.AgentUpdate).Status == string(progress.AgentRetrying) {
			retries++
		}
	}
	if retries != 2 {
		t.Fatalf("expected 2 retrying updates, got %d", retries)
	}
}

func TestValidationErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Architect: func(context.Context, stage.Input) (stage.Output, error) {
			return nil, services.Wrap(services.ErrValidation, "test", "architect", "destination unknown", nil)
		},
	})
	state := h.startAndWait(t, "sess-invalid")

	if state.Status != workflowstate.StatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if n := h.calls[stage.Architect].Load(); n != 1 {
		t.Fatalf("validation errors must not retry, got %d attempts", n)
	}
	last, ok := state.LastError()
	if !ok || last.Kind != string(services.ErrorKindValidation) {
		t.Fatalf("unexpected last error %+v", last)
	}
}

func TestMissingPrerequisiteFailsBeforeInvoking(t *testing.T) {
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Architect: func(context.Context, stage.Input) (stage.Output, error) {
			return stage.ArchitectOutput{Summary: "nothing planned"}, nil
		},
	})
	state := h.startAndWait(t, "sess-missing")

	if state.Status != workflowstate.StatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if n := h.calls[stage.Gatherer].Load(); n != 0 {
		t.Fatalf("gatherer invoked %d times with missing input", n)
	}
	if len(state.FailedSteps) != 1 || state.FailedSteps[0] != string(stage.Gatherer) {
		t.Fatalf("unexpected failed steps %v", state.FailedSteps)
	}
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	raw, _ := json.Marshal(trip())
	state, err := h.store.Create(ctx, "sess-resume", "req-1", pipeline.RequestType, workflowstate.InitialData{Request: raw})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	processing := workflowstate.StatusProcessing
	if _, err := h.store.Update(ctx, state.WorkflowID, workflowstate.Patch{Status: &processing}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	out, _ := cannedAgent(stage.Architect)(ctx, nil)
	archRaw, _ := json.Marshal(out)
	if ok, err := h.store.Checkpoint(ctx, state.WorkflowID, workflowstate.Checkpoint{
		Step: string(stage.Architect), Output: archRaw, Progress: 20, NextStep: string(stage.Gatherer),
	}); err != nil || !ok {
		t.Fatalf("Checkpoint: ok=%v err=%v", ok, err)
	}

	launched, err := h.coord.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if launched != 1 {
		t.Fatalf("expected one resumed run, got %d", launched)
	}
	final := h.wait(t, state.WorkflowID)

	if final.Status != workflowstate.StatusCompleted || final.Progress != 100 {
		t.Fatalf("unexpected final state %s at %d", final.Status, final.Progress)
	}
	if n := h.calls[stage.Architect].Load(); n != 0 {
		t.Fatalf("architect re-ran %d times after resume", n)
	}
	if n := h.calls[stage.Gatherer].Load(); n != 1 {
		t.Fatalf("expected gatherer once, got %d", n)
	}
}

func TestTimeoutFailsRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	entered := make(chan struct{})
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Architect: func(ctx context.Context, _ stage.Input) (stage.Output, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, withClock(clock), withTimeout(time.Minute))

	state, err := h.coord.Start(context.Background(), pipeline.Request{SessionID: "sess-timeout", Trip: trip()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	clock.Advance(time.Minute)
	final := h.wait(t, state.WorkflowID)

	if final.Status != workflowstate.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	last, ok := final.LastError()
	if !ok || last.Kind != string(services.ErrorKindTimeout) {
		t.Fatalf("expected timeout error, got %+v", last)
	}
}

func TestCloseLeavesRunProcessing(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Gatherer: func(ctx context.Context, _ stage.Input) (stage.Output, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	state, err := h.coord.Start(context.Background(), pipeline.Request{SessionID: "sess-close", Trip: trip()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	final, err := h.store.Get(context.Background(), state.WorkflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != workflowstate.StatusProcessing {
		t.Fatalf("interrupted run should stay processing, got %s", final.Status)
	}
	if len(final.Errors) != 0 {
		t.Fatalf("shutdown must not record errors, got %+v", final.Errors)
	}
	if _, err := h.coord.Start(context.Background(), pipeline.Request{SessionID: "sess-late", Trip: trip()}); err == nil {
		t.Fatal("expected Start to fail after Close")
	}
}

func TestResultPartialSnapshot(t *testing.T) {
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Gatherer: func(context.Context, stage.Input) (stage.Output, error) {
			return nil, services.Wrap(services.ErrValidation, "test", "gatherer", "bad plan", nil)
		},
	})
	state := h.startAndWait(t, "sess-partial")

	if _, err := h.coord.Result(context.Background(), state.WorkflowID, false); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for unfinished result, got %v", err)
	}
	res, err := h.coord.Result(context.Background(), state.WorkflowID, true)
	if err != nil {
		t.Fatalf("Result partial: %v", err)
	}
	if !res.Partial || res.Itinerary != nil {
		t.Fatalf("unexpected partial result %+v", res)
	}
	if _, ok := res.Outputs[string(stage.Architect)]; !ok || len(res.Outputs) != 1 {
		t.Fatalf("expected only the architect output, got %v", res.Outputs)
	}
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.coord.Start(context.Background(), pipeline.Request{Trip: trip()}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing session, got %v", err)
	}
	bad := trip()
	bad.EndDate = "2026-04-01"
	if _, err := h.coord.Start(context.Background(), pipeline.Request{SessionID: "s", Trip: bad}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for reversed dates, got %v", err)
	}
}

func TestNewRequiresEveryStageAgent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker, err := progress.New(progress.Options{Clock: clock})
	if err != nil {
		t.Fatalf("progress.New: %v", err)
	}
	defer tracker.Close()
	_, err = pipeline.New(pipeline.Options{
		Store:     workflowstate.New(kv.NewMemory(clock), workflowstate.Options{Clock: clock}),
		Tracker:   tracker,
		Publisher: &recorder{},
		Agents:    map[stage.Name]stage.Agent{stage.Architect: cannedAgent(stage.Architect)},
	})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHealthReportsAgentsAndStore(t *testing.T) {
	h := newHarness(t, nil)
	report := h.coord.Health(context.Background())
	if !report.Ready || report.Store != "ok" || len(report.Stages) != 4 {
		t.Fatalf("unexpected health %+v", report)
	}
}

// flakyKV fails the next armed reads or writes of workflow records with a
// persistence error.
type flakyKV struct {
	kv.Store
	failGets atomic.Int32
	failSets atomic.Int32
	injected atomic.Int32
}

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.Contains(key, "workflow:") && f.failGets.Add(-1) >= 0 {
		f.injected.Add(1)
		return nil, services.Wrap(services.ErrPersistence, "kv", "get", "connection reset", nil)
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.Contains(key, "workflow:") && f.failSets.Add(-1) >= 0 {
		f.injected.Add(1)
		return services.Wrap(services.ErrPersistence, "kv", "set", "connection reset", nil)
	}
	return f.Store.SetWithTTL(ctx, key, value, ttl)
}

func TestTransientStoreFailuresAreRetried(t *testing.T) {
	flaky := &flakyKV{}
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Architect: func(ctx context.Context, in stage.Input) (stage.Output, error) {
			// The checkpoint read after this stage hits one failure.
			flaky.failGets.Store(1)
			return cannedAgent(stage.Architect)(ctx, in)
		},
		stage.Gatherer: func(ctx context.Context, in stage.Input) (stage.Output, error) {
			// So does the checkpoint write that follows.
			flaky.failSets.Store(1)
			return cannedAgent(stage.Gatherer)(ctx, in)
		},
	}, withKV(func(backend kv.Store) kv.Store {
		flaky.Store = backend
		return flaky
	}))

	state := h.startAndWait(t, "sess-flaky")
	if state.Status != workflowstate.StatusCompleted {
		t.Fatalf("expected completed after transient store errors, got %s (errors %+v)", state.Status, state.Errors)
	}
	if state.Progress != 100 || len(state.CompletedSteps) != 4 {
		t.Fatalf("unexpected final state progress=%d steps=%v", state.Progress, state.CompletedSteps)
	}
	if len(state.Errors) != 0 {
		t.Fatalf("store retries must not be recorded as stage errors, got %+v", state.Errors)
	}
	if got := flaky.injected.Load(); got != 2 {
		t.Fatalf("expected two injected failures, got %d", got)
	}
	for _, name := range stage.Names() {
		if calls := h.calls[name].Load(); calls != 1 {
			t.Fatalf("%s agent ran %d times, want 1", name, calls)
		}
	}
}

func TestPersistentStoreFailureFailsRun(t *testing.T) {
	flaky := &flakyKV{}
	h := newHarness(t, map[stage.Name]stage.AgentFunc{
		stage.Architect: func(ctx context.Context, in stage.Input) (stage.Output, error) {
			// Every attempt of the following checkpoint read fails.
			flaky.failGets.Store(3)
			return cannedAgent(stage.Architect)(ctx, in)
		},
	}, withKV(func(backend kv.Store) kv.Store {
		flaky.Store = backend
		return flaky
	}))

	final := h.startAndWait(t, "sess-down")
	if final.Status != workflowstate.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Progress != 0 || len(final.CompletedSteps) != 0 {
		t.Fatalf("unpersisted checkpoint must not advance progress, got %d %v", final.Progress, final.CompletedSteps)
	}
	if got := flaky.injected.Load(); got != 3 {
		t.Fatalf("expected the full retry budget to be spent, got %d failures", got)
	}
	if len(final.Errors) == 0 || final.Errors[len(final.Errors)-1].Kind != "persistence" {
		t.Fatalf("expected a persistence error on the failed run, got %+v", final.Errors)
	}
}
