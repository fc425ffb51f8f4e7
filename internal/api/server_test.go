package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wayfarer/internal/api"
	"wayfarer/internal/connections"
	"wayfarer/internal/logging"
	"wayfarer/internal/pipeline"
	"wayfarer/internal/progress"
	"wayfarer/internal/services"
	"wayfarer/internal/stage"
	"wayfarer/internal/workflowstate"
)

type stubWorkflows struct {
	started   []pipeline.Request
	states    map[string]*workflowstate.State
	cancelled []string
}

func (s *stubWorkflows) Start(_ context.Context, req pipeline.Request) (*workflowstate.State, error) {
	if req.SessionID == "" {
		return nil, services.Wrap(services.ErrValidation, "stub", "start", "session id is required", nil)
	}
	s.started = append(s.started, req)
	return &workflowstate.State{WorkflowID: "wf-new", SessionID: req.SessionID, Status: workflowstate.StatusPending}, nil
}

func (s *stubWorkflows) Status(_ context.Context, id string) (*workflowstate.State, error) {
	state, ok := s.states[id]
	if !ok {
		return nil, workflowstate.ErrNotFound
	}
	return state, nil
}

func (s *stubWorkflows) Progress(_ context.Context, id string) (progress.Snapshot, error) {
	if _, ok := s.states[id]; !ok {
		return progress.Snapshot{}, workflowstate.ErrNotFound
	}
	eta := 42.0
	return progress.Snapshot{WorkflowID: id, Progress: 45, CurrentStep: "gatherer", ETASeconds: &eta, StepsCompleted: []string{"architect"}}, nil
}

func (s *stubWorkflows) Result(_ context.Context, id string, allowPartial bool) (*pipeline.Result, error) {
	state := s.states[id]
	if state.Status == workflowstate.StatusCompleted {
		return &pipeline.Result{WorkflowID: id, Status: state.Status, Progress: 100, Itinerary: &stage.Itinerary{Title: "Porto"}}, nil
	}
	if !allowPartial {
		return nil, services.Wrap(services.ErrValidation, "stub", "result", "not finished", nil)
	}
	return &pipeline.Result{WorkflowID: id, Status: state.Status, Partial: true}, nil
}

func (s *stubWorkflows) Cancel(_ context.Context, id string) (*workflowstate.State, error) {
	state, ok := s.states[id]
	if !ok {
		return nil, workflowstate.ErrNotFound
	}
	s.cancelled = append(s.cancelled, id)
	clone := state.Clone()
	clone.Status = workflowstate.StatusCancelled
	return clone, nil
}

type stubSessions map[string]*workflowstate.State

func (s stubSessions) GetBySession(_ context.Context, id string) (*workflowstate.State, error) {
	if state, ok := s[id]; ok {
		return state, nil
	}
	return nil, workflowstate.ErrNotFound
}

type stubLive struct{ attached []connections.Attach }

func (l *stubLive) ServeWebSocket(w http.ResponseWriter, _ *http.Request, attach connections.Attach, _ time.Duration) error {
	l.attached = append(l.attached, attach)
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

func (l *stubLive) ServeSSE(w http.ResponseWriter, _ *http.Request, attach connections.Attach, _ int, _ time.Duration) error {
	l.attached = append(l.attached, attach)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	return nil
}

func newTestHandler(t *testing.T, token string) (http.Handler, *stubWorkflows, *stubLive) {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	wf := &stubWorkflows{states: map[string]*workflowstate.State{
		"wf-run":  {WorkflowID: "wf-run", SessionID: "sess-1", Status: workflowstate.StatusProcessing, Progress: 45, StartedAt: now},
		"wf-done": {WorkflowID: "wf-done", SessionID: "sess-2", Status: workflowstate.StatusCompleted, Progress: 100, StartedAt: now},
	}}
	live := &stubLive{}
	handler := api.NewHandler(api.Options{
		Workflows: wf,
		Sessions:  stubSessions{"sess-1": wf.states["wf-run"]},
		Live:      live,
		Status: func(context.Context) api.DaemonStatus {
			return api.DaemonStatus{Running: true, PID: 7, StoreBackend: "memory"}
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("wayfarer_runs_active 0\n"))
		}),
		Token:  token,
		Logger: logging.NewNop(),
	})
	return handler, wf, live
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateWorkflow(t *testing.T) {
	h, wf, _ := newTestHandler(t, "")
	body := `{"sessionId":"sess-9","trip":{"destination":"Porto","startDate":"2026-06-01","endDate":"2026-06-03","travelers":1}}`
	rec := do(t, h, http.MethodPost, "/api/workflows", body, "X-Request-ID", "req-77")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(wf.started) != 1 || wf.started[0].RequestID != "req-77" || wf.started[0].Trip.Destination != "Porto" {
		t.Fatalf("unexpected start request %+v", wf.started)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-77" {
		t.Fatalf("request id not echoed, got %q", got)
	}
	var dto api.Workflow
	if err := json.Unmarshal(rec.Body.Bytes(), &dto); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dto.WorkflowID != "wf-new" || dto.Status != "pending" {
		t.Fatalf("unexpected workflow %+v", dto)
	}
}

func TestCreateWorkflowMapsErrors(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	rec := do(t, h, http.MethodPost, "/api/workflows", `{"trip":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != "validation" {
		t.Fatalf("unexpected error kind %q", resp.Kind)
	}
	if rec := do(t, h, http.MethodPost, "/api/workflows", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestGetWorkflowAndResult(t *testing.T) {
	h, _, _ := newTestHandler(t, "")

	rec := do(t, h, http.MethodGet, "/api/workflows/wf-run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail api.WorkflowDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Status != "processing" || detail.Result != nil || detail.StartedAt != "2026-05-01T09:00:00.000Z" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	rec = do(t, h, http.MethodGet, "/api/workflows/wf-run?partial=true", "")
	detail = api.WorkflowDetail{}
	_ = json.Unmarshal(rec.Body.Bytes(), &detail)
	if detail.Result == nil || !detail.Result.Partial {
		t.Fatalf("expected partial result, got %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/workflows/wf-done", "")
	detail = api.WorkflowDetail{}
	_ = json.Unmarshal(rec.Body.Bytes(), &detail)
	if detail.Result == nil || detail.Result.Itinerary == nil || detail.Result.Itinerary.Title != "Porto" {
		t.Fatalf("expected itinerary, got %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/api/workflows/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestProgressEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	rec := do(t, h, http.MethodGet, "/api/workflows/wf-run/progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"progress", "currentStep", "estimatedTimeRemaining", "stepsCompleted", "agentsActive", "errorCount"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("progress response missing %q: %v", key, raw)
		}
	}
	if raw["progress"].(float64) != 45 || raw["estimatedTimeRemaining"].(float64) != 42 {
		t.Fatalf("unexpected progress %v", raw)
	}
}

func TestCancelAndSessionLookup(t *testing.T) {
	h, wf, _ := newTestHandler(t, "")
	rec := do(t, h, http.MethodPost, "/api/workflows/wf-run/cancel", "")
	if rec.Code != http.StatusOK || len(wf.cancelled) != 1 {
		t.Fatalf("cancel failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/sessions/sess-1/workflow", "")
	var dto api.Workflow
	_ = json.Unmarshal(rec.Body.Bytes(), &dto)
	if rec.Code != http.StatusOK || dto.WorkflowID != "wf-run" {
		t.Fatalf("unexpected session lookup %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/nobody/workflow", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLiveEndpointsPassAttachment(t *testing.T) {
	h, _, live := newTestHandler(t, "")
	do(t, h, http.MethodGet, "/api/sessions/sess-1/events?topic=agents,agent:gatherer&userId=u1", "")
	do(t, h, http.MethodGet, "/api/sessions/sess-1/ws", "")
	if len(live.attached) != 2 {
		t.Fatalf("expected two attachments, got %d", len(live.attached))
	}
	first := live.attached[0]
	if first.SessionID != "sess-1" || first.UserID != "u1" || len(first.Topics) != 2 || first.Topics[1] != "agent:gatherer" {
		t.Fatalf("unexpected attachment %+v", first)
	}
}

func TestAuthTokenGuardsAPI(t *testing.T) {
	h, _, _ := newTestHandler(t, "s3cret")
	if rec := do(t, h, http.MethodGet, "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/status", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/sess-1/events?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected query token to authorize streams, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "wayfarer_runs_active") {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}
