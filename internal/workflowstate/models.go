package workflowstate

import (
	"encoding/json"
	"slices"
	"time"
)

// Status represents the lifecycle of a workflow run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	return slices.Clone(allStatuses)
}

// Terminal reports whether the status never transitions further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(allStatuses, s)
}

// ErrorEntry is one recorded failure on a workflow.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
	Kind      string    `json:"kind,omitempty"`
}

// Metadata carries request context and accumulated stage outputs.
type Metadata struct {
	RequestID   string                     `json:"requestId,omitempty"`
	RequestType string                     `json:"requestType,omitempty"`
	Request     json.RawMessage            `json:"request,omitempty"`
	Outputs     map[string]json.RawMessage `json:"outputs,omitempty"`
	ResultRef   string                     `json:"resultRef,omitempty"`
	Extra       map[string]string          `json:"extra,omitempty"`
}

// State is the durable record of one workflow run.
type State struct {
	WorkflowID     string       `json:"workflowId"`
	SessionID      string       `json:"sessionId"`
	Status         Status       `json:"status"`
	Progress       int          `json:"progress"`
	CurrentStep    string       `json:"currentStep,omitempty"`
	CompletedSteps []string     `json:"completedSteps"`
	FailedSteps    []string     `json:"failedSteps"`
	Errors         []ErrorEntry `json:"errors"`
	StartedAt      time.Time    `json:"startedAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	Metadata       Metadata     `json:"metadata"`
}

// Active reports whether the run has not reached a terminal status.
func (s *State) Active() bool {
	return s != nil && !s.Status.Terminal()
}

// HasCompleted reports whether step is recorded as completed.
func (s *State) HasCompleted(step string) bool {
	return s != nil && slices.Contains(s.CompletedSteps, step)
}

// LastError returns the most recent error entry, if any.
func (s *State) LastError() (ErrorEntry, bool) {
	if s == nil || len(s.Errors) == 0 {
		return ErrorEntry{}, false
	}
	return s.Errors[len(s.Errors)-1], true
}

// Clone returns a deep copy safe to mutate.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.CompletedSteps = slices.Clone(s.CompletedSteps)
	out.FailedSteps = slices.Clone(s.FailedSteps)
	out.Errors = slices.Clone(s.Errors)
	out.Metadata.Request = slices.Clone(s.Metadata.Request)
	if s.Metadata.Outputs != nil {
		out.Metadata.Outputs = make(map[string]json.RawMessage, len(s.Metadata.Outputs))
		for k, v := range s.Metadata.Outputs {
			out.Metadata.Outputs[k] = slices.Clone(v)
		}
	}
	if s.Metadata.Extra != nil {
		out.Metadata.Extra = make(map[string]string, len(s.Metadata.Extra))
		for k, v := range s.Metadata.Extra {
			out.Metadata.Extra[k] = v
		}
	}
	return &out
}

// Patch is a partial update. Nil fields are left unchanged; CompletedSteps is
// merged as an ordered set and Outputs and Extra are merged by key.
type Patch struct {
	Status         *Status
	Progress       *int
	CurrentStep    *string
	CompletedSteps []string
	Outputs        map[string]json.RawMessage
	Extra          map[string]string
	ResultRef      *string
}

// InitialData seeds a new workflow record.
type InitialData struct {
	WorkflowID string
	Request    json.RawMessage
	Extra      map[string]string
}

// Stats summarizes the active workflow set.
type Stats struct {
	Active   int            `json:"active"`
	ByStatus map[Status]int `json:"byStatus"`
}

func clampProgress(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func appendUnique(dst []string, values ...string) ([]string, bool) {
	changed := false
	for _, v := range values {
		if v == "" || slices.Contains(dst, v) {
			continue
		}
		dst = append(dst, v)
		changed = true
	}
	return dst, changed
}

// Checkpoint is the durable record of one finished stage.
type Checkpoint struct {
	Step     string
	Output   json.RawMessage
	Progress int
	NextStep string
}
