package progress

import "time"

// Kind discriminates tracker events.
type Kind string

const (
	KindProgressChanged  Kind = "progress_changed"
	KindThresholdCrossed Kind = "threshold_crossed"
	KindStepCompleted    Kind = "step_completed"
	KindAgentChanged     Kind = "agent_changed"
	KindErrorReported    Kind = "error_reported"
	KindStale            Kind = "stale"
	KindFinished         Kind = "finished"
)

// Outcome is how tracking of a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
)

// AgentStatus is the lifecycle reported for one agent within a run.
type AgentStatus string

const (
	AgentStarted   AgentStatus = "started"
	AgentRunning   AgentStatus = "running"
	AgentRetrying  AgentStatus = "retrying"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Active reports whether the agent should count as in flight.
func (s AgentStatus) Active() bool {
	switch s {
	case AgentStarted, AgentRunning, AgentRetrying:
		return true
	default:
		return false
	}
}

// Header identifies the run an event belongs to.
type Header struct {
	WorkflowID string
	SessionID  string
	At         time.Time
}

// Event is the tagged union published on the tracker bus. Consumers switch on
// the concrete type.
type Event interface {
	Kind() Kind
	Meta() Header
}

// ProgressChanged carries a new overall value. Tick is set for periodic
// refreshes that only recompute the ETA.
type ProgressChanged struct {
	Header
	Progress     int
	Step         string
	StepProgress int
	Message      string
	ETA          time.Duration
	ETAKnown     bool
	Tick         bool
}

// ThresholdCrossed fires once per configured checkpoint per run.
type ThresholdCrossed struct {
	Header
	Threshold int
	Progress  int
}

// StepCompleted reports a finished stage.
type StepCompleted struct {
	Header
	Step     string
	Message  string
	Progress int
}

// AgentChanged reports an agent status transition.
type AgentChanged struct {
	Header
	Agent    string
	Status   AgentStatus
	Progress *int
	Message  string
}

// ErrorReported records a non-fatal error for the run.
type ErrorReported struct {
	Header
	Message string
	Step    string
}

// Stale signals that a run has not reported progress within the threshold.
type Stale struct {
	Header
	LastUpdate time.Time
	Idle       time.Duration
}

// Finished is the last event for a run.
type Finished struct {
	Header
	Outcome  Outcome
	Progress int
	Error    string
	Result   any
}

func (h Header) Meta() Header { return h }

func (ProgressChanged) Kind() Kind  { return KindProgressChanged }
func (ThresholdCrossed) Kind() Kind { return KindThresholdCrossed }
func (StepCompleted) Kind() Kind    { return KindStepCompleted }
func (AgentChanged) Kind() Kind     { return KindAgentChanged }
func (ErrorReported) Kind() Kind    { return KindErrorReported }
func (Stale) Kind() Kind            { return KindStale }
func (Finished) Kind() Kind         { return KindFinished }
