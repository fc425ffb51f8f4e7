package message

import (
	"encoding/json"
	"time"
)

// Payload is the tagged union carried by an envelope. Each concrete type
// reports the envelope Type it travels as.
type Payload interface {
	Type() Type
}

// ProgressUpdate reports overall workflow progress.
type ProgressUpdate struct {
	WorkflowID             string   `json:"workflowId"`
	Progress               int      `json:"progress"`
	CurrentStep            string   `json:"currentStep,omitempty"`
	StepProgress           int      `json:"stepProgress,omitempty"`
	Message                string   `json:"message,omitempty"`
	EstimatedTimeRemaining *float64 `json:"estimatedTimeRemaining,omitempty"`
	Threshold              int      `json:"threshold,omitempty"`
}

// AgentUpdate reports one stage agent's status.
type AgentUpdate struct {
	WorkflowID string `json:"workflowId"`
	Agent      string `json:"agent"`
	Status     string `json:"status"`
	Progress   *int   `json:"progress,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ErrorNotification reports a workflow error.
type ErrorNotification struct {
	WorkflowID string `json:"workflowId"`
	Message    string `json:"message"`
	Step       string `json:"step,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Retryable  bool   `json:"retryable"`
	Fatal      bool   `json:"fatal"`
}

// CompletionNotification announces a finished itinerary.
type CompletionNotification struct {
	WorkflowID      string          `json:"workflowId"`
	ResultRef       string          `json:"resultRef,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	DurationSeconds float64         `json:"durationSeconds"`
}

// WorkflowStatus reports a lifecycle transition or a stale run.
type WorkflowStatus struct {
	WorkflowID  string `json:"workflowId"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep,omitempty"`
	Stale       bool   `json:"stale,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Heartbeat is sent by clients to signal liveness.
type Heartbeat struct{}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
}

// Ping is a client round-trip probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct {
	ServerTime time.Time `json:"serverTime"`
}

// Subscribe requests topic subscriptions. Server acknowledgements set Ack
// and list the connection's full subscription set.
type Subscribe struct {
	Topics []string `json:"topics"`
	Ack    bool     `json:"ack,omitempty"`
}

// Unsubscribe removes topic subscriptions. Acknowledgements mirror Subscribe.
type Unsubscribe struct {
	Topics []string `json:"topics"`
	Ack    bool     `json:"ack,omitempty"`
}

func (ProgressUpdate) Type() Type         { return TypeProgressUpdate }
func (AgentUpdate) Type() Type            { return TypeAgentUpdate }
func (ErrorNotification) Type() Type      { return TypeErrorNotification }
func (CompletionNotification) Type() Type { return TypeCompletionNotification }
func (WorkflowStatus) Type() Type         { return TypeWorkflowStatus }
func (Heartbeat) Type() Type              { return TypeHeartbeat }
func (HeartbeatAck) Type() Type           { return TypeHeartbeatAck }
func (Ping) Type() Type                   { return TypePing }
func (Pong) Type() Type                   { return TypePong }
func (Subscribe) Type() Type              { return TypeSubscribe }
func (Unsubscribe) Type() Type            { return TypeUnsubscribe }

func newPayload(t Type) (Payload, bool) {
	switch t {
	case TypeProgressUpdate:
		return &ProgressUpdate{}, true
	case TypeAgentUpdate:
		return &AgentUpdate{}, true
	case TypeErrorNotification:
		return &ErrorNotification{}, true
	case TypeCompletionNotification:
		return &CompletionNotification{}, true
	case TypeWorkflowStatus:
		return &WorkflowStatus{}, true
	case TypeHeartbeat:
		return &Heartbeat{}, true
	case TypeHeartbeatAck:
		return &HeartbeatAck{}, true
	case TypePing:
		return &Ping{}, true
	case TypePong:
		return &Pong{}, true
	case TypeSubscribe:
		return &Subscribe{}, true
	case TypeUnsubscribe:
		return &Unsubscribe{}, true
	default:
		return nil, false
	}
}

// deref turns the pointer produced by newPayload back into the value form
// used everywhere else.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ProgressUpdate:
		return *v
	case *AgentUpdate:
		return *v
	case *ErrorNotification:
		return *v
	case *CompletionNotification:
		return *v
	case *WorkflowStatus:
		return *v
	case *Heartbeat:
		return *v
	case *HeartbeatAck:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Subscribe:
		return *v
	case *Unsubscribe:
		return *v
	default:
		return p
	}
}
