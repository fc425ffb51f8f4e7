package message

import "slices"

// Type names an envelope kind on the wire.
type Type string

const (
	TypeProgressUpdate         Type = "progress_update"
	TypeAgentUpdate            Type = "agent_update"
	TypeErrorNotification      Type = "error_notification"
	TypeCompletionNotification Type = "completion_notification"
	TypeWorkflowStatus         Type = "workflow_status"
	TypeHeartbeat              Type = "heartbeat"
	TypeHeartbeatAck           Type = "heartbeat_ack"
	TypePing                   Type = "ping"
	TypePong                   Type = "pong"
	TypeSubscribe              Type = "subscribe"
	TypeUnsubscribe            Type = "unsubscribe"
)

var allTypes = []Type{
	TypeProgressUpdate,
	TypeAgentUpdate,
	TypeErrorNotification,
	TypeCompletionNotification,
	TypeWorkflowStatus,
	TypeHeartbeat,
	TypeHeartbeatAck,
	TypePing,
	TypePong,
	TypeSubscribe,
	TypeUnsubscribe,
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return slices.Contains(allTypes, t)
}

var defaultPriorities = map[Type]int{
	TypeErrorNotification:      10,
	TypeCompletionNotification: 9,
	TypeProgressUpdate:         8,
	TypeAgentUpdate:            7,
	TypeWorkflowStatus:         6,
	TypeSubscribe:              5,
	TypeUnsubscribe:            5,
	TypeHeartbeat:              3,
	TypeHeartbeatAck:           3,
	TypePing:                   1,
	TypePong:                   1,
}

// DefaultPriority returns the table priority for t, or 0 for unknown types.
func DefaultPriority(t Type) int {
	return defaultPriorities[t]
}

// Target is the audience class an envelope is addressed to.
type Target string

const (
	TargetSession  Target = "session"
	TargetWorkflow Target = "workflow"
	TargetAgent    Target = "agent"
	TargetProgress Target = "progress"
	TargetError    Target = "error"
	TargetSystem   Target = "system"
	TargetAll      Target = "all"
)

// DefaultTarget returns the target used when a caller does not pick one.
func DefaultTarget(t Type) Target {
	switch t {
	case TypeProgressUpdate:
		return TargetProgress
	case TypeAgentUpdate:
		return TargetAgent
	case TypeErrorNotification:
		return TargetError
	case TypeCompletionNotification, TypeWorkflowStatus:
		return TargetWorkflow
	default:
		return TargetSystem
	}
}

// Strategy controls when the router flushes an envelope.
type Strategy string

const (
	StrategyBatch     Strategy = "batch"
	StrategyImmediate Strategy = "immediate"
)

// SeverityHighTag marks envelopes that should stand out to clients.
const SeverityHighTag = "severity:high"
