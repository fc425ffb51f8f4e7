package api

import (
	"encoding/json"

	"wayfarer/internal/connections"
	"wayfarer/internal/pipeline"
	"wayfarer/internal/router"
	"wayfarer/internal/stage"
	"wayfarer/internal/workflowstate"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// CreateWorkflowRequest is the body of POST /api/workflows.
type CreateWorkflowRequest struct {
	SessionID  string            `json:"sessionId"`
	UserID     string            `json:"userId,omitempty"`
	WorkflowID string            `json:"workflowId,omitempty"`
	Trip       stage.TripRequest `json:"trip"`
}

// Workflow describes a stored workflow in a transport-friendly format.
type Workflow struct {
	WorkflowID     string          `json:"workflowId"`
	SessionID      string          `json:"sessionId"`
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	CurrentStep    string          `json:"currentStep,omitempty"`
	CompletedSteps []string        `json:"completedSteps"`
	FailedSteps    []string        `json:"failedSteps"`
	Errors         []WorkflowError `json:"errors"`
	RequestID      string          `json:"requestId,omitempty"`
	ResultRef      string          `json:"resultRef,omitempty"`
	Request        json.RawMessage `json:"request,omitempty"`
	StartedAt      string          `json:"startedAt,omitempty"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
}

// WorkflowDetail is the GET /api/workflows/:id response. Result is present
// for completed runs, or as a partial snapshot when one was requested.
type WorkflowDetail struct {
	Workflow
	Result *pipeline.Result `json:"result,omitempty"`
}

// WorkflowError is one recorded failure.
type WorkflowError struct {
	Timestamp string `json:"timestamp,omitempty"`
	Message   string `json:"message"`
	Step      string `json:"step,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Progress is the live progress query response.
type Progress struct {
	WorkflowID             string   `json:"workflowId"`
	Progress               int      `json:"progress"`
	CurrentStep            string   `json:"currentStep"`
	CurrentStepProgress    int      `json:"currentStepProgress"`
	EstimatedTimeRemaining *float64 `json:"estimatedTimeRemaining"`
	StepsCompleted         []string `json:"stepsCompleted"`
	AgentsActive           []string `json:"agentsActive"`
	ErrorCount             int      `json:"errorCount"`
	Finished               bool     `json:"finished"`
	Outcome                string   `json:"outcome,omitempty"`
	StartedAt              string   `json:"startedAt,omitempty"`
	LastUpdate             string   `json:"lastUpdate,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool                  `json:"running"`
	PID          int                   `json:"pid"`
	LockFilePath string                `json:"lockFilePath"`
	StoreBackend string                `json:"storeBackend"`
	Pipeline     pipeline.HealthReport `json:"pipeline"`
	Workflows    workflowstate.Stats   `json:"workflows"`
	Router       router.Stats          `json:"router"`
	Connections  connections.Stats     `json:"connections"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
