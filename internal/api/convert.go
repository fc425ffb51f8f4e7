package api

import (
	"slices"
	"time"

	"wayfarer/internal/progress"
	"wayfarer/internal/workflowstate"
)

// FromState converts a stored workflow to its API representation.
func FromState(state *workflowstate.State) Workflow {
	if state == nil {
		return Workflow{}
	}
	dto := Workflow{
		WorkflowID:     state.WorkflowID,
		SessionID:      state.SessionID,
		Status:         string(state.Status),
		Progress:       state.Progress,
		CurrentStep:    state.CurrentStep,
		CompletedSteps: nonNil(state.CompletedSteps),
		FailedSteps:    nonNil(state.FailedSteps),
		Errors:         make([]WorkflowError, 0, len(state.Errors)),
		RequestID:      state.Metadata.RequestID,
		ResultRef:      state.Metadata.ResultRef,
		Request:        state.Metadata.Request,
		StartedAt:      formatTime(state.StartedAt),
		UpdatedAt:      formatTime(state.UpdatedAt),
	}
	for _, entry := range state.Errors {
		dto.Errors = append(dto.Errors, WorkflowError{
			Timestamp: formatTime(entry.Timestamp),
			Message:   entry.Message,
			Step:      entry.Step,
			Kind:      entry.Kind,
		})
	}
	return dto
}

// FromSnapshot converts a tracker snapshot to the progress query response.
func FromSnapshot(snap progress.Snapshot) Progress {
	return Progress{
		WorkflowID:             snap.WorkflowID,
		Progress:               snap.Progress,
		CurrentStep:            snap.CurrentStep,
		CurrentStepProgress:    snap.CurrentStepProgress,
		EstimatedTimeRemaining: snap.ETASeconds,
		StepsCompleted:         nonNil(snap.StepsCompleted),
		AgentsActive:           nonNil(snap.AgentsActive),
		ErrorCount:             snap.ErrorCount,
		Finished:               snap.Finished,
		Outcome:                string(snap.Outcome),
		StartedAt:              formatTime(snap.StartedAt),
		LastUpdate:             formatTime(snap.LastUpdate),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return slices.Clone(values)
}
