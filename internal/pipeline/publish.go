package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/progress"
	"wayfarer/internal/services"
	"wayfarer/internal/workflowstate"
)

const source = "pipeline"

func (c *Coordinator) options(r *run) message.Options {
	return message.Options{
		SessionID:     r.sessionID,
		WorkflowID:    r.workflowID,
		UserID:        r.userID,
		CorrelationID: r.requestID,
		Source:        source,
	}
}

// publish routes payload and only logs failures; live delivery never fails a run.
func (c *Coordinator) publish(ctx context.Context, r *run, payload message.Payload, opts message.Options) {
	if _, err := c.publisher.Route(ctx, payload, opts); err != nil {
		c.logger.Debug("route failed",
			logging.String(logging.FieldWorkflowID, r.workflowID),
			logging.String(logging.FieldMessageType, string(payload.Type())),
			logging.Error(err),
		)
	}
}

func (c *Coordinator) publishAgent(ctx context.Context, r *run, agent string, status progress.AgentStatus, pct *int, attempt int, msg string) {
	c.publish(ctx, r, message.AgentUpdate{
		WorkflowID: r.workflowID,
		Agent:      agent,
		Status:     string(status),
		Progress:   pct,
		Attempt:    attempt,
		Message:    msg,
	}, c.options(r))
}

func (c *Coordinator) publishStatus(ctx context.Context, r *run, status workflowstate.Status, pct int, step, reason string) {
	opts := c.options(r)
	if status.Terminal() {
		opts.Strategy = message.StrategyImmediate
	}
	c.publish(ctx, r, message.WorkflowStatus{
		WorkflowID:  r.workflowID,
		Status:      string(status),
		Progress:    pct,
		CurrentStep: step,
		Reason:      reason,
	}, opts)
}

func (c *Coordinator) publishCompletion(ctx context.Context, r *run, result json.RawMessage, duration time.Duration) {
	c.publish(ctx, r, message.CompletionNotification{
		WorkflowID:      r.workflowID,
		ResultRef:       "outputs/putter",
		Result:          result,
		DurationSeconds: duration.Seconds(),
	}, c.options(r))
}

func (c *Coordinator) publishError(ctx context.Context, r *run, failure stageFailure) {
	c.publish(ctx, r, message.ErrorNotification{
		WorkflowID: r.workflowID,
		Message:    failure.err.Error(),
		Step:       failure.step,
		Kind:       string(services.Kind(failure.err)),
		Retryable:  services.Retryable(failure.err),
		Fatal:      true,
	}, c.options(r))
}
