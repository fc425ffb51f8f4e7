package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wayfarer/internal/logging"
	"wayfarer/internal/progress"
	"wayfarer/internal/services"
	"wayfarer/internal/stage"
	"wayfarer/internal/workflowstate"
)

// outcome is how one pass over the stages ended.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeCancelled
	outcomeInterrupted
)

// stageFailure carries the stage a terminal error belongs to.
type stageFailure struct {
	step string
	err  error
}

func (c *Coordinator) execute(r *run, resumed bool) {
	ctx, cancel := context.WithCancelCause(c.baseCtx)
	defer cancel(nil)
	ctx = services.WithWorkflowID(ctx, r.workflowID)
	ctx = services.WithSessionID(ctx, r.sessionID)
	ctx = services.WithRequestID(ctx, r.requestID)

	// The budget covers execution in this process; a resumed run starts afresh.
	timer := c.clock.AfterFunc(c.timeout, func() { cancel(errPipelineTimeout) })
	defer timer.Stop()

	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("workflow.id", r.workflowID),
		attribute.String("session.id", r.sessionID),
		attribute.Bool("workflow.resumed", resumed),
	))
	defer span.End()

	logger := logging.WithContext(ctx, c.logger)
	logger.Info("workflow run started", logging.String(logging.FieldEventType, "run_start"), logging.Bool("resumed", resumed))

	result, failure := c.runStages(ctx, r, logger)
	if result == outcomeInterrupted && errors.Is(context.Cause(ctx), errPipelineTimeout) {
		result = outcomeFailed
		failure = stageFailure{step: failure.step, err: errPipelineTimeout}
	}

	// Terminal bookkeeping must survive the run context.
	finishCtx := context.WithoutCancel(ctx)
	switch result {
	case outcomeCompleted:
		span.SetStatus(codes.Ok, "")
		c.finishCompleted(finishCtx, r, logger)
	case outcomeFailed:
		span.RecordError(failure.err)
		span.SetStatus(codes.Error, failure.err.Error())
		c.finishFailed(finishCtx, r, logger, failure)
	case outcomeCancelled:
		span.SetAttributes(attribute.Bool("workflow.cancelled", true))
		c.finishCancelled(finishCtx, r, logger)
	case outcomeInterrupted:
		span.SetAttributes(attribute.Bool("workflow.interrupted", true))
		_ = c.tracker.StopTracking(r.workflowID)
		c.metrics.RunFinished("interrupted")
		logger.Info("workflow run interrupted; left processing for resume",
			logging.String(logging.FieldEventType, "run_interrupted"),
		)
	}
}

func (c *Coordinator) runStages(ctx context.Context, r *run, logger *slog.Logger) (outcome, stageFailure) {
	state, stop, err := c.checkpoint(ctx, r, logger)
	if err != nil {
		return c.classify(ctx, stageFailure{err: err})
	}
	if stop {
		return outcomeCancelled, stageFailure{}
	}
	if state.Status == workflowstate.StatusPending {
		processing := workflowstate.StatusProcessing
		err := c.retry.retry(ctx, c.clock, func(int) error {
			_, err := c.store.Update(ctx, r.workflowID, workflowstate.Patch{Status: &processing})
			return err
		}, c.persistRetryNotify(logger, "status_write", "status write failed; retrying"))
		if err != nil {
			return c.classify(ctx, stageFailure{err: err})
		}
		c.publishStatus(ctx, r, workflowstate.StatusProcessing, state.Progress, "", "")
	}

	acc, err := stage.NewContext(state.Metadata.Request, state.Metadata.Outputs)
	if err != nil {
		return outcomeFailed, stageFailure{err: err}
	}

	names := stage.Names()
	for i, name := range names {
		if acc.Has(name) {
			continue
		}
		if i > 0 {
			state, stop, err = c.checkpoint(ctx, r, logger)
			if err != nil {
				return c.classify(ctx, stageFailure{step: string(name), err: err})
			}
			if stop {
				return outcomeCancelled, stageFailure{}
			}
		}

		next := ""
		if i+1 < len(names) {
			next = string(names[i+1])
		}
		stop, failure := c.runStage(ctx, r, logger, acc, name, next)
		if failure.err != nil {
			return c.classify(ctx, failure)
		}
		if stop {
			return outcomeCancelled, stageFailure{}
		}
	}
	return outcomeCompleted, stageFailure{}
}

// classify separates context shutdown from genuine stage failures.
func (c *Coordinator) classify(ctx context.Context, failure stageFailure) (outcome, stageFailure) {
	if ctx.Err() != nil {
		return outcomeInterrupted, failure
	}
	return outcomeFailed, failure
}

// checkpoint re-reads the workflow, retrying persistence failures, and
// reports whether the run must stop.
func (c *Coordinator) checkpoint(ctx context.Context, r *run, logger *slog.Logger) (*workflowstate.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var state *workflowstate.State
	err := c.retry.retry(ctx, c.clock, func(int) error {
		current, err := c.store.Get(ctx, r.workflowID)
		if err != nil {
			return err
		}
		state = current
		return nil
	}, c.persistRetryNotify(logger, "checkpoint_read", "checkpoint read failed; retrying"))
	if err != nil {
		return nil, false, err
	}
	return state, state.Status.Terminal(), nil
}

// runStage executes one stage. It returns stop=true when the workflow was
// cancelled while the agent ran.
func (c *Coordinator) runStage(ctx context.Context, r *run, logger *slog.Logger, acc *stage.Context, name stage.Name, next string) (bool, stageFailure) {
	step := string(name)
	ctx = services.WithStage(ctx, step)
	logger = logger.With(logging.String(logging.FieldStage, step))
	ctx, span := c.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(attribute.String("stage.name", step)))
	defer span.End()

	in, err := acc.BuildInput(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid stage input")
		return false, stageFailure{step: step, err: err}
	}

	started := c.clock.Now()
	zero := 0
	_ = c.tracker.UpdateAgentProgress(r.workflowID, step, progress.AgentStarted, &zero, name.Label()+" started")
	c.publishAgent(ctx, r, step, progress.AgentStarted, &zero, 1, name.Label()+" started")
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))

	out, err := c.invoke(ctx, r, logger, name, in)
	if err != nil {
		c.metrics.ObserveStage(step, "failed", c.clock.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, stageFailure{step: step, err: err}
	}

	current, stop, err := c.checkpoint(ctx, r, logger)
	if err != nil {
		return false, stageFailure{step: step, err: err}
	}
	if stop {
		logger.Info("discarding stage output for cancelled workflow",
			logging.String(logging.FieldEventType, "stage_discarded"),
			logging.String("status", string(current.Status)),
		)
		c.metrics.ObserveStage(step, "discarded", c.clock.Since(started))
		return true, stageFailure{}
	}

	raw, err := acc.Merge(out)
	if err != nil {
		return false, stageFailure{step: step, err: err}
	}
	completed := make([]string, 0, len(acc.Completed()))
	for _, done := range acc.Completed() {
		completed = append(completed, string(done))
	}
	score := c.tracker.Score(completed)

	persisted, err := c.persistCheckpoint(ctx, r, logger, workflowstate.Checkpoint{
		Step:     step,
		Output:   raw,
		Progress: score,
		NextStep: next,
	})
	if err != nil {
		return false, stageFailure{step: step, err: err}
	}
	if !persisted {
		return true, stageFailure{}
	}

	duration := c.clock.Since(started)
	c.metrics.ObserveStage(step, "completed", duration)
	_ = c.tracker.CompleteStep(r.workflowID, step, name.Label()+" finished")
	full := 100
	c.publishAgent(ctx, r, step, progress.AgentCompleted, &full, 0, name.Label()+" finished")
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("progress", score),
		logging.Duration("stage_duration", duration),
	)
	return false, stageFailure{}
}

// invoke calls the stage agent under the retry policy. Every retried failure
// is recorded on the workflow and announced as an agent update.
func (c *Coordinator) invoke(ctx context.Context, r *run, logger *slog.Logger, name stage.Name, in stage.Input) (stage.Output, error) {
	step := string(name)
	agent := c.agents[name]
	var out stage.Output
	err := c.retry.retry(ctx, c.clock, func(int) error {
		result, err := agent.Execute(ctx, in)
		if err != nil {
			return err
		}
		if result == nil || result.Stage() != name {
			return services.Wrap(services.ErrProvider, "pipeline", "invoke", step+" agent returned output for another stage", nil)
		}
		out = result
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		c.metrics.IncStageRetry(step)
		if _, addErr := c.store.AddError(ctx, r.workflowID, workflowstate.ErrorEntry{
			Message: err.Error(),
			Step:    step,
			Kind:    string(services.Kind(err)),
		}); addErr != nil {
			logger.Debug("failed to record retry error", logging.Error(addErr))
		}
		_ = c.tracker.ReportError(r.workflowID, err, step)
		_ = c.tracker.UpdateAgentProgress(r.workflowID, step, progress.AgentRetrying, nil, err.Error())
		c.publishAgent(ctx, r, step, progress.AgentRetrying, nil, attempt+1, err.Error())
		logging.WarnWithContext(logger, "stage attempt failed; retrying", "stage_retry",
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the agent service for "+step),
		)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// persistCheckpoint writes the stage checkpoint, retrying persistence
// failures. It reports false when the workflow turned terminal first.
func (c *Coordinator) persistCheckpoint(ctx context.Context, r *run, logger *slog.Logger, cp workflowstate.Checkpoint) (bool, error) {
	var applied bool
	err := c.retry.retry(ctx, c.clock, func(int) error {
		ok, err := c.store.Checkpoint(ctx, r.workflowID, cp)
		if err != nil {
			return err
		}
		applied = ok
		return nil
	}, c.persistRetryNotify(logger, "checkpoint_write", "checkpoint write failed; retrying"))
	return applied, err
}

func (c *Coordinator) persistRetryNotify(logger *slog.Logger, op, msg string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		c.metrics.IncPersistRetry(op)
		logging.WarnWithContext(logger, msg, op+"_retry",
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the workflow store backend"),
		)
	}
}

func (c *Coordinator) finishCompleted(ctx context.Context, r *run, logger *slog.Logger) {
	applied, err := c.store.Complete(ctx, r.workflowID, "outputs/"+string(stage.Putter))
	if err != nil {
		logging.ErrorWithContext(logger, "failed to persist completion", "run_complete_persist_failed", logging.Error(err))
		return
	}
	if !applied {
		c.finishCancelled(ctx, r, logger)
		return
	}
	state, err := c.store.Get(ctx, r.workflowID)
	if err != nil {
		logging.ErrorWithContext(logger, "failed to reload completed workflow", "run_complete_reload_failed", logging.Error(err))
		return
	}
	duration := c.clock.Since(state.StartedAt)
	result := state.Metadata.Outputs[string(stage.Putter)]
	var itinerary any
	if out, err := stage.DecodeOutput(stage.Putter, result); err == nil {
		itinerary = out.(stage.PutterOutput).Itinerary
	}

	// Tracking may already have auto-completed on the last step.
	if err := c.tracker.CompleteTracking(r.workflowID, itinerary); err != nil && !errors.Is(err, progress.ErrNotTracked) {
		logger.Debug("complete tracking failed", logging.Error(err))
	}
	c.publishCompletion(ctx, r, result, duration)
	c.publishStatus(ctx, r, workflowstate.StatusCompleted, 100, "", "")
	c.metrics.RunFinished(string(workflowstate.StatusCompleted))
	logger.Info("workflow completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Duration("run_duration", duration),
	)
}

func (c *Coordinator) finishFailed(ctx context.Context, r *run, logger *slog.Logger, failure stageFailure) {
	applied, err := c.store.Fail(ctx, r.workflowID, failure.err, failure.step)
	if err != nil {
		logging.ErrorWithContext(logger, "failed to persist workflow failure", "run_fail_persist_failed", logging.Error(err))
	}
	if err == nil && !applied {
		c.finishCancelled(ctx, r, logger)
		return
	}
	progressValue := 0
	if snap, ok := c.tracker.GetProgress(r.workflowID); ok {
		progressValue = snap.Progress
	}
	_ = c.tracker.FailTracking(r.workflowID, failure.err)
	c.publishError(ctx, r, failure)
	c.publishStatus(ctx, r, workflowstate.StatusFailed, progressValue, failure.step, failure.err.Error())
	c.metrics.RunFinished(string(workflowstate.StatusFailed))
	logging.ErrorWithContext(logger, "workflow failed", "run_failed",
		logging.String(logging.FieldStage, failure.step),
		logging.String(logging.FieldErrorKind, string(services.Kind(failure.err))),
		logging.Error(failure.err),
		logging.String(logging.FieldErrorHint, "inspect the workflow errors and agent logs"),
	)
}

func (c *Coordinator) finishCancelled(ctx context.Context, r *run, logger *slog.Logger) {
	_ = c.tracker.StopTracking(r.workflowID)
	reason := ""
	progressValue := 0
	if state, err := c.store.Get(ctx, r.workflowID); err == nil {
		reason = state.Metadata.Extra["cancelReason"]
		progressValue = state.Progress
	}
	c.publishStatus(ctx, r, workflowstate.StatusCancelled, progressValue, "", reason)
	c.metrics.RunFinished(string(workflowstate.StatusCancelled))
	logger.Info("workflow cancelled",
		logging.String(logging.FieldEventType, "run_cancelled"),
		logging.String("reason", reason),
	)
}
