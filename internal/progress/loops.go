package progress

import (
	"context"

	"wayfarer/internal/logging"
)

// updateLoop periodically republishes progress with a fresh ETA.
func (t *Tracker) updateLoop(ctx context.Context, workflowID string) {
	defer t.wg.Done()
	if t.opts.UpdateInterval <= 0 {
		return
	}
	ticker := t.clock.NewTicker(t.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.mu.Lock()
			r, ok := t.runs[workflowID]
			if !ok {
				t.mu.Unlock()
				return
			}
			eta, known := t.eta(r, t.clock.Now())
			event := ProgressChanged{
				Header:       t.header(r),
				Progress:     r.progress,
				Step:         r.currentStep,
				StepProgress: r.stepProgress,
				ETA:          eta,
				ETAKnown:     known,
				Tick:         true,
			}
			t.unlockAndPublish([]Event{event}, nil)
		}
	}
}

// staleLoop flags runs that stop reporting. It never mutates progress; what
// to do about a stale run is the coordinator's call.
func (t *Tracker) staleLoop(ctx context.Context, workflowID string) {
	defer t.wg.Done()
	if t.opts.StaleCheckInterval <= 0 || t.opts.StaleThreshold <= 0 {
		return
	}
	ticker := t.clock.NewTicker(t.opts.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if event, ok := t.checkStale(workflowID); ok {
				logging.WarnWithContext(t.logger, "workflow progress stale", "progress_stale",
					logging.String(logging.FieldWorkflowID, workflowID),
					logging.String(logging.FieldSessionID, event.SessionID),
					logging.Duration("idle", event.Idle),
					logging.String(logging.FieldErrorHint, "check the agent service for the current stage"),
					logging.String(logging.FieldImpact, "progress updates paused"),
				)
				t.publish(event)
			}
		}
	}
}

func (t *Tracker) checkStale(workflowID string) (Stale, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[workflowID]
	if !ok || r.staleFlagged {
		return Stale{}, false
	}
	idle := t.clock.Since(r.lastUpdate)
	if idle <= t.opts.StaleThreshold {
		return Stale{}, false
	}
	r.staleFlagged = true
	return Stale{Header: t.header(r), LastUpdate: r.lastUpdate, Idle: idle}, true
}
