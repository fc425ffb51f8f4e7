package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wayfarer/internal/eventbus"
	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/progress"
	"wayfarer/internal/workflowstate"
)

const relayBuffer = 256

// Relay forwards tracker events to live clients through the router.
type Relay struct {
	tracker   *progress.Tracker
	publisher Publisher
	logger    *slog.Logger

	mu     sync.Mutex
	sub    *eventbus.Subscription[progress.Event]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay builds a relay; Start attaches it to the tracker.
func NewRelay(tracker *progress.Tracker, publisher Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		tracker:   tracker,
		publisher: publisher,
		logger:    logging.NewComponentLogger(logger, "relay"),
	}
}

// Start subscribes to the tracker and forwards events until Stop or ctx ends.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.sub = r.tracker.Subscribe(relayBuffer)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.sub, r.done)
}

// Stop detaches the relay and waits for the forwarding goroutine.
func (r *Relay) Stop() {
	r.mu.Lock()
	sub, cancel, done := r.sub, r.cancel, r.done
	r.sub, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()
	if sub == nil {
		return
	}
	cancel()
	sub.Close()
	<-done
	if dropped := sub.Dropped(); dropped > 0 {
		logging.WarnWithContext(r.logger, "relay dropped tracker events", "relay_dropped",
			logging.Int64("dropped", int64(dropped)),
			logging.String(logging.FieldImpact, "clients missed intermediate progress updates"),
		)
	}
}

func (r *Relay) loop(ctx context.Context, sub *eventbus.Subscription[progress.Event], done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			r.forward(ctx, event)
		}
	}
}

func (r *Relay) forward(ctx context.Context, event progress.Event) {
	payload, ok := translate(event)
	if !ok {
		return
	}
	head := event.Meta()
	opts := message.Options{SessionID: head.SessionID, WorkflowID: head.WorkflowID, Source: "progress"}
	if _, err := r.publisher.Route(ctx, payload, opts); err != nil {
		r.logger.Debug("relay route failed",
			logging.String(logging.FieldWorkflowID, head.WorkflowID),
			logging.String(logging.FieldMessageType, string(payload.Type())),
			logging.Error(err),
		)
	}
}

// translate maps a tracker event onto a client payload. Events without a
// client-facing form report false.
func translate(event progress.Event) (message.Payload, bool) {
	switch e := event.(type) {
	case progress.ProgressChanged:
		return message.ProgressUpdate{
			WorkflowID:             e.WorkflowID,
			Progress:               e.Progress,
			CurrentStep:            e.Step,
			StepProgress:           e.StepProgress,
			Message:                e.Message,
			EstimatedTimeRemaining: etaSeconds(e.ETA, e.ETAKnown),
		}, true
	case progress.ThresholdCrossed:
		return message.ProgressUpdate{
			WorkflowID: e.WorkflowID,
			Progress:   e.Progress,
			Threshold:  e.Threshold,
		}, true
	case progress.Stale:
		return message.WorkflowStatus{
			WorkflowID: e.WorkflowID,
			Status:     string(workflowstate.StatusProcessing),
			Stale:      true,
			Reason:     "no progress for " + e.Idle.Truncate(time.Second).String(),
		}, true
	}
	return nil, false
}

func etaSeconds(eta time.Duration, known bool) *float64 {
	if !known {
		return nil
	}
	s := eta.Seconds()
	return &s
}
