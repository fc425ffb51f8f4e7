package notifications

import (
	"context"
	"encoding/json"
	"log/slog"

	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/router"
	"wayfarer/internal/stage"
)

// RuleID identifies the routing rule registered by RoutingRule.
const RuleID = "notifications"

// RoutingRule forwards terminal workflow envelopes to svc. It is a
// passthrough rule, so clients still receive the envelope. Publish failures
// are logged and never fail delivery.
func RoutingRule(svc Service, logger *slog.Logger) router.Rule {
	logger = logging.NewComponentLogger(logger, "notifications")
	return router.Rule{
		ID:          RuleID,
		Name:        "push terminal workflow events",
		Priority:    10,
		Enabled:     true,
		Passthrough: true,
		Condition: func(env *message.Envelope) bool {
			_, ok := eventFor(env)
			return ok
		},
		Action: func(ctx context.Context, env *message.Envelope) error {
			event, _ := eventFor(env)
			if err := svc.Publish(ctx, event, payloadFor(env)); err != nil {
				logging.WarnWithContext(logger, "notification publish failed", "notification_failed",
					logging.String(logging.FieldWorkflowID, env.WorkflowID),
					logging.String("event", string(event)),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network reachability"),
					logging.String(logging.FieldImpact, "push notification was not delivered"),
				)
			}
			return nil
		},
	}
}

func eventFor(env *message.Envelope) (Event, bool) {
	if env == nil || env.Metadata.RetryCount > 0 {
		return "", false
	}
	switch p := env.Payload.(type) {
	case message.CompletionNotification:
		return EventWorkflowCompleted, true
	case message.WorkflowStatus:
		switch p.Status {
		case "failed":
			return EventWorkflowFailed, true
		case "cancelled":
			return EventWorkflowCancelled, true
		}
	}
	return "", false
}

func payloadFor(env *message.Envelope) Payload {
	payload := Payload{"workflowId": env.WorkflowID, "sessionId": env.SessionID}
	switch p := env.Payload.(type) {
	case message.CompletionNotification:
		payload["durationSeconds"] = p.DurationSeconds
		if title := itineraryTitle(p.Result); title != "" {
			payload["itinerary"] = title
		}
	case message.WorkflowStatus:
		payload["reason"] = p.Reason
	}
	return payload
}

func itineraryTitle(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	out, err := stage.DecodeOutput(stage.Putter, raw)
	if err != nil {
		return ""
	}
	return out.(stage.PutterOutput).Itinerary.Title
}
