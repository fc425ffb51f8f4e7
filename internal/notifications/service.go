package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wayfarer/internal/config"
	"wayfarer/internal/services"
)

const userAgent = "Wayfarer-Go/0.1.0"

// Event enumerates the workflow milestones that can produce a push.
type Event string

const (
	EventWorkflowCompleted Event = "workflow_completed"
	EventWorkflowFailed    Event = "workflow_failed"
	EventWorkflowCancelled Event = "workflow_cancelled"
	EventTest              Event = "test"
)

// Payload carries the event fields used to render a message.
type Payload map[string]any

// Service publishes workflow events to the configured transport.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventWorkflowCompleted: cfg.Notifications.Completed,
			EventWorkflowFailed:    cfg.Notifications.Failed,
			EventWorkflowCancelled: cfg.Notifications.Cancelled,
			EventTest:              true,
		},
	}
}

type notification struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	data, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func render(event Event, payload Payload) (notification, bool) {
	destination := payloadString(payload, "destination")
	label := destination
	if label == "" {
		label = payloadString(payload, "workflowId")
	}
	switch event {
	case EventWorkflowCompleted:
		message := fmt.Sprintf("✈️ Itinerary ready: %s", label)
		if title := payloadString(payload, "itinerary"); title != "" {
			message = fmt.Sprintf("%s\n%s", message, title)
		}
		if seconds, ok := payload["durationSeconds"].(float64); ok && seconds > 0 {
			message = fmt.Sprintf("%s\nPlanned in %s", message, (time.Duration(seconds * float64(time.Second))).Round(time.Second))
		}
		return notification{
			title:    "Wayfarer - Itinerary Ready",
			message:  message,
			tags:     []string{"wayfarer", "workflow", "completed"},
			priority: "high",
		}, true
	case EventWorkflowFailed:
		var builder strings.Builder
		builder.WriteString("❌ Planning failed")
		if label != "" {
			builder.WriteString(" for ")
			builder.WriteString(label)
		}
		if reason := payloadString(payload, "reason"); reason != "" {
			builder.WriteString(": ")
			builder.WriteString(reason)
		}
		return notification{
			title:    "Wayfarer - Error",
			message:  builder.String(),
			tags:     []string{"wayfarer", "error", "alert"},
			priority: "high",
		}, true
	case EventWorkflowCancelled:
		message := fmt.Sprintf("Planning cancelled: %s", label)
		if reason := payloadString(payload, "reason"); reason != "" {
			message = fmt.Sprintf("%s (%s)", message, reason)
		}
		return notification{
			title:   "Wayfarer - Cancelled",
			message: message,
			tags:    []string{"wayfarer", "workflow", "cancelled"},
		}, true
	case EventTest:
		return notification{
			title:    "Wayfarer - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"wayfarer", "test"},
			priority: "low",
		}, true
	}
	return notification{}, false
}

func payloadString(payload Payload, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	}
	return ""
}

func (n *ntfyService) send(ctx context.Context, data notification) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "notifications", "build request", "", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransport, "notifications", "send", "ntfy request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return services.Wrap(services.ErrTransport, "notifications", "send",
			fmt.Sprintf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
