package notifications_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wayfarer/internal/config"
	"wayfarer/internal/logging"
	"wayfarer/internal/message"
	"wayfarer/internal/notifications"
	"wayfarer/internal/stage"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventWorkflowCompleted, notifications.Payload{"workflowId": "wf-1"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

func newCaptureServer(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "completed",
			event: notifications.EventWorkflowCompleted,
			payload: notifications.Payload{
				"destination":     "Lisbon",
				"itinerary":       "Lisbon weekend",
				"durationSeconds": 95.4,
			},
			expectTitle:    "Wayfarer - Itinerary Ready",
			expectMessage:  "✈️ Itinerary ready: Lisbon\nLisbon weekend\nPlanned in 1m35s",
			expectTags:     "wayfarer,workflow,completed",
			expectPriority: "high",
		},
		{
			name:  "failed",
			event: notifications.EventWorkflowFailed,
			payload: notifications.Payload{
				"workflowId": "wf-7",
				"reason":     "timeout: pipeline timeout exceeded",
			},
			expectTitle:    "Wayfarer - Error",
			expectMessage:  "❌ Planning failed for wf-7: timeout: pipeline timeout exceeded",
			expectTags:     "wayfarer,error,alert",
			expectPriority: "high",
		},
		{
			name:          "cancelled",
			event:         notifications.EventWorkflowCancelled,
			payload:       notifications.Payload{"workflowId": "wf-8", "reason": "cancelled by request"},
			expectTitle:   "Wayfarer - Cancelled",
			expectMessage: "Planning cancelled: wf-8 (cancelled by request)",
			expectTags:    "wayfarer,workflow,cancelled",
		},
		{
			name:           "test",
			event:          notifications.EventTest,
			expectTitle:    "Wayfarer - Test",
			expectMessage:  "🧪 Notification system test",
			expectTags:     "wayfarer,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server, got := newCaptureServer(t)
			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5
			cfg.Notifications.Cancelled = true

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			requests := got()
			if len(requests) != 1 {
				t.Fatalf("expected one request, got %d", len(requests))
			}
			c := requests[0]
			if c.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, c.title)
			}
			if c.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, c.body)
			}
			if c.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, c.tags)
			}
			if c.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, c.priority)
			}
		})
	}
}

func TestNtfyServiceHonoursEventToggles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for suppressed event: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Completed = false
	cfg.Notifications.Cancelled = false

	svc := notifications.NewService(&cfg)
	for _, event := range []notifications.Event{notifications.EventWorkflowCompleted, notifications.EventWorkflowCancelled, "unknown"} {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"workflowId": "ignored"}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestNtfyServiceReportsUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic locked", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestRoutingRuleMatchesTerminalEnvelopes(t *testing.T) {
	server, got := newCaptureServer(t)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Completed = true
	cfg.Notifications.Failed = true
	rule := notifications.RoutingRule(notifications.NewService(&cfg), logging.NewNop())

	if !rule.Passthrough || !rule.Enabled {
		t.Fatalf("rule must be an enabled passthrough, got %+v", rule)
	}

	result, _ := json.Marshal(stage.PutterOutput{Itinerary: stage.Itinerary{Title: "Kyoto in spring"}})
	opts := message.Options{SessionID: "sess-1", WorkflowID: "wf-1"}
	now := time.Now()
	completion := message.New(message.CompletionNotification{WorkflowID: "wf-1", Result: result, DurationSeconds: 60}, opts, now, 0)
	failed := message.New(message.WorkflowStatus{WorkflowID: "wf-1", Status: "failed", Reason: "agent down"}, opts, now, 0)
	processing := message.New(message.WorkflowStatus{WorkflowID: "wf-1", Status: "processing"}, opts, now, 0)
	update := message.New(message.ProgressUpdate{WorkflowID: "wf-1", Progress: 40}, opts, now, 0)
	retried := completion.Clone()
	retried.Metadata.RetryCount = 1

	for _, env := range []*message.Envelope{completion, failed} {
		if !rule.Condition(env) {
			t.Fatalf("expected rule to match %s", env.Type)
		}
		if err := rule.Action(context.Background(), env); err != nil {
			t.Fatalf("action: %v", err)
		}
	}
	for _, env := range []*message.Envelope{processing, update, retried} {
		if rule.Condition(env) {
			t.Fatalf("rule should not match %s (retry %d)", env.Type, env.Metadata.RetryCount)
		}
	}

	requests := got()
	if len(requests) != 2 {
		t.Fatalf("expected two pushes, got %d", len(requests))
	}
	if requests[0].body != "✈️ Itinerary ready: wf-1\nKyoto in spring\nPlanned in 1m0s" {
		t.Fatalf("unexpected completion body %q", requests[0].body)
	}
	if requests[1].title != "Wayfarer - Error" {
		t.Fatalf("unexpected failure title %q", requests[1].title)
	}
}
