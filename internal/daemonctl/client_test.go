package daemonctl_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wayfarer/internal/api"
	"wayfarer/internal/daemonctl"
	"wayfarer/internal/services"
	"wayfarer/internal/stage"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	var gotBody api.CreateWorkflowRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		switch r.URL.Path {
		case "/api/workflows":
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.Workflow{WorkflowID: "wf-1", SessionID: gotBody.SessionID, Status: "pending"})
		case "/api/workflows/wf-1":
			_ = json.NewEncoder(w).Encode(api.WorkflowDetail{Workflow: api.Workflow{WorkflowID: "wf-1", Status: "processing", Progress: 25}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := daemonctl.New(strings.TrimPrefix(srv.URL, "http://"), "secret", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wf, err := client.Plan(context.Background(), api.CreateWorkflowRequest{
		SessionID: "sess-1",
		Trip:      stage.TripRequest{Destination: "Porto"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if wf.WorkflowID != "wf-1" || gotBody.Trip.Destination != "Porto" {
		t.Fatalf("unexpected plan round trip: %+v / %+v", wf, gotBody)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("authorization header = %q", gotAuth)
	}

	detail, err := client.Workflow(context.Background(), "wf-1", true)
	if err != nil {
		t.Fatalf("Workflow: %v", err)
	}
	if detail.Progress != 25 || gotPath != "/api/workflows/wf-1" || gotQuery != "partial=true" {
		t.Fatalf("unexpected workflow call path=%q query=%q detail=%+v", gotPath, gotQuery, detail)
	}
}

func TestClientMapsErrorReplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "workflow wf-x not found", Kind: "not_found"})
	}))
	defer srv.Close()

	client, err := daemonctl.New(srv.URL, "", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.Progress(context.Background(), "wf-x")
	var apiErr *daemonctl.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found sentinel, got %v", err)
	}
}

func TestClientReportsUnavailableDaemon(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client, err := daemonctl.New(addr, "", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.Status(context.Background())
	if !daemonctl.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestWebSocketURL(t *testing.T) {
	client, err := daemonctl.New("127.0.0.1:7610", "tok", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := client.WebSocketURL("sess 1", "u-1", []string{"agents", "workflow"})
	want := "ws://127.0.0.1:7610/api/sessions/sess%201/ws?topic=agents%2Cworkflow&userId=u-1"
	if got != want {
		t.Fatalf("WebSocketURL = %q, want %q", got, want)
	}
	if client.AuthHeader().Get("Authorization") != "Bearer tok" {
		t.Fatal("expected bearer header")
	}
}
