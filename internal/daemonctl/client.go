package daemonctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wayfarer/internal/api"
	"wayfarer/internal/services"
)

// ErrUnavailable reports that no daemon answered at the configured address.
var ErrUnavailable = errors.New("wayfarer daemon unavailable")

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("daemon returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// Unwrap maps the reply onto the matching services sentinel.
func (e *APIError) Unwrap() error {
	switch services.ErrorKind(e.Kind) {
	case services.ErrorKindValidation:
		return services.ErrValidation
	case services.ErrorKindNotFound:
		return services.ErrNotFound
	case services.ErrorKindConfiguration:
		return services.ErrConfiguration
	case services.ErrorKindTimeout:
		return services.ErrTimeout
	}
	return nil
}

// Client talks to the daemon HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New builds a client for the daemon listening on bind.
func New(bind, token string, timeout time.Duration) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, ErrUnavailable
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: base, token: strings.TrimSpace(token), http: &http.Client{Timeout: timeout}}, nil
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var out api.DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// Plan submits a trip request and returns the accepted workflow.
func (c *Client) Plan(ctx context.Context, req api.CreateWorkflowRequest) (api.Workflow, error) {
	var out api.Workflow
	err := c.do(ctx, http.MethodPost, "/api/workflows", nil, req, &out)
	return out, err
}

// Workflow fetches a workflow, with a partial result snapshot when asked.
func (c *Client) Workflow(ctx context.Context, workflowID string, partial bool) (api.WorkflowDetail, error) {
	var query url.Values
	if partial {
		query = url.Values{"partial": {"true"}}
	}
	var out api.WorkflowDetail
	err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(workflowID), query, nil, &out)
	return out, err
}

// Progress fetches live progress for a workflow.
func (c *Client) Progress(ctx context.Context, workflowID string) (api.Progress, error) {
	var out api.Progress
	err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(workflowID)+"/progress", nil, nil, &out)
	return out, err
}

// Cancel requests cancellation of a workflow.
func (c *Client) Cancel(ctx context.Context, workflowID string) (api.Workflow, error) {
	var out api.Workflow
	err := c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(workflowID)+"/cancel", nil, nil, &out)
	return out, err
}

// Session fetches the current workflow of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (api.Workflow, error) {
	var out api.Workflow
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/workflow", nil, nil, &out)
	return out, err
}

// WebSocketURL returns the live channel endpoint for a session.
func (c *Client) WebSocketURL(sessionID, userID string, topics []string) string {
	u := c.resolve("/api/sessions/"+url.PathEscape(sessionID)+"/ws", nil)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	query := url.Values{}
	if userID != "" {
		query.Set("userId", userID)
	}
	if len(topics) > 0 {
		query.Set("topic", strings.Join(topics, ","))
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// AuthHeader returns the headers that authenticate a WebSocket handshake.
func (c *Client) AuthHeader() http.Header {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	return header
}

// resolve joins an already escaped path onto the base address.
func (c *Client) resolve(escapedPath string, query url.Values) *url.URL {
	ref, err := url.Parse(escapedPath)
	if err != nil {
		ref = &url.URL{Path: escapedPath}
	}
	ref.RawQuery = query.Encode()
	return c.base.ResolveReference(ref)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.resolve(path, query)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if IsUnavailable(err) {
			return fmt.Errorf("%w at %s: %v", ErrUnavailable, c.base.Host, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error, Kind: payload.Kind}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnavailable reports whether err means nothing is listening.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
