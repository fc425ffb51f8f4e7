package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wayfarer/internal/config"
	"wayfarer/internal/logging"
	"wayfarer/internal/services"
	"wayfarer/internal/stage"
)

const userAgent = "Wayfarer-Go/0.1.0"

// HTTPAgent calls a remote agent service: POST <endpoint> with the stage
// input as JSON, answered by the stage output as JSON.
type HTTPAgent struct {
	stage    stage.Name
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPAgent builds an agent for one stage.
func NewHTTPAgent(name stage.Name, endpoint string, client *http.Client, logger *slog.Logger) *HTTPAgent {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPAgent{
		stage:    name,
		endpoint: strings.TrimSpace(endpoint),
		client:   client,
		logger:   logging.NewComponentLogger(logger, "agent").With(logging.String(logging.FieldStage, string(name))),
	}
}

// NewFromConfig builds one HTTP agent per stage from the [agents] section.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) map[stage.Name]stage.Agent {
	timeout := cfg.Agents.RequestTimeout()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	client := &http.Client{Timeout: timeout}
	out := make(map[stage.Name]stage.Agent, len(stage.Names()))
	for _, name := range stage.Names() {
		out[name] = NewHTTPAgent(name, cfg.Agents.Endpoint(string(name)), client, logger)
	}
	return out
}

// Execute posts in to the agent and decodes its output. Client errors are
// validation failures; server and transport errors are provider failures.
func (a *HTTPAgent) Execute(ctx context.Context, in stage.Input) (stage.Output, error) {
	if a.endpoint == "" {
		return nil, services.Wrap(services.ErrConfiguration, "agent", "execute", fmt.Sprintf("no endpoint configured for %s", a.stage), nil)
	}
	if in == nil || in.Stage() != a.stage {
		return nil, services.Wrap(services.ErrValidation, "agent", "execute", fmt.Sprintf("input does not belong to %s", a.stage), nil)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "agent", "encode input", string(a.stage), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "agent", "build request", a.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-ID", rid)
	}
	if wid, ok := services.WorkflowIDFromContext(ctx); ok {
		req.Header.Set("X-Workflow-ID", wid)
	}

	started := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, services.Wrap(services.ErrProvider, "agent", "call", string(a.stage), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		detail := fmt.Sprintf("%s returned %d: %s", a.stage, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return nil, services.Wrap(services.ErrValidation, "agent", "call", detail, nil)
		}
		return nil, services.Wrap(services.ErrProvider, "agent", "call", detail, nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrProvider, "agent", "read response", string(a.stage), err)
	}
	out, err := stage.DecodeOutput(a.stage, raw)
	if err != nil {
		return nil, services.Wrap(services.ErrProvider, "agent", "decode output", string(a.stage), err)
	}
	a.logger.Debug("agent call finished",
		logging.Duration("duration", time.Since(started)),
		logging.Int("response_bytes", len(raw)),
	)
	return out, nil
}

// HealthCheck reports whether an endpoint is configured.
func (a *HTTPAgent) HealthCheck(context.Context) stage.Health {
	if a.endpoint == "" {
		return stage.Unhealthy(string(a.stage), "agent endpoint not configured")
	}
	return stage.Healthy(string(a.stage))
}
