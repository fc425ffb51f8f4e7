package testsupport

import (
	"path/filepath"
	"testing"

	"wayfarer/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Timings are shortened so loops and retries finish quickly under test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "workflows.db")
	cfgVal.Pipeline.BackoffInitialMS = 1
	cfgVal.Pipeline.BackoffMaxMS = 5
	cfgVal.Router.BatchTimeoutMS = 10
	cfgVal.Router.TickIntervalMS = 5
	cfgVal.Router.RetryDelayMS = 5
	cfgVal.Agents.BaseURL = "http://127.0.0.1:0"
	cfgVal.Metrics.Enabled = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithStoreBackend selects the workflow state backend.
func WithStoreBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.Backend = backend
	}
}

// WithAgentBaseURL points every stage at the given agent service.
func WithAgentBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Agents.BaseURL = url
	}
}

// WithPipelineTimeout overrides the overall run timeout.
func WithPipelineTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.TimeoutSeconds = seconds
	}
}

// WithNtfyTopic enables ntfy notifications against the given topic URL.
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
