package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Store selects and tunes the workflow state backend.
type Store struct {
	Backend              string `toml:"backend"`
	RedisURL             string `toml:"redis_url"`
	SQLitePath           string `toml:"sqlite_path"`
	KeyPrefix            string `toml:"key_prefix"`
	WorkflowTTLHours     int    `toml:"workflow_ttl_hours"`
	SessionTTLHours      int    `toml:"session_ttl_hours"`
	CleanupIntervalSecs  int    `toml:"cleanup_interval_seconds"`
	ReindexOnStart       bool   `toml:"reindex_on_start"`
	OperationTimeoutSecs int    `toml:"operation_timeout_seconds"`
}

// Tracker contains progress computation settings.
type Tracker struct {
	Weights               map[string]int `toml:"weights"`
	Thresholds            []int          `toml:"thresholds"`
	UpdateIntervalSecs    int            `toml:"update_interval_seconds"`
	StaleThresholdSecs    int            `toml:"stale_threshold_seconds"`
	StaleCheckIntervalSec int            `toml:"stale_check_interval_seconds"`
	HistorySize           int            `toml:"history_size"`
}

// Router contains message routing and batching settings.
type Router struct {
	BatchSize             int `toml:"batch_size"`
	BatchTimeoutMS        int `toml:"batch_timeout_ms"`
	TickIntervalMS        int `toml:"tick_interval_ms"`
	HighPriorityThreshold int `toml:"high_priority_threshold"`
	MaxRetries            int `toml:"max_retries"`
	RetryDelayMS          int `toml:"retry_delay_ms"`
	EnvelopeTTLSeconds    int `toml:"envelope_ttl_seconds"`
	DeliveryConcurrency   int `toml:"delivery_concurrency"`
}

// Connections contains live channel liveness settings.
type Connections struct {
	HeartbeatIntervalSecs int `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSecs  int `toml:"heartbeat_timeout_seconds"`
	CleanupIntervalSecs   int `toml:"cleanup_interval_seconds"`
	WriteTimeoutSecs      int `toml:"write_timeout_seconds"`
	SendBuffer            int `toml:"send_buffer"`
	SSEKeepaliveSecs      int `toml:"sse_keepalive_seconds"`
}

// Pipeline contains coordinator retry and timeout settings.
type Pipeline struct {
	MaxAttempts       int     `toml:"max_attempts"`
	BackoffInitialMS  int     `toml:"backoff_initial_ms"`
	BackoffMaxMS      int     `toml:"backoff_max_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     float64 `toml:"backoff_jitter"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

// Agents contains the remote agent service endpoints.
type Agents struct {
	BaseURL            string            `toml:"base_url"`
	Endpoints          map[string]string `toml:"endpoints"`
	RequestTimeoutSecs int               `toml:"request_timeout_seconds"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
	Cancelled      bool   `toml:"cancelled"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config encapsulates all configuration values for Wayfarer.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories and API bind address
//   - Store: workflow state backend (memory, redis, sqlite) and TTLs
//   - Tracker: stage weights, progress thresholds, staleness detection
//   - Router: priority batching, retries, envelope TTL
//   - Connections: heartbeat timeout and sweep intervals
//   - Pipeline: stage retry policy and overall run timeout
//   - Agents: remote agent service endpoints
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
//   - Metrics: Prometheus exposition
type Config struct {
	Paths         Paths         `toml:"paths"`
	Store         Store         `toml:"store"`
	Tracker       Tracker       `toml:"tracker"`
	Router        Router        `toml:"router"`
	Connections   Connections   `toml:"connections"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Agents        Agents        `toml:"agents"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Metrics       Metrics       `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/wayfarer/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err == nil && !info.IsDir() {
			return expanded, true, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, false, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("wayfarer.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the single-instance daemon lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "wayfarer.lock")
}

// WorkflowTTL returns how long workflow records live after their last write.
func (s Store) WorkflowTTL() time.Duration {
	return time.Duration(s.WorkflowTTLHours) * time.Hour
}

// SessionTTL returns how long session index entries live after their last write.
func (s Store) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLHours) * time.Hour
}

func (s Store) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSecs) * time.Second
}

func (s Store) OperationTimeout() time.Duration {
	return time.Duration(s.OperationTimeoutSecs) * time.Second
}

func (t Tracker) UpdateInterval() time.Duration {
	return time.Duration(t.UpdateIntervalSecs) * time.Second
}

func (t Tracker) StaleThreshold() time.Duration {
	return time.Duration(t.StaleThresholdSecs) * time.Second
}

func (t Tracker) StaleCheckInterval() time.Duration {
	return time.Duration(t.StaleCheckIntervalSec) * time.Second
}

func (r Router) BatchTimeout() time.Duration {
	return time.Duration(r.BatchTimeoutMS) * time.Millisecond
}

func (r Router) TickInterval() time.Duration {
	return time.Duration(r.TickIntervalMS) * time.Millisecond
}

func (r Router) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMS) * time.Millisecond
}

func (r Router) EnvelopeTTL() time.Duration {
	return time.Duration(r.EnvelopeTTLSeconds) * time.Second
}

func (c Connections) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

func (c Connections) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSecs) * time.Second
}

func (c Connections) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSecs) * time.Second
}

func (c Connections) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSecs) * time.Second
}

func (c Connections) SSEKeepalive() time.Duration {
	return time.Duration(c.SSEKeepaliveSecs) * time.Second
}

func (p Pipeline) BackoffInitial() time.Duration {
	return time.Duration(p.BackoffInitialMS) * time.Millisecond
}

func (p Pipeline) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxMS) * time.Millisecond
}

func (p Pipeline) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (a Agents) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSecs) * time.Second
}

// Endpoint resolves the agent URL for a stage. Explicit endpoints win over
// base_url joined with the stage name.
func (a Agents) Endpoint(stageName string) string {
	if url := strings.TrimSpace(a.Endpoints[stageName]); url != "" {
		return url
	}
	base := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/" + stageName
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
