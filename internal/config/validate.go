package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateTracker(); err != nil {
		return err
	}
	if err := c.validateRouter(); err != nil {
		return err
	}
	if err := c.validateConnections(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url must be set when store.backend is redis (or export WAYFARER_REDIS_URL)")
		}
	default:
		return fmt.Errorf("store.backend: unsupported value %q (expected memory, redis, or sqlite)", c.Store.Backend)
	}
	if err := ensurePositiveMap(map[string]int{
		"store.workflow_ttl_hours":        c.Store.WorkflowTTLHours,
		"store.session_ttl_hours":         c.Store.SessionTTLHours,
		"store.cleanup_interval_seconds":  c.Store.CleanupIntervalSecs,
		"store.operation_timeout_seconds": c.Store.OperationTimeoutSecs,
	}); err != nil {
		return err
	}
	if c.Store.SessionTTLHours < c.Store.WorkflowTTLHours {
		return errors.New("store.session_ttl_hours must be at least store.workflow_ttl_hours")
	}
	return nil
}

func (c *Config) validateTracker() error {
	total := 0
	for name, weight := range c.Tracker.Weights {
		if weight < 0 {
			return fmt.Errorf("tracker.weights.%s must not be negative", name)
		}
		total += weight
	}
	if total != 100 {
		return fmt.Errorf("tracker.weights must sum to 100 (got %d)", total)
	}
	for _, threshold := range c.Tracker.Thresholds {
		if threshold <= 0 || threshold > 100 {
			return fmt.Errorf("tracker.thresholds: %d is outside (0, 100]", threshold)
		}
	}
	if err := ensurePositiveMap(map[string]int{
		"tracker.update_interval_seconds":      c.Tracker.UpdateIntervalSecs,
		"tracker.stale_threshold_seconds":      c.Tracker.StaleThresholdSecs,
		"tracker.stale_check_interval_seconds": c.Tracker.StaleCheckIntervalSec,
		"tracker.history_size":                 c.Tracker.HistorySize,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRouter() error {
	if err := ensurePositiveMap(map[string]int{
		"router.batch_size":           c.Router.BatchSize,
		"router.batch_timeout_ms":     c.Router.BatchTimeoutMS,
		"router.tick_interval_ms":     c.Router.TickIntervalMS,
		"router.envelope_ttl_seconds": c.Router.EnvelopeTTLSeconds,
		"router.delivery_concurrency": c.Router.DeliveryConcurrency,
	}); err != nil {
		return err
	}
	if c.Router.MaxRetries < 0 {
		return errors.New("router.max_retries must not be negative")
	}
	if c.Router.RetryDelayMS < 0 {
		return errors.New("router.retry_delay_ms must not be negative")
	}
	return nil
}

func (c *Config) validateConnections() error {
	if err := ensurePositiveMap(map[string]int{
		"connections.heartbeat_interval_seconds": c.Connections.HeartbeatIntervalSecs,
		"connections.heartbeat_timeout_seconds":  c.Connections.HeartbeatTimeoutSecs,
		"connections.cleanup_interval_seconds":   c.Connections.CleanupIntervalSecs,
		"connections.write_timeout_seconds":      c.Connections.WriteTimeoutSecs,
		"connections.send_buffer":                c.Connections.SendBuffer,
		"connections.sse_keepalive_seconds":      c.Connections.SSEKeepaliveSecs,
	}); err != nil {
		return err
	}
	if c.Connections.HeartbeatTimeoutSecs <= c.Connections.HeartbeatIntervalSecs {
		return errors.New("connections.heartbeat_timeout_seconds must be greater than connections.heartbeat_interval_seconds")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.max_attempts":       c.Pipeline.MaxAttempts,
		"pipeline.backoff_initial_ms": c.Pipeline.BackoffInitialMS,
		"pipeline.backoff_max_ms":     c.Pipeline.BackoffMaxMS,
		"pipeline.timeout_seconds":    c.Pipeline.TimeoutSeconds,
		"agents.request_timeout":      c.Agents.RequestTimeoutSecs,
	}); err != nil {
		return err
	}
	if c.Pipeline.BackoffMaxMS < c.Pipeline.BackoffInitialMS {
		return errors.New("pipeline.backoff_max_ms must be at least pipeline.backoff_initial_ms")
	}
	if c.Pipeline.BackoffMultiplier < 1 {
		return errors.New("pipeline.backoff_multiplier must be at least 1")
	}
	if c.Pipeline.BackoffJitter < 0 || c.Pipeline.BackoffJitter > 1 {
		return errors.New("pipeline.backoff_jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
