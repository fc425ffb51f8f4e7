package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeTracker()
	c.normalizeAgents()
	c.normalizeNotifications()
	c.normalizeLogging()
	c.normalizeMetrics()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("WAYFARER_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
	c.Store.RedisURL = strings.TrimSpace(c.Store.RedisURL)
	if c.Store.RedisURL == "" {
		if value, ok := os.LookupEnv("WAYFARER_REDIS_URL"); ok {
			c.Store.RedisURL = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.DataDir, "workflows.db")
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	if strings.TrimSpace(c.Store.KeyPrefix) == "" {
		c.Store.KeyPrefix = defaultKeyPrefix
	}
	return nil
}

func (c *Config) normalizeTracker() {
	if len(c.Tracker.Weights) == 0 {
		c.Tracker.Weights = DefaultStageWeights()
	} else {
		weights := make(map[string]int, len(c.Tracker.Weights))
		for name, weight := range c.Tracker.Weights {
			weights[strings.ToLower(strings.TrimSpace(name))] = weight
		}
		c.Tracker.Weights = weights
	}
	if len(c.Tracker.Thresholds) == 0 {
		c.Tracker.Thresholds = DefaultThresholds()
		return
	}
	seen := make(map[int]struct{}, len(c.Tracker.Thresholds))
	thresholds := make([]int, 0, len(c.Tracker.Thresholds))
	for _, value := range c.Tracker.Thresholds {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		thresholds = append(thresholds, value)
	}
	sort.Ints(thresholds)
	c.Tracker.Thresholds = thresholds
}

func (c *Config) normalizeAgents() {
	c.Agents.BaseURL = strings.TrimSpace(c.Agents.BaseURL)
	if c.Agents.BaseURL == "" {
		if value, ok := os.LookupEnv("WAYFARER_AGENT_BASE_URL"); ok {
			c.Agents.BaseURL = strings.TrimSpace(value)
		}
	}
	if len(c.Agents.Endpoints) > 0 {
		endpoints := make(map[string]string, len(c.Agents.Endpoints))
		for name, url := range c.Agents.Endpoints {
			endpoints[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(url)
		}
		c.Agents.Endpoints = endpoints
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("WAYFARER_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeMetrics() {
	c.Metrics.Path = strings.TrimSpace(c.Metrics.Path)
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = "/" + c.Metrics.Path
	}
}
