// Package config loads, normalizes, and validates Wayfarer configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// WAYFARER_REDIS_URL and WAYFARER_AGENT_BASE_URL. The Config type centralizes
// every knob the daemon and CLI need: the workflow state backend, progress
// weights and thresholds, router batching, connection heartbeats, and the
// pipeline retry policy.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, typed durations, and clear
// validation errors.
package config
