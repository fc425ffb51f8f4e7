// Package daemon coordinates the long-running Wayfarer process.
//
// It wires configuration, the state backend, the progress tracker, the
// message router and connection manager, and the pipeline coordinator into a
// single lifecycle with flock-based locking to prevent multiple instances.
// Start brings the pieces up in dependency order and serves the HTTP API;
// Stop tears them down in reverse, leaving interrupted runs processing so the
// next Start resumes them.
//
// Keep orchestration logic here: pipeline semantics live in internal/pipeline
// and transport details in internal/api and internal/connections.
package daemon
