// Package api serves the HTTP surface of the daemon and defines its wire
// types.
//
// # Routes
//
// Workflows are started with POST /api/workflows and inspected through
// /api/workflows/:id (optionally ?partial=true for unfinished runs),
// /api/workflows/:id/progress and /api/sessions/:id/workflow. Live updates
// attach through /api/sessions/:id/ws (WebSocket) or /api/sessions/:id/events
// (server-sent events). /api/status, /healthz and the metrics path report on
// the daemon itself.
//
// # Design Notes
//
// DTOs use camelCase JSON tags for JavaScript/TypeScript consumers.
// Timestamps use RFC3339 with milliseconds. Errors map their services marker
// to an HTTP status and are returned as {"error", "kind"}.
package api
