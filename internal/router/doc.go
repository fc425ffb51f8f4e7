// Package router queues outbound envelopes by priority and fans them out to
// live connections in bounded batches. Envelopes at or above the
// high-priority threshold, or marked immediate, skip the batch window.
// Registered rules may intercept envelopes before default routing by type.
package router
