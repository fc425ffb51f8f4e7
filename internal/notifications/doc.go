// Package notifications pushes terminal workflow events to ntfy.
//
// The default implementation publishes to the topic configured under
// [notifications] and degrades to a no-op when no topic is set. Per-event
// toggles suppress individual milestones. RoutingRule hooks the service into
// the router as a passthrough rule so completion and failure envelopes still
// reach live clients.
package notifications
