// Package workflowstate persists the durable record of each itinerary
// workflow run.
//
// Records live under `<prefix>workflow:<id>` with the workflow TTL. A session
// index (`<prefix>session:<sessionId>`) with its own, longer TTL points at the
// most recent run in a session, and the `<prefix>workflows:active` set tracks
// non-terminal runs so listing and stats never scan the keyspace. Reindex is
// the only operation that falls back to a prefix scan.
//
// Terminal statuses (completed, failed, cancelled) are final. Progress is
// clamped to [0,100] and never decreases.
package workflowstate
