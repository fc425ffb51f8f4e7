// Package kv provides the TTL'd key-value storage used for workflow state.
//
// Three backends implement Store: an in-memory map driven by an injectable
// clock, Redis via go-redis, and a SQLite file via modernc.org/sqlite. All
// backends share one contract test so the workflow state layer can treat
// them interchangeably.
package kv
