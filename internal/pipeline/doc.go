// Package pipeline coordinates itinerary runs through the fixed stage
// sequence: architect, gatherer, specialist, putter.
//
// Each run owns one goroutine. Stages execute in order, each invoked under
// a bounded exponential backoff, and every finished stage is persisted as a
// checkpoint before the next begins so a restarted daemon can Resume from
// the last one. Cancellation is a stored status observed between stages;
// an agent result that arrives after cancellation is discarded.
//
// Relay forwards progress tracker events to live clients through the
// router.
package pipeline
