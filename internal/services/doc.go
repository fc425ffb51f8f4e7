// Package services defines shared utilities consumed by the pipeline,
// router, and connection layers.
//
// Key responsibilities:
//   - Context helpers that stamp workflow IDs, session IDs, stage names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified (retryable provider errors vs non-retryable validation
//     errors) without string matching.
//
// Use these helpers when wiring new components so operational behaviour
// (error handling, observability, retries) stays uniform across the system.
package services
