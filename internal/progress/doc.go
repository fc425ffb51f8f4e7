// Package progress tracks weighted, monotonic progress for running
// workflows and publishes typed events on an in-process bus.
//
// Overall progress is the sum of completed stage weights plus the current
// stage's local progress scaled by its weight. Each configured threshold is
// announced once per run. Every tracked run owns two clock-driven loops: a
// periodic ETA refresher and a staleness checker. Both stop when tracking
// ends. Finished runs keep their final snapshot in a bounded LRU.
package progress
