// Package stage defines the agent contract for the trip pipeline stages and
// their typed inputs and outputs. A Context accumulates stage outputs so each
// stage sees everything produced before it.
package stage
