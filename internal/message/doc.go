// Package message defines the envelope model shared by the router and the
// connection manager: message types with their default priorities, routing
// targets, the tagged-union payloads, and the JSON wire codec used on live
// channels.
package message
