// Package agents provides stage.Agent implementations backed by remote agent
// services reached over HTTP.
package agents
