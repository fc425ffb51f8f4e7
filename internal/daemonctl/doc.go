// Package daemonctl is the HTTP client the CLI uses to talk to a running
// wayfarer daemon.
package daemonctl
