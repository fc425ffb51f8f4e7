// Package connections tracks live client channels per session. It fans
// envelopes out over WebSocket and server-sent event transports, answers the
// client protocol (subscribe, heartbeat, ping) and evicts connections that
// stop heartbeating or whose channel has closed.
package connections
