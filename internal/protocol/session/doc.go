// Package session owns hub<->endpoint session transport helpers.
//
// Ownership boundary:
// - forward / resync-request frames sent endpoint->hub
// - notification and resync-ack frames sent hub->endpoint
// - transfer-failed backlog
// - reconnect backoff and session defaults
package session
