// Package session owns link reliability primitives shared by the connection
// driver and the poll loop.
//
// Ownership boundary:
// - reconnect backoff scheduling
// - reliability defaults (handshake, read, heartbeat, liveness timeouts)
package session
