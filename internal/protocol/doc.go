// Package protocol owns the line-oriented wire contract shared by both
// sub-protocols that ride the serial link.
//
// Ownership boundary:
// - frame: checksum envelope codec and size ceiling
// - negotiation: control-plane hello/hello_ack/legacy_fallback and role election
// - tunnel: data-plane command tunnel messages
// - session: reconnect backoff and link reliability defaults
package protocol
