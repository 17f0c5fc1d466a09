// Package link drives the serial connection lifecycle: open, negotiate, and
// the poll loop that multiplexes tunnel and payload traffic on one line.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/lifelinetty/internal/cachedir"
	"github.com/danmuck/lifelinetty/internal/observability"
	"github.com/danmuck/lifelinetty/internal/protocol/negotiation"
	"github.com/danmuck/lifelinetty/internal/serial"
	"github.com/rs/zerolog/log"
)

// ConnectConfig is read fresh for every attempt.
type ConnectConfig struct {
	Device       string
	Serial       serial.Options
	Negotiation  negotiation.Config
	Capabilities negotiation.Capabilities
	CacheDir     string
}

// Connection is an open port with its negotiated outcome.
type Connection struct {
	Port        serial.Port
	Negotiation negotiation.Result
	LocalCaps   negotiation.Capabilities
}

// Close releases the port.
func (c *Connection) Close() error {
	if c == nil || c.Port == nil {
		return nil
	}
	return c.Port.Close()
}

// HeartbeatShared reports whether both peers advertised heartbeat support.
func (c *Connection) HeartbeatShared() bool {
	return c.Negotiation.PeerCapsKnown && c.LocalCaps.Shared(c.Negotiation.PeerCaps).Heartbeat
}

// ConnectError is a classified connect failure suitable for backoff decisions.
type ConnectError struct {
	Device string
	Kind   serial.ErrorKind
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("link: connect %s (%s): %v", e.Device, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Hint() string {
	return serial.Hint(e.Kind)
}

// Connect opens the device and runs the handshake under its deadline.
// Handshake problems never fail the attempt; they degrade to fallback.
func Connect(ctx context.Context, open serial.Opener, cfg ConnectConfig) (*Connection, error) {
	port, err := open(cfg.Device, cfg.Serial)
	if err != nil {
		kind := serial.Classify(err)
		var openErr *serial.OpenError
		if errors.As(err, &openErr) {
			kind = openErr.Kind
		}
		cerr := &ConnectError{Device: cfg.Device, Kind: kind, Err: err}
		observability.RecordConnect(string(cerr.Kind))
		return nil, cerr
	}
	observability.RecordConnect("connected")
	log.Info().Str("device", cfg.Device).Int("baud", cfg.Serial.Baud).Msg("serial connected")

	nlog, err := negotiation.OpenLog(cachedir.Sub(cfg.CacheDir))
	if err != nil {
		log.Debug().Err(err).Msg("negotiation log unavailable")
		nlog = negotiation.DisabledLog()
	}
	defer nlog.Close()

	res := negotiation.NewNegotiator(cfg.Negotiation, cfg.Capabilities).Negotiate(ctx, port, nlog)
	observability.RecordNegotiation(res.Role.String(), res.Fallback)
	event := log.Info().Str("role", res.Role.String()).Bool("fallback", res.Fallback)
	if res.PeerCapsKnown {
		event = event.Uint32("peer_caps", res.PeerCaps.Bits())
	}
	if res.Fallback {
		event.Msg("negotiation: falling back to legacy mode")
	} else {
		event.Msg("negotiation: role decided")
	}

	return &Connection{Port: port, Negotiation: res, LocalCaps: cfg.Capabilities}, nil
}
