package negotiation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/lifelinetty/internal/protocol/frame"
	"github.com/danmuck/lifelinetty/internal/serial"
	"github.com/rs/zerolog/log"
)

// Result is the outcome of one handshake. Fallback results always carry
// RoleServer locally with no known peer capabilities.
type Result struct {
	Role          Role
	PeerRole      Role
	PeerCaps      Capabilities
	PeerCapsKnown bool
	// Pending is a non-control line read during the handshake that the
	// caller must process as ordinary traffic.
	Pending  string
	Fallback bool
	Warnings []string
}

func fallbackResult(warnings []string) Result {
	return Result{Role: RoleServer, PeerRole: RoleUnknown, Fallback: true, Warnings: warnings}
}

// Negotiate sends our hello and waits for the peer to resolve roles before
// the handshake timeout. It never fails: every error path degrades to a
// fallback result.
func (n *Negotiator) Negotiate(ctx context.Context, io serial.LineIO, nlog *Log) Result {
	now := n.clock()
	var warnings []string

	hello, err := EncodeControl(n.Hello())
	if err == nil {
		err = io.WriteLine(string(hello))
	}
	if err != nil {
		log.Warn().Err(err).Msg("negotiation: failed to write hello frame")
		nlog.Record("hello write failed: %v", err)
		return fallbackResult(warnings)
	}
	nlog.Record("hello sent node_id=%d pref=%s caps=%#x", n.cfg.NodeID, n.cfg.Preference, n.caps.Bits())

	deadline := now().Add(n.cfg.HandshakeTimeout)
	for now().Before(deadline) {
		if ctx.Err() != nil {
			nlog.Record("cancelled: %v", ctx.Err())
			return fallbackResult(warnings)
		}
		line, err := io.ReadLine()
		if err != nil {
			log.Warn().Err(err).Msg("negotiation: read failed")
			nlog.Record("read failed: %v", err)
			return fallbackResult(warnings)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		f, err := DecodeControl([]byte(trimmed))
		if err != nil {
			if errors.Is(err, frame.ErrChecksumMismatch) || errors.Is(err, frame.ErrFrameTooLarge) {
				log.Debug().Err(err).Msg("negotiation: dropped corrupt frame")
				nlog.Record("dropped corrupt frame: %v", err)
				continue
			}
			log.Info().Msg("negotiation: peer sent non-control traffic; falling back")
			nlog.Record("non-control line, fallback with pending frame")
			res := fallbackResult(warnings)
			res.Pending = trimmed
			return res
		}

		switch f.Kind {
		case KindHello:
			remote, perr := RemoteHelloFromParts(f.NodeID, f.Pref, f.Caps)
			if perr != nil {
				log.Warn().Err(perr).Uint32("node_id", f.NodeID).Msg("negotiation: invalid peer preference")
				warnings = append(warnings, perr.Error())
			}
			decision := n.DecideRoles(remote)
			nlog.Record("peer hello node_id=%d pref=%s proto=%d -> local=%s remote=%s",
				remote.NodeID, remote.Preference, f.ProtoVersion, decision.Local, decision.Remote)
			ack, err := EncodeControl(HelloAckFrame(decision.Remote, n.caps))
			if err == nil {
				err = io.WriteLine(string(ack))
			}
			if err != nil {
				log.Warn().Err(err).Msg("negotiation: failed to write hello_ack")
				nlog.Record("hello_ack write failed: %v", err)
			}
		case KindHelloAck:
			role, rerr := ParseRole(f.ChosenRole)
			if rerr != nil {
				log.Warn().Err(rerr).Msg("negotiation: invalid chosen role; assuming server")
				warnings = append(warnings, rerr.Error())
				role = RoleServer
			}
			log.Info().Str("role", role.String()).Msg("negotiation: received hello_ack")
			nlog.Record("hello_ack role=%s peer_caps=%#x", role, f.PeerCaps)
			return Result{
				Role:          role,
				PeerRole:      role.Opposite(),
				PeerCaps:      CapabilitiesFromBits(f.PeerCaps),
				PeerCapsKnown: true,
				Warnings:      warnings,
			}
		case KindLegacyFallback:
			log.Info().Msg("negotiation: peer requested legacy fallback")
			nlog.Record("peer requested legacy fallback")
			return fallbackResult(warnings)
		}
	}

	if raw, err := EncodeControl(LegacyFallbackFrame()); err == nil {
		if err := io.WriteLine(string(raw)); err != nil {
			log.Debug().Err(err).Msg("negotiation: legacy_fallback write failed")
		}
	}
	log.Info().Dur("timeout", n.cfg.HandshakeTimeout).Msg("negotiation: timed out; falling back")
	nlog.Record("timeout after %s", n.cfg.HandshakeTimeout)
	return fallbackResult(warnings)
}

func (n *Negotiator) clock() func() time.Time {
	if n.now != nil {
		return n.now
	}
	return time.Now
}
