package negotiation

import (
	"fmt"
	"strings"

	"github.com/danmuck/lifelinetty/internal/protocol"
)

// ProtocolVersion is announced in every hello frame.
const ProtocolVersion uint8 = 1

// Role is the part a peer plays once negotiation completes.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Opposite maps server to client and back. Unknown stays unknown.
func (r Role) Opposite() Role {
	switch r {
	case RoleServer:
		return RoleClient
	case RoleClient:
		return RoleServer
	default:
		return RoleUnknown
	}
}

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "server":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	case "unknown":
		return RoleUnknown, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: role %q, expected server|client", protocol.ErrInvalidValue, raw)
	}
}

// RolePreference nudges the election when both sides negotiate.
type RolePreference uint8

const (
	NoPreference RolePreference = iota
	PreferServer
	PreferClient
)

func (p RolePreference) String() string {
	switch p {
	case PreferServer:
		return "prefer_server"
	case PreferClient:
		return "prefer_client"
	default:
		return "no_preference"
	}
}

// Rank orders preferences for the election: prefer_server > no_preference > prefer_client.
func (p RolePreference) Rank() uint8 {
	switch p {
	case PreferServer:
		return 2
	case PreferClient:
		return 0
	default:
		return 1
	}
}

func ParsePreference(raw string) (RolePreference, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prefer_server":
		return PreferServer, nil
	case "prefer_client":
		return PreferClient, nil
	case "no_preference", "none":
		return NoPreference, nil
	default:
		return NoPreference, fmt.Errorf("%w: preference %q", protocol.ErrInvalidValue, raw)
	}
}

// Capability bits carried in caps.bits.
const (
	CapHandshakeV1   uint32 = 0x01
	CapCmdTunnelV1   uint32 = 0x02
	CapLCDV2         uint32 = 0x04
	CapHeartbeatV1   uint32 = 0x08
	CapCompressionV1 uint32 = 0x10
)

// Capabilities is the decoded capability set. The handshake bit is implied.
type Capabilities struct {
	Tunnel      bool
	Compression bool
	Heartbeat   bool
}

// DefaultCapabilities is what this build advertises.
func DefaultCapabilities() Capabilities {
	return Capabilities{Tunnel: true, Heartbeat: true}
}

// Bits always includes CapHandshakeV1.
func (c Capabilities) Bits() uint32 {
	bits := CapHandshakeV1
	if c.Tunnel {
		bits |= CapCmdTunnelV1
	}
	if c.Compression {
		bits |= CapCompressionV1
	}
	if c.Heartbeat {
		bits |= CapHeartbeatV1
	}
	return bits
}

func CapabilitiesFromBits(bits uint32) Capabilities {
	return Capabilities{
		Tunnel:      bits&CapCmdTunnelV1 != 0,
		Compression: bits&CapCompressionV1 != 0,
		Heartbeat:   bits&CapHeartbeatV1 != 0,
	}
}

// Shared reports the capabilities both sides advertise.
func (c Capabilities) Shared(peer Capabilities) Capabilities {
	return Capabilities{
		Tunnel:      c.Tunnel && peer.Tunnel,
		Compression: c.Compression && peer.Compression,
		Heartbeat:   c.Heartbeat && peer.Heartbeat,
	}
}
