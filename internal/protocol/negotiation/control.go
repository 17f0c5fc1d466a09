package negotiation

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/lifelinetty/internal/protocol"
	"github.com/danmuck/lifelinetty/internal/protocol/frame"
)

// FrameKind tags a control-plane frame.
type FrameKind string

const (
	KindHello          FrameKind = "hello"
	KindHelloAck       FrameKind = "hello_ack"
	KindLegacyFallback FrameKind = "legacy_fallback"
)

// ControlFrame is one negotiation message. Which fields are meaningful
// depends on Kind.
type ControlFrame struct {
	Kind FrameKind

	// hello
	ProtoVersion uint8
	NodeID       uint32
	Caps         uint32
	Pref         string

	// hello_ack
	ChosenRole string
	PeerCaps   uint32
}

func HelloFrame(nodeID uint32, caps Capabilities, pref RolePreference) ControlFrame {
	return ControlFrame{
		Kind:         KindHello,
		ProtoVersion: ProtocolVersion,
		NodeID:       nodeID,
		Caps:         caps.Bits(),
		Pref:         pref.String(),
	}
}

func HelloAckFrame(chosen Role, caps Capabilities) ControlFrame {
	return ControlFrame{Kind: KindHelloAck, ChosenRole: chosen.String(), PeerCaps: caps.Bits()}
}

func LegacyFallbackFrame() ControlFrame {
	return ControlFrame{Kind: KindLegacyFallback}
}

type capsWire struct {
	Bits *uint32 `json:"bits"`
}

type helloWire struct {
	Type         FrameKind `json:"type"`
	ProtoVersion *uint8    `json:"proto_version"`
	NodeID       *uint32   `json:"node_id"`
	Caps         *capsWire `json:"caps"`
	Pref         *string   `json:"pref"`
}

type helloAckWire struct {
	Type       FrameKind `json:"type"`
	ChosenRole *string   `json:"chosen_role"`
	PeerCaps   *capsWire `json:"peer_caps"`
}

type controlTag struct {
	Type *FrameKind `json:"type"`
}

func (f ControlFrame) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case KindHello:
		return frame.Marshal(helloWire{
			Type:         f.Kind,
			ProtoVersion: &f.ProtoVersion,
			NodeID:       &f.NodeID,
			Caps:         &capsWire{Bits: &f.Caps},
			Pref:         &f.Pref,
		})
	case KindHelloAck:
		return frame.Marshal(helloAckWire{
			Type:       f.Kind,
			ChosenRole: &f.ChosenRole,
			PeerCaps:   &capsWire{Bits: &f.PeerCaps},
		})
	case KindLegacyFallback:
		return frame.Marshal(struct {
			Type FrameKind `json:"type"`
		}{Type: f.Kind})
	default:
		return nil, fmt.Errorf("%w: control %q", protocol.ErrUnknownMessageType, f.Kind)
	}
}

func (f *ControlFrame) UnmarshalJSON(data []byte) error {
	var tag controlTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Type == nil {
		return fmt.Errorf("%w: type", protocol.ErrMissingField)
	}
	switch *tag.Type {
	case KindHello:
		var wire helloWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		switch {
		case wire.ProtoVersion == nil:
			return fmt.Errorf("%w: hello.proto_version", protocol.ErrMissingField)
		case wire.NodeID == nil:
			return fmt.Errorf("%w: hello.node_id", protocol.ErrMissingField)
		case wire.Caps == nil || wire.Caps.Bits == nil:
			return fmt.Errorf("%w: hello.caps.bits", protocol.ErrMissingField)
		case wire.Pref == nil:
			return fmt.Errorf("%w: hello.pref", protocol.ErrMissingField)
		}
		*f = ControlFrame{
			Kind:         KindHello,
			ProtoVersion: *wire.ProtoVersion,
			NodeID:       *wire.NodeID,
			Caps:         *wire.Caps.Bits,
			Pref:         *wire.Pref,
		}
	case KindHelloAck:
		var wire helloAckWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		switch {
		case wire.ChosenRole == nil:
			return fmt.Errorf("%w: hello_ack.chosen_role", protocol.ErrMissingField)
		case wire.PeerCaps == nil || wire.PeerCaps.Bits == nil:
			return fmt.Errorf("%w: hello_ack.peer_caps.bits", protocol.ErrMissingField)
		}
		*f = ControlFrame{
			Kind:       KindHelloAck,
			ChosenRole: *wire.ChosenRole,
			PeerCaps:   *wire.PeerCaps.Bits,
		}
	case KindLegacyFallback:
		*f = ControlFrame{Kind: KindLegacyFallback}
	default:
		return fmt.Errorf("%w: control %q", protocol.ErrUnknownMessageType, *tag.Type)
	}
	return nil
}

// EncodeControl wraps f in the checksummed envelope.
func EncodeControl(f ControlFrame) ([]byte, error) {
	return frame.Encode(f, frame.DefaultLimits())
}

// DecodeControl accepts an enveloped control frame, or a bare one as sent by
// peers that predate the envelope.
func DecodeControl(raw []byte) (ControlFrame, error) {
	if frame.IsEnvelope(raw) {
		return frame.Decode[ControlFrame](raw, frame.DefaultLimits())
	}
	limits := frame.DefaultLimits()
	if len(raw) > limits.MaxFrameBytes {
		return ControlFrame{}, fmt.Errorf("%w: %d bytes exceeds %d", frame.ErrFrameTooLarge, len(raw), limits.MaxFrameBytes)
	}
	var f ControlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ControlFrame{}, err
	}
	return f, nil
}
