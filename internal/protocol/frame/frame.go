package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// MaxFrameBytes is the encoded size ceiling for one newline-delimited frame.
const MaxFrameBytes = 4096

var (
	ErrFrameTooLarge    = errors.New("frame: frame too large")
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
	ErrMalformed        = errors.New("frame: malformed envelope")
)

// Limits constrains frame encode/decode sizes.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: MaxFrameBytes}
}

// Envelope is the {msg, crc32} wrapper written on the wire.
type Envelope struct {
	Msg   json.RawMessage `json:"msg"`
	CRC32 uint32          `json:"crc32"`
}

type envelopeProbe struct {
	Msg   json.RawMessage `json:"msg"`
	CRC32 *uint32         `json:"crc32"`
}

// Marshal is the canonical JSON serialization used for checksums: compact,
// no trailing newline, no HTML escaping.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Checksum returns the CRC-32 (IEEE) of the canonical serialization of msg.
func Checksum(msg any) (uint32, error) {
	body, err := Marshal(msg)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(body), nil
}

// Encode wraps msg in a checksummed envelope. The result carries no trailing
// newline; callers own line termination.
func Encode(msg any, limits Limits) ([]byte, error) {
	body, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("frame: encode msg: %w", err)
	}
	raw, err := Marshal(Envelope{Msg: body, CRC32: crc32.ChecksumIEEE(body)})
	if err != nil {
		return nil, fmt.Errorf("frame: encode envelope: %w", err)
	}
	if limits.MaxFrameBytes > 0 && len(raw) > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(raw), limits.MaxFrameBytes)
	}
	return raw, nil
}

// Decode rejects oversized input before parsing, unwraps the envelope,
// decodes the message into M and verifies the checksum against the
// message's canonical re-serialization.
func Decode[M any](raw []byte, limits Limits) (M, error) {
	var zero M
	if limits.MaxFrameBytes > 0 && len(raw) > limits.MaxFrameBytes {
		return zero, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(raw), limits.MaxFrameBytes)
	}
	var env envelopeProbe
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Msg) == 0 || bytes.Equal(env.Msg, []byte("null")) {
		return zero, fmt.Errorf("%w: missing msg", ErrMalformed)
	}
	if env.CRC32 == nil {
		return zero, fmt.Errorf("%w: missing crc32", ErrMalformed)
	}

	var msg M
	if err := json.Unmarshal(env.Msg, &msg); err != nil {
		return zero, fmt.Errorf("frame: decode msg: %w", err)
	}
	computed, err := Checksum(msg)
	if err != nil {
		return zero, fmt.Errorf("frame: checksum msg: %w", err)
	}
	if computed != *env.CRC32 {
		return zero, fmt.Errorf("%w: got=%08x want=%08x", ErrChecksumMismatch, *env.CRC32, computed)
	}
	return msg, nil
}

// IsEnvelope reports whether raw is a JSON object carrying both envelope
// keys. It does not validate the message or checksum.
func IsEnvelope(raw []byte) bool {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return false
	}
	_, hasMsg := keys["msg"]
	_, hasCRC := keys["crc32"]
	return hasMsg && hasCRC
}
