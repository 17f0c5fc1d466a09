package tunnel

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/danmuck/lifelinetty/internal/protocol"
	"github.com/danmuck/lifelinetty/internal/protocol/frame"
)

// Kind tags one data-plane message variant on the wire.
type Kind string

const (
	KindCmdRequest Kind = "cmd_request"
	KindStdout     Kind = "stdout"
	KindStderr     Kind = "stderr"
	KindExit       Kind = "exit"
	KindBusy       Kind = "busy"
	KindHeartbeat  Kind = "heartbeat"
)

// Message is one command-tunnel message. Only the fields of its Kind are
// meaningful: Cmd for cmd_request, Chunk for stdout/stderr, Code for exit.
type Message struct {
	Kind  Kind
	Cmd   string
	Chunk []byte
	Code  int32
}

func CmdRequest(cmd string) Message  { return Message{Kind: KindCmdRequest, Cmd: cmd} }
func Stdout(chunk []byte) Message    { return Message{Kind: KindStdout, Chunk: chunk} }
func Stderr(chunk []byte) Message    { return Message{Kind: KindStderr, Chunk: chunk} }
func Exit(code int32) Message        { return Message{Kind: KindExit, Code: code} }
func Busy() Message                  { return Message{Kind: KindBusy} }
func Heartbeat() Message             { return Message{Kind: KindHeartbeat} }
func StderrText(text string) Message { return Stderr([]byte(text)) }

func (m Message) String() string {
	switch m.Kind {
	case KindCmdRequest:
		return fmt.Sprintf("cmd_request(%q)", m.Cmd)
	case KindStdout, KindStderr:
		return fmt.Sprintf("%s(%d bytes)", m.Kind, len(m.Chunk))
	case KindExit:
		return fmt.Sprintf("exit(%d)", m.Code)
	default:
		return string(m.Kind)
	}
}

// ByteArray is a binary-safe chunk that crosses JSON as an array of
// integers in [0,255] rather than base64.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	out = append(out, ']')
	return out, nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: chunk byte %d out of range", protocol.ErrInvalidValue, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

type cmdRequestWire struct {
	Type Kind    `json:"type"`
	Cmd  *string `json:"cmd"`
}

type chunkWire struct {
	Type  Kind       `json:"type"`
	Chunk *ByteArray `json:"chunk"`
}

type exitWire struct {
	Type Kind   `json:"type"`
	Code *int32 `json:"code"`
}

type tagWire struct {
	Type Kind `json:"type"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindCmdRequest:
		cmd := m.Cmd
		return frame.Marshal(cmdRequestWire{Type: m.Kind, Cmd: &cmd})
	case KindStdout, KindStderr:
		chunk := ByteArray(m.Chunk)
		return frame.Marshal(chunkWire{Type: m.Kind, Chunk: &chunk})
	case KindExit:
		code := m.Code
		return frame.Marshal(exitWire{Type: m.Kind, Code: &code})
	case KindBusy, KindHeartbeat:
		return frame.Marshal(tagWire{Type: m.Kind})
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownMessageType, m.Kind)
	}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type *Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Type == nil {
		return fmt.Errorf("%w: type", protocol.ErrMissingField)
	}
	switch *tag.Type {
	case KindCmdRequest:
		var w cmdRequestWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.Cmd == nil {
			return fmt.Errorf("%w: cmd_request.cmd", protocol.ErrMissingField)
		}
		*m = CmdRequest(*w.Cmd)
	case KindStdout, KindStderr:
		var w chunkWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.Chunk == nil {
			return fmt.Errorf("%w: %s.chunk", protocol.ErrMissingField, *tag.Type)
		}
		*m = Message{Kind: *tag.Type, Chunk: []byte(*w.Chunk)}
	case KindExit:
		var w exitWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.Code == nil {
			return fmt.Errorf("%w: exit.code", protocol.ErrMissingField)
		}
		*m = Exit(*w.Code)
	case KindBusy, KindHeartbeat:
		*m = Message{Kind: *tag.Type}
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownMessageType, *tag.Type)
	}
	return nil
}

// Encode produces one data-plane frame (without trailing newline).
func Encode(msg Message) ([]byte, error) {
	return frame.Encode(msg, frame.DefaultLimits())
}

// Decode parses one data-plane frame. Lines that are not tunnel frames fail
// with a parse error; corrupt tunnel frames fail with frame.ErrChecksumMismatch.
func Decode(raw []byte) (Message, error) {
	return frame.Decode[Message](raw, frame.DefaultLimits())
}
