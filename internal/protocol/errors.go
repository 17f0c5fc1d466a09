package protocol

import "errors"

var (
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrMissingField       = errors.New("protocol: missing field")
	ErrInvalidValue       = errors.New("protocol: invalid value")
)
