package framing

import "errors"

// ErrMessageTooLarge is returned by a scalar reader when the declared
// length of an incoming message exceeds the configured cap. Per spec this
// must be raised before the body is read in full.
var ErrMessageTooLarge = errors.New("framing: scalar message exceeds configured cap")

// ErrArrayTooLarge is returned when an array message body would exceed the
// 16-bit length field.
var ErrArrayTooLarge = errors.New("framing: array message body exceeds 65535 bytes")

// ErrTimeout is returned when a read or write does not complete within the
// caller-supplied microsecond budget.
var ErrTimeout = errors.New("framing: operation timed out")

// ErrProtocol is returned when a peer sends something that violates the
// expected shape of a message (e.g. an unexpected array during FD
// negotiation).
var ErrProtocol = errors.New("framing: protocol violation")
