package hsprobe

import (
	"errors"
	"fmt"
)

// Request decode errors. A request failing with one of these is dropped
// before it reaches any hardware.
var (
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrInvalidPinState = errors.New("invalid pin state")
	ErrInvalidMode     = errors.New("invalid mode")
	ErrPayloadTooLong  = errors.New("payload exceeds 64 bytes")
	ErrUnknownLine     = errors.New("unknown line")
)

var (
	// ErrProtocol is wrapped by every SWD acknowledge outside OK, WAIT and
	// FAULT.
	ErrProtocol = errors.New("swd protocol error")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNotEnabled    = errors.New("peripheral not enabled")
)

// AckError reports the raw acknowledge bits of a malformed SWD response.
type AckError struct {
	Bits uint8
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%v: ack %03b", ErrProtocol, e.Bits)
}

func (e *AckError) Unwrap() error { return ErrProtocol }
