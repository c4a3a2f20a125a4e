package network

import (
	"errors"
	"fmt"
)

// Delivery failures reported through ReplyFunc. The messages double as the
// wire names used by the node runtime.
var (
	ErrConnectionClosed   = errors.New("connection_closed")
	ErrNoConnection       = errors.New("no_connection")
	ErrRoutingFailed      = errors.New("routing_failed")
	ErrAmbiguousRecipient = errors.New("ambiguous_recipient")
)

// Relay errors
var (
	ErrRelayRunning    = errors.New("relay is already running")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrFrameTruncated  = errors.New("frame truncated")
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrRegisterRefused = errors.New("registration refused")
)

// Status is the delivery status carried by relay acknowledgements.
type Status uint8

const (
	StatusOK Status = iota
	StatusRoutingFailed
	StatusAmbiguousRecipient
	StatusNoConnection
	StatusConnectionClosed
	StatusRefused
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRoutingFailed:
		return "routing_failed"
	case StatusAmbiguousRecipient:
		return "ambiguous_recipient"
	case StatusNoConnection:
		return "no_connection"
	case StatusConnectionClosed:
		return "connection_closed"
	case StatusRefused:
		return "refused"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Err maps a status to its delivery error; StatusOK maps to nil.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusRoutingFailed:
		return ErrRoutingFailed
	case StatusAmbiguousRecipient:
		return ErrAmbiguousRecipient
	case StatusNoConnection:
		return ErrNoConnection
	case StatusConnectionClosed:
		return ErrConnectionClosed
	case StatusRefused:
		return ErrRegisterRefused
	default:
		return fmt.Errorf("relay status %s", s)
	}
}

// StatusOf maps a delivery error to its status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrRoutingFailed):
		return StatusRoutingFailed
	case errors.Is(err, ErrAmbiguousRecipient):
		return StatusAmbiguousRecipient
	case errors.Is(err, ErrConnectionClosed):
		return StatusConnectionClosed
	case errors.Is(err, ErrRegisterRefused):
		return StatusRefused
	default:
		return StatusNoConnection
	}
}
