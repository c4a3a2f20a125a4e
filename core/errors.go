package core

import (
	"errors"
	"strings"

	"github.com/johnfking/mqpulse/network"
)

// Error kinds delivered to RPC and registry callbacks. Their messages are the
// wire names carried in rpc-response envelopes.
var (
	ErrTimeout            = errors.New("timeout")
	ErrNoConnection       = network.ErrNoConnection
	ErrRoutingFailed      = network.ErrRoutingFailed
	ErrAmbiguousRecipient = network.ErrAmbiguousRecipient
	ErrConnectionClosed   = network.ErrConnectionClosed
	ErrServiceNotFound    = errors.New("service_not_found")
	ErrInvalidArguments   = errors.New("invalid_arguments")
)

// ErrMalformedEnvelope is returned for payloads failing the stamp check
var ErrMalformedEnvelope = errors.New("malformed envelope")

const handlerErrorPrefix = "handler_error:"

var wireErrors = []error{
	ErrTimeout,
	ErrNoConnection,
	ErrRoutingFailed,
	ErrAmbiguousRecipient,
	ErrConnectionClosed,
	ErrServiceNotFound,
	ErrInvalidArguments,
}

// HandlerError reports a failure raised by a remote RPC handler.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string {
	return handlerErrorPrefix + e.Message
}

// WireError converts err into its wire name. Errors outside the known kinds
// travel as handler errors.
func WireError(err error) string {
	if err == nil {
		return ""
	}

	var he *HandlerError
	if errors.As(err, &he) {
		return he.Error()
	}
	for _, known := range wireErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return handlerErrorPrefix + err.Error()
}

// ParseWireError converts a wire name back into an error value.
func ParseWireError(s string) error {
	if s == "" {
		return nil
	}
	if msg, ok := strings.CutPrefix(s, handlerErrorPrefix); ok {
		return &HandlerError{Message: msg}
	}
	for _, known := range wireErrors {
		if known.Error() == s {
			return known
		}
	}
	return &HandlerError{Message: s}
}
