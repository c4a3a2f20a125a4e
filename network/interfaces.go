// Package network carries opaque payloads between named mailboxes that share
// a namespace. It provides the transport contract used by the node runtime, an
// in-process Hub and a TCP relay.
package network

import (
	"time"
)

// Broadcast addresses every mailbox registered in the sender's namespace,
// the sender included.
const Broadcast = ""

// MessageFunc receives a payload delivered to a mailbox. Implementations may
// invoke it from any goroutine.
type MessageFunc func(from string, payload []byte)

// ReplyFunc receives the delivery status of one send. A nil error means the
// transport accepted the payload, not that a peer processed it.
type ReplyFunc func(err error)

// Transport hands out mailboxes.
type Transport interface {
	// Register acquires a mailbox named name inside namespace. onMessage is
	// called for every payload addressed to it.
	Register(namespace, name string, onMessage MessageFunc) (Mailbox, error)
}

// Mailbox is a registered endpoint.
type Mailbox interface {
	// Name returns the name the mailbox was registered under
	Name() string

	// Namespace returns the namespace the mailbox belongs to
	Namespace() string

	// Send delivers payload to the mailbox named to, or to every mailbox of
	// the namespace when to is Broadcast. reply may be nil.
	Send(to string, payload []byte, reply ReplyFunc)

	// Close releases the mailbox. Later sends fail with ErrConnectionClosed.
	Close() error
}

// Kind selects a Transport implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindTCP    Kind = "tcp"
)

// ConnectionState represents the state of a relay connection
type ConnectionState int32

const (
	ConnectionStateConnected ConnectionState = iota
	ConnectionStateDisconnected
	ConnectionStateClosed
)

// String returns the string representation of ConnectionState
func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RelayConfig configures both sides of the TCP relay.
type RelayConfig struct {
	// Address is the relay listen address for servers and the dial address for clients
	Address string

	// DialTimeout bounds connection and registration handshake time
	DialTimeout time.Duration

	// ReadTimeout is the idle read deadline on the relay side; zero disables it
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// KeepAlive enables TCP keep-alive
	KeepAlive bool

	// KeepAliveInterval is the keep-alive interval
	KeepAliveInterval time.Duration

	// MaxConnections limits concurrent relay clients; zero means unlimited
	MaxConnections int
}

// DefaultRelayConfig returns a default relay configuration
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Address:           "127.0.0.1:7400",
		DialTimeout:       5 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      10 * time.Second,
		KeepAlive:         true,
		KeepAliveInterval: 60 * time.Second,
		MaxConnections:    1000,
	}
}
