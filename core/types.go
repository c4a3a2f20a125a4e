package core

// MessageType defines the kind of an envelope.
type MessageType uint8

const (
	// TypeUnknown marks an envelope whose type this node does not recognize
	TypeUnknown MessageType = iota

	// TypePublish carries a pub/sub message
	TypePublish

	// TypeRequest carries an RPC request
	TypeRequest

	// TypeResponse carries an RPC response
	TypeResponse

	// TypePresence carries a heartbeat or leave notice
	TypePresence

	// TypeState carries shared state deltas and snapshots
	TypeState

	// TypeService carries service registry offers, removals and queries
	TypeService
)

// String returns the wire name of MessageType.
func (t MessageType) String() string {
	switch t {
	case TypePublish:
		return "publish"
	case TypeRequest:
		return "rpc-request"
	case TypeResponse:
		return "rpc-response"
	case TypePresence:
		return "presence"
	case TypeState:
		return "state"
	case TypeService:
		return "service"
	default:
		return "unknown"
	}
}

// ParseMessageType maps a wire name back to its MessageType. Unrecognized
// names yield TypeUnknown.
func ParseMessageType(s string) MessageType {
	switch s {
	case "publish":
		return TypePublish
	case "rpc-request":
		return TypeRequest
	case "rpc-response":
		return TypeResponse
	case "presence":
		return TypePresence
	case "state":
		return TypeState
	case "service":
		return TypeService
	default:
		return TypeUnknown
	}
}

// Identity names a node. Domain is only used to filter inbound traffic.
type Identity struct {
	Name   string `json:"name" yaml:"name"`
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
}

// String returns the string representation of Identity.
func (id Identity) String() string {
	if id.Domain == "" {
		return id.Name
	}
	return id.Name + "@" + id.Domain
}
