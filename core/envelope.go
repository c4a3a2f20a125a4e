package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// ProtocolTag identifies mqpulse envelopes on a shared transport
	ProtocolTag = "mqpulse"

	// ProtocolVersion is the only envelope version this node accepts
	ProtocolVersion = 1
)

// Envelope is the protocol header plus a type-specific body. The body is kept
// as raw JSON until the owning subsystem decodes it.
type Envelope struct {
	Protocol  string
	Version   int
	Type      MessageType
	Namespace string
	Sender    string
	Domain    string
	Body      json.RawMessage
}

type wireEnvelope struct {
	Protocol  string          `json:"proto"`
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	Namespace string          `json:"ns"`
	Sender    string          `json:"from"`
	Domain    string          `json:"domain,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// NewEnvelope stamps body with the protocol header for the given sender.
func NewEnvelope(sender Identity, namespace string, t MessageType, body any) (*Envelope, error) {
	env := &Envelope{
		Protocol:  ProtocolTag,
		Version:   ProtocolVersion,
		Type:      t,
		Namespace: namespace,
		Sender:    sender.Name,
		Domain:    sender.Domain,
	}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s body: %v", ErrInvalidArguments, t, err)
		}
		env.Body = raw
	}

	return env, nil
}

// Encode serializes the envelope
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Protocol:  e.Protocol,
		Version:   e.Version,
		Type:      e.Type.String(),
		Namespace: e.Namespace,
		Sender:    e.Sender,
		Domain:    e.Domain,
		Body:      e.Body,
	})
}

// DecodeBody unmarshals the body into v
func (e *Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%w: empty %s body", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// DecodeEnvelope parses a payload and runs the stamp check: protocol tag,
// version, type, sender and namespace must all be present. A well-formed
// envelope with an unrecognized type decodes with TypeUnknown.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch {
	case w.Protocol != ProtocolTag:
		return nil, fmt.Errorf("%w: protocol tag %q", ErrMalformedEnvelope, w.Protocol)
	case w.Version != ProtocolVersion:
		return nil, fmt.Errorf("%w: version %d", ErrMalformedEnvelope, w.Version)
	case w.Type == "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	case w.Sender == "":
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	case w.Namespace == "":
		return nil, fmt.Errorf("%w: missing namespace", ErrMalformedEnvelope)
	}

	return &Envelope{
		Protocol:  w.Protocol,
		Version:   w.Version,
		Type:      ParseMessageType(w.Type),
		Namespace: w.Namespace,
		Sender:    w.Sender,
		Domain:    w.Domain,
		Body:      w.Body,
	}, nil
}

// SameValue reports whether two values have the same JSON encoding. Values
// that cannot be encoded are never equal.
func SameValue(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
