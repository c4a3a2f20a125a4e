package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameKind defines the type of relay frame
type FrameKind uint8

const (
	// FrameRegister announces a mailbox: client to relay
	FrameRegister FrameKind = 1

	// FrameRegistered answers a registration: relay to client
	FrameRegistered FrameKind = 2

	// FrameSend carries a payload to route: client to relay
	FrameSend FrameKind = 3

	// FrameAck reports the routing status of one FrameSend: relay to client
	FrameAck FrameKind = 4

	// FrameDeliver carries a routed payload: relay to client
	FrameDeliver FrameKind = 5
)

// String returns the string representation of FrameKind
func (k FrameKind) String() string {
	switch k {
	case FrameRegister:
		return "register"
	case FrameRegistered:
		return "registered"
	case FrameSend:
		return "send"
	case FrameAck:
		return "ack"
	case FrameDeliver:
		return "deliver"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Frame is one unit on a relay connection.
type Frame struct {
	Kind      FrameKind
	Status    Status
	Sequence  uint32
	Namespace string
	From      string
	To        string
	Data      []byte
}

const (
	// FramePrefixSize is the length prefix in front of every frame
	FramePrefixSize = 4

	// frameFixedSize covers kind, status, sequence and three string lengths
	frameFixedSize = 1 + 1 + 4 + 2*3

	// MaxFrameSize is the maximum allowed frame body size
	MaxFrameSize = 16 * 1024 * 1024

	maxFieldSize = 0xFFFF
)

// FrameCodec encodes frames as big-endian, length-prefixed records.
type FrameCodec struct{}

// NewFrameCodec creates a new frame codec
func NewFrameCodec() *FrameCodec {
	return &FrameCodec{}
}

// Encode encodes a frame including its length prefix
func (c *FrameCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("frame is nil")
	}
	for _, s := range []string{f.Namespace, f.From, f.To} {
		if len(s) > maxFieldSize {
			return nil, fmt.Errorf("%w: field of %d bytes", ErrFrameTooLarge, len(s))
		}
	}

	bodySize := frameFixedSize + len(f.Namespace) + len(f.From) + len(f.To) + len(f.Data)
	if bodySize > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, bodySize, MaxFrameSize)
	}

	buf := make([]byte, FramePrefixSize+bodySize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(bodySize))
	buf[4] = byte(f.Kind)
	buf[5] = byte(f.Status)
	binary.BigEndian.PutUint32(buf[6:10], f.Sequence)

	off := 10
	for _, s := range []string{f.Namespace, f.From, f.To} {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(s)))
		off += 2
		off += copy(buf[off:], s)
	}
	copy(buf[off:], f.Data)

	return buf, nil
}

// Decode decodes a frame body, without its length prefix
func (c *FrameCodec) Decode(body []byte) (*Frame, error) {
	if len(body) < frameFixedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTruncated, len(body))
	}

	f := &Frame{
		Kind:     FrameKind(body[0]),
		Status:   Status(body[1]),
		Sequence: binary.BigEndian.Uint32(body[2:6]),
	}

	off := 6
	fields := make([]string, 3)
	for i := range fields {
		if len(body) < off+2 {
			return nil, ErrFrameTruncated
		}
		n := int(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2
		if len(body) < off+n {
			return nil, ErrFrameTruncated
		}
		fields[i] = string(body[off : off+n])
		off += n
	}
	f.Namespace, f.From, f.To = fields[0], fields[1], fields[2]

	if off < len(body) {
		f.Data = make([]byte, len(body)-off)
		copy(f.Data, body[off:])
	}

	return f, nil
}

// ReadFrame reads one length-prefixed frame from r
func (c *FrameCodec) ReadFrame(r *bufio.Reader) (*Frame, error) {
	var prefix [FramePrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	return c.Decode(body)
}
