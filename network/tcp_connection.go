package network

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// frameConn wraps a TCP connection with framed reads and serialized writes.
type frameConn struct {
	id           string
	conn         net.Conn
	reader       *bufio.Reader
	codec        *FrameCodec
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  int32

	// Statistics
	framesRead    int64
	framesWritten int64
	lastActivity  int64
}

func newFrameConn(conn net.Conn, config *RelayConfig) *frameConn {
	return &frameConn{
		id:           uuid.NewString(),
		conn:         conn,
		reader:       bufio.NewReader(conn),
		codec:        NewFrameCodec(),
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		lastActivity: time.Now().Unix(),
	}
}

// ID returns the connection ID
func (fc *frameConn) ID() string {
	return fc.id
}

// RemoteAddr returns the remote address
func (fc *frameConn) RemoteAddr() net.Addr {
	return fc.conn.RemoteAddr()
}

// WriteFrame encodes and writes one frame. Safe for concurrent use.
func (fc *frameConn) WriteFrame(f *Frame) error {
	if fc.isClosed() {
		return ErrConnectionClosed
	}

	data, err := fc.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()

	if fc.writeTimeout > 0 {
		if err := fc.conn.SetWriteDeadline(time.Now().Add(fc.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := fc.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	atomic.AddInt64(&fc.framesWritten, 1)
	fc.updateActivity()
	return nil
}

// ReadFrame reads one frame. Only one goroutine may read.
func (fc *frameConn) ReadFrame() (*Frame, error) {
	if fc.readTimeout > 0 {
		if err := fc.conn.SetReadDeadline(time.Now().Add(fc.readTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	f, err := fc.codec.ReadFrame(fc.reader)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&fc.framesRead, 1)
	fc.updateActivity()
	return f, nil
}

// Close closes the connection
func (fc *frameConn) Close() error {
	if !atomic.CompareAndSwapInt32(&fc.closed, 0, 1) {
		return nil
	}
	return fc.conn.Close()
}

// Statistics returns connection statistics
func (fc *frameConn) Statistics() ConnectionStatistics {
	return ConnectionStatistics{
		ConnectionID:  fc.id,
		FramesRead:    atomic.LoadInt64(&fc.framesRead),
		FramesWritten: atomic.LoadInt64(&fc.framesWritten),
		LastActivity:  time.Unix(atomic.LoadInt64(&fc.lastActivity), 0),
		RemoteAddr:    fc.conn.RemoteAddr().String(),
	}
}

func (fc *frameConn) isClosed() bool {
	return atomic.LoadInt32(&fc.closed) != 0
}

func (fc *frameConn) updateActivity() {
	atomic.StoreInt64(&fc.lastActivity, time.Now().Unix())
}

// ConnectionStatistics holds statistics for a relay connection
type ConnectionStatistics struct {
	ConnectionID  string    `json:"connection_id"`
	FramesRead    int64     `json:"frames_read"`
	FramesWritten int64     `json:"frames_written"`
	LastActivity  time.Time `json:"last_activity"`
	RemoteAddr    string    `json:"remote_addr"`
}

// String returns the string representation of connection statistics
func (cs ConnectionStatistics) String() string {
	return fmt.Sprintf("Connection[%s] FramesR/W=%d/%d LastActivity=%s Remote=%s",
		cs.ConnectionID, cs.FramesRead, cs.FramesWritten,
		cs.LastActivity.Format(time.RFC3339), cs.RemoteAddr)
}
