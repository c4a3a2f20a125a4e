package network

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TCPTransport registers mailboxes on a remote Relay. Each mailbox owns one
// connection.
type TCPTransport struct {
	config *RelayConfig
	logger *zap.Logger
}

// NewTCPTransport creates a transport dialing config.Address
func NewTCPTransport(config *RelayConfig, logger *zap.Logger) *TCPTransport {
	if config == nil {
		config = DefaultRelayConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPTransport{config: config, logger: logger.Named("tcp")}
}

// Register dials the relay and performs the registration handshake
func (t *TCPTransport) Register(namespace, name string, onMessage MessageFunc) (Mailbox, error) {
	conn, err := net.DialTimeout("tcp", t.config.Address, t.config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNoConnection, t.config.Address, err)
	}

	fc := newFrameConn(conn, &RelayConfig{WriteTimeout: t.config.WriteTimeout})

	if err := fc.WriteFrame(&Frame{Kind: FrameRegister, Namespace: namespace, From: name}); err != nil {
		fc.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoConnection, err)
	}

	if t.config.DialTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.config.DialTimeout))
	}
	reply, err := fc.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("%w: registration: %v", ErrNoConnection, err)
	}
	if reply.Kind != FrameRegistered {
		fc.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedFrame, reply.Kind)
	}
	if err := reply.Status.Err(); err != nil {
		fc.Close()
		return nil, err
	}

	mb := &tcpMailbox{
		conn:      fc,
		namespace: namespace,
		name:      name,
		onMessage: onMessage,
		pending:   make(map[uint32]ReplyFunc),
		logger:    t.logger.With(zap.String("namespace", namespace), zap.String("name", name)),
	}
	go mb.readLoop()

	t.logger.Debug("mailbox registered",
		zap.String("namespace", namespace),
		zap.String("name", name),
		zap.String("relay", t.config.Address))
	return mb, nil
}

type tcpMailbox struct {
	conn      *frameConn
	namespace string
	name      string
	onMessage MessageFunc
	logger    *zap.Logger

	state    int32 // ConnectionState
	sequence uint32

	mu      sync.Mutex
	pending map[uint32]ReplyFunc
}

func (m *tcpMailbox) Name() string      { return m.name }
func (m *tcpMailbox) Namespace() string { return m.namespace }

func (m *tcpMailbox) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&m.state))
}

func (m *tcpMailbox) Send(to string, payload []byte, reply ReplyFunc) {
	switch m.State() {
	case ConnectionStateClosed:
		notify(reply, ErrConnectionClosed)
		return
	case ConnectionStateDisconnected:
		notify(reply, ErrNoConnection)
		return
	}

	seq := atomic.AddUint32(&m.sequence, 1)
	if reply != nil {
		m.mu.Lock()
		m.pending[seq] = reply
		m.mu.Unlock()
	}

	err := m.conn.WriteFrame(&Frame{Kind: FrameSend, Sequence: seq, To: to, Data: payload})
	if err != nil {
		m.logger.Debug("send failed", zap.Error(err))
		if r := m.takePending(seq); r != nil {
			r(ErrNoConnection)
		}
		m.disconnect()
	}
}

func (m *tcpMailbox) Close() error {
	atomic.StoreInt32(&m.state, int32(ConnectionStateClosed))
	return m.conn.Close()
}

func (m *tcpMailbox) readLoop() {
	for {
		f, err := m.conn.ReadFrame()
		if err != nil {
			if m.State() != ConnectionStateClosed {
				m.logger.Warn("relay connection lost", zap.Error(err))
			}
			m.disconnect()
			return
		}

		switch f.Kind {
		case FrameDeliver:
			m.onMessage(f.From, f.Data)
		case FrameAck:
			if r := m.takePending(f.Sequence); r != nil {
				r(f.Status.Err())
			}
		default:
			m.logger.Warn("unexpected frame", zap.Stringer("kind", f.Kind))
		}
	}
}

// disconnect fails every outstanding reply. A closed mailbox stays closed.
func (m *tcpMailbox) disconnect() {
	atomic.CompareAndSwapInt32(&m.state, int32(ConnectionStateConnected), int32(ConnectionStateDisconnected))

	status := ErrNoConnection
	if m.State() == ConnectionStateClosed {
		status = ErrConnectionClosed
	}

	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint32]ReplyFunc)
	m.mu.Unlock()

	for _, r := range pending {
		r(status)
	}
	m.conn.Close()
}

func (m *tcpMailbox) takePending(seq uint32) ReplyFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.pending[seq]
	delete(m.pending, seq)
	return r
}

func notify(reply ReplyFunc, err error) {
	if reply != nil {
		reply(err)
	}
}

// Verify interface implementations
var (
	_ Transport = (*TCPTransport)(nil)
	_ Mailbox   = (*tcpMailbox)(nil)
)
