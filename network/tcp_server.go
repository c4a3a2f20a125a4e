package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Relay is a TCP server that routes frames between registered mailboxes. It
// keeps no state beyond the registration table.
type Relay struct {
	config   *RelayConfig
	logger   *zap.Logger
	listener net.Listener
	running  int32

	// namespace -> connection id -> client
	clients   map[string]map[string]*relayClient
	conns     map[string]*frameConn
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	totalConnections   int64
	currentConnections int64
	routedFrames       int64
	failedFrames       int64
	startTime          time.Time
}

type relayClient struct {
	conn      *frameConn
	namespace string
	name      string
}

// NewRelay creates a new relay server
func NewRelay(config *RelayConfig, logger *zap.Logger) *Relay {
	if config == nil {
		config = DefaultRelayConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		config:    config,
		logger:    logger.Named("relay"),
		clients:   make(map[string]map[string]*relayClient),
		conns:     make(map[string]*frameConn),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Start starts listening on the configured address
func (r *Relay) Start() error {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return ErrRelayRunning
	}

	listener, err := net.Listen("tcp", r.config.Address)
	if err != nil {
		atomic.StoreInt32(&r.running, 0)
		return fmt.Errorf("failed to listen on %s: %w", r.config.Address, err)
	}
	r.listener = listener

	r.wg.Add(1)
	go r.acceptLoop()

	r.logger.Info("relay started", zap.String("address", listener.Addr().String()))
	return nil
}

// Stop stops the relay and closes every client connection
func (r *Relay) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return nil
	}

	r.cancel()
	if r.listener != nil {
		r.listener.Close()
	}

	r.clientsMu.Lock()
	for _, conn := range r.conns {
		conn.Close()
	}
	r.clientsMu.Unlock()

	r.wg.Wait()

	r.logger.Info("relay stopped")
	return nil
}

// Addr returns the listening address
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Statistics returns relay statistics
func (r *Relay) Statistics() RelayStatistics {
	address := ""
	if addr := r.Addr(); addr != nil {
		address = addr.String()
	}
	return RelayStatistics{
		Address:            address,
		Running:            atomic.LoadInt32(&r.running) == 1,
		StartTime:          r.startTime,
		Uptime:             time.Since(r.startTime),
		TotalConnections:   atomic.LoadInt64(&r.totalConnections),
		CurrentConnections: atomic.LoadInt64(&r.currentConnections),
		RoutedFrames:       atomic.LoadInt64(&r.routedFrames),
		FailedFrames:       atomic.LoadInt64(&r.failedFrames),
	}
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
				r.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}

		if r.config.MaxConnections > 0 &&
			atomic.LoadInt64(&r.currentConnections) >= int64(r.config.MaxConnections) {
			r.logger.Warn("connection limit reached",
				zap.Int("limit", r.config.MaxConnections),
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok && r.config.KeepAlive {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(r.config.KeepAliveInterval)
		}

		atomic.AddInt64(&r.totalConnections, 1)
		atomic.AddInt64(&r.currentConnections, 1)

		fc := newFrameConn(conn, r.config)
		r.clientsMu.Lock()
		r.conns[fc.ID()] = fc
		r.clientsMu.Unlock()

		r.wg.Add(1)
		go r.handleConnection(fc)
	}
}

// handleConnection performs the registration handshake, then routes every
// FrameSend until the connection drops.
func (r *Relay) handleConnection(conn *frameConn) {
	defer r.wg.Done()
	defer atomic.AddInt64(&r.currentConnections, -1)
	defer func() {
		conn.Close()
		r.clientsMu.Lock()
		delete(r.conns, conn.ID())
		r.clientsMu.Unlock()
	}()

	if r.config.DialTimeout > 0 {
		conn.conn.SetReadDeadline(time.Now().Add(r.config.DialTimeout))
	}
	first, err := conn.ReadFrame()
	conn.conn.SetReadDeadline(time.Time{})
	if err != nil {
		r.logger.Debug("handshake read failed", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}
	if first.Kind != FrameRegister || first.Namespace == "" || first.From == "" {
		conn.WriteFrame(&Frame{Kind: FrameRegistered, Status: StatusRefused})
		return
	}

	client := &relayClient{conn: conn, namespace: first.Namespace, name: first.From}
	r.addClient(client)
	defer r.removeClient(client)

	if err := conn.WriteFrame(&Frame{Kind: FrameRegistered, Status: StatusOK}); err != nil {
		return
	}
	r.logger.Debug("mailbox registered",
		zap.String("namespace", client.namespace),
		zap.String("name", client.name),
		zap.String("conn", conn.ID()))

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && atomic.LoadInt32(&r.running) == 1 {
				r.logger.Debug("connection read failed", zap.String("conn", conn.ID()), zap.Error(err))
			}
			return
		}
		if f.Kind != FrameSend {
			r.logger.Warn("unexpected frame", zap.Stringer("kind", f.Kind), zap.String("conn", conn.ID()))
			continue
		}

		status := r.route(client, f)
		if status == StatusOK {
			atomic.AddInt64(&r.routedFrames, 1)
		} else {
			atomic.AddInt64(&r.failedFrames, 1)
		}
		if err := conn.WriteFrame(&Frame{Kind: FrameAck, Status: status, Sequence: f.Sequence}); err != nil {
			return
		}
	}
}

func (r *Relay) route(sender *relayClient, f *Frame) Status {
	deliver := &Frame{Kind: FrameDeliver, From: sender.name, Data: f.Data}

	r.clientsMu.RLock()
	var targets []*relayClient
	for _, c := range r.clients[sender.namespace] {
		if f.To == Broadcast || c.name == f.To {
			targets = append(targets, c)
		}
	}
	r.clientsMu.RUnlock()

	if f.To == Broadcast {
		for _, c := range targets {
			if err := c.conn.WriteFrame(deliver); err != nil {
				r.logger.Debug("broadcast delivery failed", zap.String("name", c.name), zap.Error(err))
			}
		}
		return StatusOK
	}

	switch len(targets) {
	case 0:
		return StatusRoutingFailed
	case 1:
		if err := targets[0].conn.WriteFrame(deliver); err != nil {
			return StatusNoConnection
		}
		return StatusOK
	default:
		return StatusAmbiguousRecipient
	}
}

func (r *Relay) addClient(c *relayClient) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	ns, ok := r.clients[c.namespace]
	if !ok {
		ns = make(map[string]*relayClient)
		r.clients[c.namespace] = ns
	}
	ns[c.conn.ID()] = c
}

func (r *Relay) removeClient(c *relayClient) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	ns := r.clients[c.namespace]
	delete(ns, c.conn.ID())
	if len(ns) == 0 {
		delete(r.clients, c.namespace)
	}
}

// RelayStatistics holds statistics for a relay
type RelayStatistics struct {
	Address            string        `json:"address"`
	Running            bool          `json:"running"`
	StartTime          time.Time     `json:"start_time"`
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   int64         `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	RoutedFrames       int64         `json:"routed_frames"`
	FailedFrames       int64         `json:"failed_frames"`
}

// String returns the string representation of relay statistics
func (rs RelayStatistics) String() string {
	return fmt.Sprintf("Relay[%s] Running=%t Uptime=%s Connections=%d/%d Frames=%d routed %d failed",
		rs.Address, rs.Running, rs.Uptime.Truncate(time.Second),
		rs.CurrentConnections, rs.TotalConnections, rs.RoutedFrames, rs.FailedFrames)
}
