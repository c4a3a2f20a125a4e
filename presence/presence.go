// Package presence tracks which peers are alive from periodic heartbeats.
package presence

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/core"
)

// Defaults for Config fields left at zero
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultTimeout           = 15 * time.Second
)

// Kind is the presence announcement type
type Kind string

const (
	KindHeartbeat Kind = "heartbeat"
	KindLeave     Kind = "leave"
)

// Config controls heartbeat cadence and the staleness window
type Config struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

// Peer is a read-only view of a live peer
type Peer struct {
	Name     string
	Domain   string
	LastSeen time.Time
}

// PeerFunc observes a peer joining or leaving
type PeerFunc func(peer Peer)

type presenceBody struct {
	Kind Kind  `json:"kind"`
	At   int64 `json:"at"`
}

// Presence owns the peer table of a node.
type Presence struct {
	d      *core.Dispatcher
	logger *zap.Logger
	config Config

	peers    map[string]*Peer
	lastBeat time.Time
	beating  bool

	joinHandlers  []PeerFunc
	leaveHandlers []PeerFunc
}

// New creates the presence subsystem and registers its envelope handler.
func New(d *core.Dispatcher, config Config) *Presence {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	p := &Presence{
		d:      d,
		logger: d.Logger().Named("presence"),
		config: config,
		peers:  make(map[string]*Peer),
	}
	if config.Timeout <= config.HeartbeatInterval {
		p.logger.Warn("presence timeout does not exceed heartbeat interval, peers will flap",
			zap.Duration("heartbeat", config.HeartbeatInterval),
			zap.Duration("timeout", config.Timeout))
	}

	d.On(core.TypePresence, p.receive)
	return p
}

// OnJoin registers a handler fired when a previously unknown peer is heard
func (p *Presence) OnJoin(fn PeerFunc) {
	if fn != nil && p.d.Guard("on_peer_join") {
		p.joinHandlers = append(p.joinHandlers, fn)
	}
}

// OnLeave registers a handler fired when a peer goes stale or leaves
func (p *Presence) OnLeave(fn PeerFunc) {
	if fn != nil && p.d.Guard("on_peer_leave") {
		p.leaveHandlers = append(p.leaveHandlers, fn)
	}
}

// Peers returns a snapshot of live peers sorted by name
func (p *Presence) Peers() []Peer {
	if !p.d.Guard("peers") {
		return nil
	}
	out := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsOnline reports whether name is inside the staleness window
func (p *Presence) IsOnline(name string) bool {
	if !p.d.Guard("is_online") {
		return false
	}
	_, ok := p.peers[name]
	return ok
}

// Lookup returns the record of a live peer
func (p *Presence) Lookup(name string) (Peer, bool) {
	peer, ok := p.peers[name]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

// Tick sends a heartbeat when one is due and expires stale peers.
func (p *Presence) Tick(now time.Time) {
	if p.d.Disabled() {
		return
	}

	if !p.beating || now.Sub(p.lastBeat) >= p.config.HeartbeatInterval {
		p.beating = true
		p.lastBeat = now
		if err := p.d.Broadcast(core.TypePresence, presenceBody{Kind: KindHeartbeat, At: now.UnixMilli()}); err != nil {
			p.logger.Debug("heartbeat not sent", zap.Error(err))
		}
	}

	var stale []string
	for name, peer := range p.peers {
		if now.Sub(peer.LastSeen) >= p.config.Timeout {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		p.logger.Info("peer timed out", zap.String("peer", name))
		p.remove(name)
	}
}

// Leave announces a graceful departure to every peer.
func (p *Presence) Leave() {
	if p.d.Disabled() {
		return
	}
	if err := p.d.Broadcast(core.TypePresence, presenceBody{Kind: KindLeave, At: p.d.Now().UnixMilli()}); err != nil {
		p.logger.Debug("leave not sent", zap.Error(err))
	}
}

func (p *Presence) receive(env *core.Envelope) {
	if env.Sender == p.d.Name() {
		return
	}

	var body presenceBody
	if err := env.DecodeBody(&body); err != nil {
		p.logger.Debug("dropping presence", zap.String("from", env.Sender), zap.Error(err))
		return
	}

	if body.Kind == KindLeave {
		if _, ok := p.peers[env.Sender]; ok {
			p.logger.Info("peer left", zap.String("peer", env.Sender))
			p.remove(env.Sender)
		}
		return
	}

	now := p.d.Now()
	if peer, ok := p.peers[env.Sender]; ok {
		peer.LastSeen = now
		peer.Domain = env.Domain
		return
	}

	peer := &Peer{Name: env.Sender, Domain: env.Domain, LastSeen: now}
	p.peers[env.Sender] = peer
	p.d.Metrics().Peers.Set(float64(len(p.peers)))
	p.logger.Info("peer joined", zap.String("peer", env.Sender))

	for _, fn := range p.joinHandlers {
		fn := fn
		p.d.Invoke("peer join handler", func() { fn(*peer) })
	}
}

func (p *Presence) remove(name string) {
	peer, ok := p.peers[name]
	if !ok {
		return
	}
	delete(p.peers, name)
	p.d.Metrics().Peers.Set(float64(len(p.peers)))

	for _, fn := range p.leaveHandlers {
		fn := fn
		p.d.Invoke("peer leave handler", func() { fn(*peer) })
	}
}
