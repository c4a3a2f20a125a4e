// Package sharedstate replicates per-owner key/value slices across peers.
//
// Every node writes only its own slice of a group. Changes travel as deltas
// and are repaired by periodic full snapshots; a peer's slice disappears when
// presence reports that peer gone. There are no tombstones: a delete is a
// delta carrying null.
package sharedstate

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/core"
	"github.com/johnfking/mqpulse/network"
)

// DefaultSyncInterval is the full snapshot period used when none is configured
const DefaultSyncInterval = 30 * time.Second

// ChangeFunc observes a value change in one owner's slice. A nil value means
// the key was absent before or has been deleted.
type ChangeFunc func(owner string, newValue, oldValue any)

// PeerFunc observes a peer joining or leaving a group
type PeerFunc func(peer string)

// Op distinguishes incremental deltas from full snapshots
type Op string

const (
	OpDelta Op = "delta"
	OpFull  Op = "full"
)

type stateBody struct {
	Op    Op             `json:"op"`
	Group string         `json:"group"`
	Owner string         `json:"owner"`
	Data  map[string]any `json:"data"`
}

type group struct {
	name     string
	owners   map[string]map[string]any
	onChange map[string][]ChangeFunc
	onJoin   []PeerFunc
	onLeave  []PeerFunc
}

// Manager owns every state group of a node.
type Manager struct {
	d            *core.Dispatcher
	logger       *zap.Logger
	syncInterval time.Duration

	groups   map[string]*group
	departed map[string]bool
	lastSync time.Time
	closed   bool
}

// New creates the shared state subsystem. syncInterval <= 0 disables
// periodic full sync.
func New(d *core.Dispatcher, syncInterval time.Duration) *Manager {
	m := &Manager{
		d:            d,
		logger:       d.Logger().Named("state"),
		syncInterval: syncInterval,
		groups:       make(map[string]*group),
		departed:     make(map[string]bool),
		lastSync:     d.Now(),
	}
	d.On(core.TypeState, m.receive)
	return m
}

// Group returns a handle on the named group, creating it on first use.
func (m *Manager) Group(name string) *Group {
	if !m.closed {
		m.lookupOrCreate(name)
	}
	return &Group{m: m, name: name}
}

// Groups returns the names of every known group, sorted
func (m *Manager) Groups() []string {
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close drops all groups. Outstanding handles become inert.
func (m *Manager) Close() {
	m.closed = true
	m.groups = make(map[string]*group)
}

// PeerJoined sends the new peer a snapshot of every local slice and fires
// group join handlers.
func (m *Manager) PeerJoined(peer string) {
	delete(m.departed, peer)
	for _, name := range m.Groups() {
		g := m.groups[name]
		if local := g.owners[m.d.Name()]; len(local) > 0 {
			m.send(peer, stateBody{Op: OpFull, Group: name, Owner: m.d.Name(), Data: local})
		}
		for _, fn := range g.onJoin {
			fn := fn
			m.d.Invoke("state join handler", func() { fn(peer) })
		}
	}
}

// PeerLeft drops the peer's slice in every group and fires group leave
// handlers. State from the peer is ignored until it joins again.
func (m *Manager) PeerLeft(peer string) {
	m.departed[peer] = true
	for _, name := range m.Groups() {
		g := m.groups[name]
		delete(g.owners, peer)
		for _, fn := range g.onLeave {
			fn := fn
			m.d.Invoke("state leave handler", func() { fn(peer) })
		}
	}
}

// Tick broadcasts full snapshots when the sync interval has elapsed.
func (m *Manager) Tick(now time.Time) {
	if m.syncInterval <= 0 || m.d.Disabled() || now.Sub(m.lastSync) < m.syncInterval {
		return
	}
	m.lastSync = now

	for _, name := range m.Groups() {
		if local := m.groups[name].owners[m.d.Name()]; len(local) > 0 {
			m.send(network.Broadcast, stateBody{Op: OpFull, Group: name, Owner: m.d.Name(), Data: local})
		}
	}
}

func (m *Manager) lookupOrCreate(name string) *group {
	g, ok := m.groups[name]
	if !ok {
		g = &group{
			name:     name,
			owners:   make(map[string]map[string]any),
			onChange: make(map[string][]ChangeFunc),
		}
		m.groups[name] = g
	}
	return g
}

// apply merges changes into owner's slice and fires change handlers for
// every key whose value actually changed. It returns the changed subset.
func (m *Manager) apply(g *group, owner string, changes map[string]any) map[string]any {
	slice, ok := g.owners[owner]
	if !ok {
		slice = make(map[string]any)
		g.owners[owner] = slice
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := make(map[string]any)
	for _, k := range keys {
		value := changes[k]
		old, had := slice[k]

		if value == nil {
			if !had {
				continue
			}
			delete(slice, k)
		} else {
			if had && core.SameValue(old, value) {
				continue
			}
			slice[k] = value
		}
		changed[k] = value

		for _, fn := range g.onChange[k] {
			fn := fn
			m.d.Invoke("state change handler "+k, func() { fn(owner, value, old) })
		}
	}

	if len(slice) == 0 {
		delete(g.owners, owner)
	}
	return changed
}

func (m *Manager) setLocal(name string, changes map[string]any) {
	g, ok := m.groups[name]
	if !ok {
		return
	}
	changed := m.apply(g, m.d.Name(), changes)
	if len(changed) == 0 {
		return
	}
	m.send(network.Broadcast, stateBody{Op: OpDelta, Group: name, Owner: m.d.Name(), Data: changed})
}

func (m *Manager) send(to string, body stateBody) {
	if err := m.d.Send(to, core.TypeState, body, nil); err != nil {
		m.logger.Warn("state not sent",
			zap.String("group", body.Group),
			zap.String("op", string(body.Op)),
			zap.Error(err))
	}
}

func (m *Manager) receive(env *core.Envelope) {
	var body stateBody
	if err := env.DecodeBody(&body); err != nil {
		m.logger.Debug("dropping state", zap.String("from", env.Sender), zap.Error(err))
		return
	}
	if body.Owner == "" || body.Owner == m.d.Name() || m.closed {
		return
	}
	if m.departed[body.Owner] {
		m.logger.Debug("dropping state from departed peer",
			zap.String("owner", body.Owner), zap.String("group", body.Group))
		return
	}

	// a full snapshot is merged as a delta over its keys
	g := m.lookupOrCreate(body.Group)
	m.apply(g, body.Owner, body.Data)
}

// Group is a lightweight handle naming one state group. It holds no state of
// its own; every call resolves the group through the manager.
type Group struct {
	m    *Manager
	name string
}

// Name returns the group name
func (h *Group) Name() string { return h.name }

func (h *Group) resolve(op string) (*group, bool) {
	if !h.m.d.Guard(op) {
		return nil, false
	}
	g, ok := h.m.groups[h.name]
	return g, ok
}

// Set writes one key of the local slice. A nil value deletes the key.
func (h *Group) Set(key string, value any) {
	if _, ok := h.resolve("state_set"); ok {
		h.m.setLocal(h.name, map[string]any{key: value})
	}
}

// Merge writes several keys of the local slice at once.
func (h *Group) Merge(values map[string]any) {
	if _, ok := h.resolve("state_merge"); ok && len(values) > 0 {
		h.m.setLocal(h.name, values)
	}
}

// Get reads a key from the local slice
func (h *Group) Get(key string) (any, bool) {
	return h.GetFrom(h.m.d.Name(), key)
}

// GetFrom reads a key from one owner's slice
func (h *Group) GetFrom(owner, key string) (any, bool) {
	g, ok := h.resolve("state_get")
	if !ok {
		return nil, false
	}
	v, ok := g.owners[owner][key]
	return v, ok
}

// GetAll returns the value of key for every owner that has it
func (h *Group) GetAll(key string) map[string]any {
	out := make(map[string]any)
	g, ok := h.resolve("state_get_all")
	if !ok {
		return out
	}
	for owner, slice := range g.owners {
		if v, ok := slice[key]; ok {
			out[owner] = v
		}
	}
	return out
}

// OnChange registers fn for changes of key in any owner's slice
func (h *Group) OnChange(key string, fn ChangeFunc) {
	if g, ok := h.resolve("state_on_change"); ok && fn != nil {
		g.onChange[key] = append(g.onChange[key], fn)
	}
}

// OnJoin registers fn for peers joining while the group exists
func (h *Group) OnJoin(fn PeerFunc) {
	if g, ok := h.resolve("state_on_join"); ok && fn != nil {
		g.onJoin = append(g.onJoin, fn)
	}
}

// OnLeave registers fn for peers leaving while the group exists
func (h *Group) OnLeave(fn PeerFunc) {
	if g, ok := h.resolve("state_on_leave"); ok && fn != nil {
		g.onLeave = append(g.onLeave, fn)
	}
}
