package network

import (
	"sync"
	"sync/atomic"
)

// DropFunc decides whether a payload travelling from one mailbox to another
// is lost. Returning true drops it silently.
type DropFunc func(from, to string, payload []byte) bool

// Hub is an in-process Transport. Deliveries are synchronous calls into the
// recipient's MessageFunc.
type Hub struct {
	mu          sync.RWMutex
	closed      bool
	namespaces  map[string][]*memoryMailbox
	partitioned map[string]bool
	drop        DropFunc
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		namespaces:  make(map[string][]*memoryMailbox),
		partitioned: make(map[string]bool),
	}
}

// Register adds a mailbox. Several mailboxes may share a name; targeted sends
// to that name then fail with ErrAmbiguousRecipient.
func (h *Hub) Register(namespace, name string, onMessage MessageFunc) (Mailbox, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrConnectionClosed
	}

	mb := &memoryMailbox{hub: h, namespace: namespace, name: name, onMessage: onMessage}
	h.namespaces[namespace] = append(h.namespaces[namespace], mb)
	return mb, nil
}

// Partition cuts a named mailbox off from all traffic, in both directions,
// until called again with cut=false. Sends still report success.
func (h *Hub) Partition(name string, cut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cut {
		h.partitioned[name] = true
	} else {
		delete(h.partitioned, name)
	}
}

// SetDropFunc installs a loss filter; nil removes it.
func (h *Hub) SetDropFunc(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Mailboxes returns the number of open mailboxes in namespace
func (h *Hub) Mailboxes(namespace string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.namespaces[namespace])
}

// Close closes the hub and every mailbox in it
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, list := range h.namespaces {
		for _, mb := range list {
			atomic.StoreInt32(&mb.closed, 1)
		}
	}
	h.namespaces = make(map[string][]*memoryMailbox)
	return nil
}

func (h *Hub) remove(mb *memoryMailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.namespaces[mb.namespace]
	for i, candidate := range list {
		if candidate == mb {
			h.namespaces[mb.namespace] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.namespaces[mb.namespace]) == 0 {
		delete(h.namespaces, mb.namespace)
	}
}

// route resolves recipients and copies out the loss settings so delivery
// happens without the hub lock held.
func (h *Hub) route(from *memoryMailbox, to string) ([]*memoryMailbox, func(string, []byte) bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []*memoryMailbox
	for _, mb := range h.namespaces[from.namespace] {
		if to == Broadcast || mb.name == to {
			targets = append(targets, mb)
		}
	}

	if to != Broadcast {
		switch {
		case len(targets) == 0:
			return nil, nil, ErrRoutingFailed
		case len(targets) > 1:
			return nil, nil, ErrAmbiguousRecipient
		}
	}

	cutSender := h.partitioned[from.name]
	partitioned := make(map[string]bool, len(h.partitioned))
	for k, v := range h.partitioned {
		partitioned[k] = v
	}
	drop := h.drop

	lost := func(target string, payload []byte) bool {
		if cutSender || partitioned[target] {
			return true
		}
		return drop != nil && drop(from.name, target, payload)
	}
	return targets, lost, nil
}

type memoryMailbox struct {
	hub       *Hub
	namespace string
	name      string
	onMessage MessageFunc
	closed    int32
}

func (m *memoryMailbox) Name() string      { return m.name }
func (m *memoryMailbox) Namespace() string { return m.namespace }

func (m *memoryMailbox) Send(to string, payload []byte, reply ReplyFunc) {
	if atomic.LoadInt32(&m.closed) != 0 {
		notify(reply, ErrConnectionClosed)
		return
	}

	targets, lost, err := m.hub.route(m, to)
	if err != nil {
		notify(reply, err)
		return
	}

	for _, target := range targets {
		if atomic.LoadInt32(&target.closed) != 0 || lost(target.name, payload) {
			continue
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		target.onMessage(m.name, data)
	}
	notify(reply, nil)
}

func (m *memoryMailbox) Close() error {
	if atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		m.hub.remove(m)
	}
	return nil
}

// Verify interface implementations
var (
	_ Transport = (*Hub)(nil)
	_ Mailbox   = (*memoryMailbox)(nil)
)
