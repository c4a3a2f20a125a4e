package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/network"
)

// Handler receives a decoded envelope of the type it was registered for.
type Handler func(env *Envelope)

// RawHandler receives payloads that failed the stamp check.
type RawHandler func(from string, payload []byte)

// Options configures a Dispatcher.
type Options struct {
	Identity     Identity
	Namespace    string
	DomainFilter bool
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *Metrics
}

// Dispatcher owns a node's mailbox and routes envelopes to subsystem
// handlers. Apart from Defer, its methods must be called from the goroutine
// driving Process.
type Dispatcher struct {
	identity     Identity
	namespace    string
	domainFilter bool
	clock        clock.Clock
	logger       *zap.Logger
	metrics      *Metrics
	transport    network.Transport

	mailbox  network.Mailbox
	started  bool
	disabled int32
	reason   string

	warnMu sync.Mutex
	warned map[string]struct{}

	handlers map[MessageType]Handler
	raw      RawHandler

	inboxMu sync.Mutex
	inbox   []inbound

	deferMu  sync.Mutex
	deferred []func()
}

type inbound struct {
	from    string
	payload []byte
	task    func()
}

// NewDispatcher creates a dispatcher bound to transport. Nothing is
// registered until Start.
func NewDispatcher(transport network.Transport, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil, opts.Identity.Name)
	}

	return &Dispatcher{
		identity:     opts.Identity,
		namespace:    opts.Namespace,
		domainFilter: opts.DomainFilter,
		clock:        opts.Clock,
		logger:       opts.Logger.Named("core"),
		metrics:      opts.Metrics,
		transport:    transport,
		warned:       make(map[string]struct{}),
		handlers:     make(map[MessageType]Handler),
	}
}

// Start acquires the mailbox. On failure the dispatcher enters disabled mode
// and the error is returned for the caller's information only.
func (d *Dispatcher) Start() error {
	if d.started {
		return nil
	}
	d.started = true

	if d.transport == nil {
		d.disable("no transport")
		return fmt.Errorf("register mailbox: %w", ErrNoConnection)
	}

	mb, err := d.transport.Register(d.namespace, d.identity.Name, d.enqueue)
	if err != nil {
		d.disable("transport registration failed")
		d.logger.Warn("node running in disabled mode",
			zap.String("namespace", d.namespace),
			zap.String("name", d.identity.Name),
			zap.Error(err))
		return fmt.Errorf("register mailbox: %w", err)
	}

	d.mailbox = mb
	d.logger.Info("mailbox registered",
		zap.String("namespace", d.namespace),
		zap.Stringer("identity", d.identity))
	return nil
}

// Shutdown closes the mailbox and leaves the dispatcher disabled. Queued
// deliveries and deferred tasks are discarded.
func (d *Dispatcher) Shutdown() error {
	if d.Disabled() {
		return nil
	}
	d.disable("shut down")

	d.inboxMu.Lock()
	d.inbox = nil
	d.inboxMu.Unlock()

	d.deferMu.Lock()
	d.deferred = nil
	d.deferMu.Unlock()

	if d.mailbox != nil {
		if err := d.mailbox.Close(); err != nil {
			return fmt.Errorf("close mailbox: %w", err)
		}
	}
	return nil
}

// Identity returns the local node identity
func (d *Dispatcher) Identity() Identity { return d.identity }

// Name returns the local node name
func (d *Dispatcher) Name() string { return d.identity.Name }

// Namespace returns the namespace the node registered in
func (d *Dispatcher) Namespace() string { return d.namespace }

// Clock returns the time source used by every sweep
func (d *Dispatcher) Clock() clock.Clock { return d.clock }

// Now returns the current time of the dispatcher's clock
func (d *Dispatcher) Now() time.Time { return d.clock.Now() }

// Logger returns the root logger of the node
func (d *Dispatcher) Logger() *zap.Logger { return d.logger }

// Metrics returns the node's collectors
func (d *Dispatcher) Metrics() *Metrics { return d.metrics }

// Disabled reports whether the dispatcher is in disabled mode.
func (d *Dispatcher) Disabled() bool {
	return atomic.LoadInt32(&d.disabled) != 0
}

// Guard returns true when op may proceed. In disabled mode it logs one
// warning per operation name and returns false.
func (d *Dispatcher) Guard(op string) bool {
	if !d.Disabled() {
		return true
	}

	d.warnMu.Lock()
	defer d.warnMu.Unlock()
	if _, seen := d.warned[op]; !seen {
		d.warned[op] = struct{}{}
		d.logger.Warn("operation ignored, node is disabled",
			zap.String("op", op),
			zap.String("reason", d.reason))
	}
	return false
}

func (d *Dispatcher) disable(reason string) {
	d.warnMu.Lock()
	d.reason = reason
	d.warnMu.Unlock()
	atomic.StoreInt32(&d.disabled, 1)
}

// On sets the handler for envelope type t, replacing any earlier one.
func (d *Dispatcher) On(t MessageType, h Handler) {
	d.handlers[t] = h
}

// OnRaw sets the handler for payloads that fail the stamp check.
func (d *Dispatcher) OnRaw(h RawHandler) {
	d.raw = h
}

// Send stamps body as an envelope of type t and hands it to the transport.
// reply, when set, receives the delivery status on a later Process.
func (d *Dispatcher) Send(to string, t MessageType, body any, reply func(error)) error {
	if d.Disabled() || d.mailbox == nil {
		return ErrNoConnection
	}

	env, err := NewEnvelope(d.identity, d.namespace, t, body)
	if err != nil {
		return err
	}
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	d.metrics.EnvelopesSent.WithLabelValues(t.String()).Inc()
	d.mailbox.Send(to, payload, func(err error) {
		if err != nil {
			d.metrics.SendFailures.WithLabelValues(WireError(err)).Inc()
		}
		if reply != nil {
			d.post(func() { reply(err) })
		} else if err != nil {
			d.post(func() {
				d.logger.Debug("delivery failed",
					zap.Stringer("type", t),
					zap.String("to", to),
					zap.Error(err))
			})
		}
	})
	return nil
}

// Broadcast sends body to every node of the namespace.
func (d *Dispatcher) Broadcast(t MessageType, body any) error {
	return d.Send(network.Broadcast, t, body, nil)
}

// Defer queues fn to run at the end of the next Process. Safe for concurrent
// use.
func (d *Dispatcher) Defer(fn func()) {
	if fn == nil || !d.Guard("defer") {
		return
	}
	d.deferMu.Lock()
	d.deferred = append(d.deferred, fn)
	d.deferMu.Unlock()
}

// Invoke runs fn, recovering and logging a panic. It reports whether fn
// returned normally.
func (d *Dispatcher) Invoke(what string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			d.metrics.CallbackPanics.Inc()
			d.logger.Error("callback panicked",
				zap.String("callback", what),
				zap.Any("panic", r))
		}
	}()
	fn()
	return true
}

// Process pumps inbound deliveries and then drains the deferred queue.
func (d *Dispatcher) Process() {
	d.Pump()
	d.RunDeferred()
}

// Pump dispatches every delivery queued by the transport so far.
func (d *Dispatcher) Pump() {
	d.inboxMu.Lock()
	batch := d.inbox
	d.inbox = nil
	d.inboxMu.Unlock()

	for _, in := range batch {
		if in.task != nil {
			d.Invoke("delivery reply", in.task)
			continue
		}
		d.dispatch(in.from, in.payload)
	}
}

// RunDeferred runs the tasks queued before this call, in FIFO order. Tasks
// deferred while draining run on the next call.
func (d *Dispatcher) RunDeferred() {
	d.deferMu.Lock()
	batch := d.deferred
	d.deferred = nil
	d.deferMu.Unlock()

	for _, fn := range batch {
		d.Invoke("deferred task", fn)
	}
}

func (d *Dispatcher) enqueue(from string, payload []byte) {
	if d.Disabled() {
		return
	}
	d.inboxMu.Lock()
	d.inbox = append(d.inbox, inbound{from: from, payload: payload})
	d.inboxMu.Unlock()
}

func (d *Dispatcher) post(task func()) {
	if d.Disabled() {
		return
	}
	d.inboxMu.Lock()
	d.inbox = append(d.inbox, inbound{task: task})
	d.inboxMu.Unlock()
}

func (d *Dispatcher) dispatch(from string, payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		d.metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		if d.raw != nil {
			d.Invoke("raw handler", func() { d.raw(from, payload) })
		} else {
			d.logger.Debug("dropping malformed payload", zap.String("from", from), zap.Error(err))
		}
		return
	}

	if env.Type == TypeUnknown {
		d.metrics.EnvelopesDropped.WithLabelValues("unknown_type").Inc()
		return
	}

	if d.domainFilter && env.Domain != "" && env.Domain != d.identity.Domain {
		d.metrics.EnvelopesDropped.WithLabelValues("domain").Inc()
		return
	}

	h, ok := d.handlers[env.Type]
	if !ok {
		d.metrics.EnvelopesDropped.WithLabelValues("no_handler").Inc()
		return
	}

	d.metrics.EnvelopesReceived.WithLabelValues(env.Type.String()).Inc()
	d.Invoke(env.Type.String()+" handler", func() { h(env) })
}

// IsDeliveryError reports whether err is one of the transport failure kinds.
func IsDeliveryError(err error) bool {
	return errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrRoutingFailed) ||
		errors.Is(err, ErrAmbiguousRecipient) ||
		errors.Is(err, ErrConnectionClosed)
}
