// Package rpc implements correlated request/response calls between nodes.
//
// Calls are correlated by "<caller>-<n>" ids. A pending call completes
// exactly once: with the first response, with a delivery failure reported by
// the transport, or with ErrTimeout from the sweep run on every Process.
package rpc

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/core"
)

// DefaultTimeout applies to calls made without WithTimeout
const DefaultTimeout = 5 * time.Second

// Handler serves one method. caller is the name of the requesting node.
type Handler func(args any, caller string) (any, error)

// Callback receives the outcome of a call. Exactly one of result and err is
// meaningful.
type Callback func(result any, err error)

// CallOption customizes a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the default call timeout
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

type requestBody struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Args   any    `json:"args,omitempty"`
}

type responseBody struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Err    string `json:"err,omitempty"`
}

type pendingCall struct {
	seq      uint64
	method   string
	callback Callback
	expires  time.Time
}

// RPC owns a node's method table and pending calls.
type RPC struct {
	d              *core.Dispatcher
	logger         *zap.Logger
	defaultTimeout time.Duration

	handlers map[string]Handler
	pending  map[string]*pendingCall
	sequence uint64
}

// New creates the RPC subsystem and registers its envelope handlers.
func New(d *core.Dispatcher, defaultTimeout time.Duration) *RPC {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	r := &RPC{
		d:              d,
		logger:         d.Logger().Named("rpc"),
		defaultTimeout: defaultTimeout,
		handlers:       make(map[string]Handler),
		pending:        make(map[string]*pendingCall),
	}
	d.On(core.TypeRequest, r.receiveRequest)
	d.On(core.TypeResponse, r.receiveResponse)
	return r
}

// Handle registers handler for method, replacing any earlier one. A nil
// handler removes the method.
func (r *RPC) Handle(method string, handler Handler) {
	if !r.d.Guard("handle") {
		return
	}
	if handler == nil {
		delete(r.handlers, method)
		return
	}
	r.handlers[method] = handler
}

// Call invokes method on target, or on every node when target is empty, in
// which case the first response wins. A nil callback makes the call
// fire-and-forget. The returned id is empty when no request was sent.
func (r *RPC) Call(target, method string, args any, cb Callback, opts ...CallOption) string {
	if !r.d.Guard("call") {
		r.complete(cb, nil, core.ErrNoConnection)
		return ""
	}
	if method == "" {
		r.complete(cb, nil, fmt.Errorf("%w: empty method", core.ErrInvalidArguments))
		return ""
	}

	o := callOptions{timeout: r.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	r.sequence++
	id := fmt.Sprintf("%s-%d", r.d.Name(), r.sequence)

	if cb != nil {
		r.pending[id] = &pendingCall{
			seq:      r.sequence,
			method:   method,
			callback: cb,
			expires:  r.d.Now().Add(o.timeout),
		}
		r.d.Metrics().PendingCalls.Inc()
	}

	body := requestBody{ID: id, Method: method, Args: args}
	err := r.d.Send(target, core.TypeRequest, body, func(err error) {
		if core.IsDeliveryError(err) {
			r.logger.Debug("request undeliverable",
				zap.String("id", id),
				zap.String("target", target),
				zap.Error(err))
		}
		if err != nil {
			r.finish(id, nil, err)
		}
	})
	if err != nil {
		r.finish(id, nil, err)
		return ""
	}
	return id
}

// Pending returns the number of calls awaiting completion
func (r *RPC) Pending() int {
	return len(r.pending)
}

// Sweep completes every call whose deadline has passed with ErrTimeout.
func (r *RPC) Sweep(now time.Time) {
	var expired []string
	for id, p := range r.pending {
		if !now.Before(p.expires) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return
	}

	sort.Slice(expired, func(i, j int) bool {
		return r.pending[expired[i]].seq < r.pending[expired[j]].seq
	})
	for _, id := range expired {
		r.logger.Debug("call timed out",
			zap.String("id", id),
			zap.String("method", r.pending[id].method))
		r.d.Metrics().CallTimeouts.Inc()
		r.finish(id, nil, core.ErrTimeout)
	}
}

// finish removes a pending call and runs its callback. Unknown ids are
// ignored, which makes completion at-most-once.
func (r *RPC) finish(id string, result any, err error) {
	p, ok := r.pending[id]
	if !ok {
		return
	}
	delete(r.pending, id)
	r.d.Metrics().PendingCalls.Dec()
	r.complete(p.callback, result, err)
}

func (r *RPC) complete(cb Callback, result any, err error) {
	if cb == nil {
		return
	}
	r.d.Invoke("rpc callback", func() { cb(result, err) })
}

func (r *RPC) receiveRequest(env *core.Envelope) {
	var req requestBody
	if err := env.DecodeBody(&req); err != nil || req.ID == "" {
		r.logger.Debug("dropping request", zap.String("from", env.Sender), zap.Error(err))
		return
	}

	handler, ok := r.handlers[req.Method]
	if !ok {
		r.respond(env.Sender, responseBody{ID: req.ID, Err: core.WireError(core.ErrServiceNotFound)})
		return
	}

	result, err := r.serve(handler, req, env.Sender)
	resp := responseBody{ID: req.ID, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Err = core.WireError(err)
	}
	r.respond(env.Sender, resp)
}

// serve runs a handler, converting both returned errors and panics into
// HandlerError.
func (r *RPC) serve(handler Handler, req requestBody, caller string) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("handler panicked",
				zap.String("method", req.Method),
				zap.String("caller", caller),
				zap.Any("panic", p))
			result, err = nil, &core.HandlerError{Message: fmt.Sprint(p)}
		}
	}()

	result, err = handler(req.Args, caller)
	if err != nil {
		var he *core.HandlerError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, &core.HandlerError{Message: err.Error()}
	}
	return result, nil
}

func (r *RPC) respond(to string, resp responseBody) {
	err := r.d.Send(to, core.TypeResponse, resp, func(err error) {
		if err != nil {
			r.logger.Debug("response undeliverable",
				zap.String("id", resp.ID),
				zap.String("to", to),
				zap.Error(err))
		}
	})
	if errors.Is(err, core.ErrInvalidArguments) && resp.Err == "" {
		// the result could not be encoded; answer with the error instead
		r.respond(to, responseBody{ID: resp.ID, Err: core.WireError(err)})
		return
	}
	if err != nil {
		r.logger.Warn("cannot send response", zap.String("id", resp.ID), zap.Error(err))
	}
}

func (r *RPC) receiveResponse(env *core.Envelope) {
	var resp responseBody
	if err := env.DecodeBody(&resp); err != nil {
		r.logger.Debug("dropping response", zap.String("from", env.Sender), zap.Error(err))
		return
	}
	r.finish(resp.ID, resp.Result, core.ParseWireError(resp.Err))
}
