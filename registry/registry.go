// Package registry implements a peer-to-peer directory of named services.
//
// Nodes offer services by name with free-form metadata. Offers are broadcast
// when made, sent directly to peers as they join, and answered on demand for
// refresh queries. Entries of a peer vanish when presence reports it gone.
package registry

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/core"
	"github.com/johnfking/mqpulse/rpc"
)

// DefaultQueryTimeout bounds how long FindServices collects answers
const DefaultQueryTimeout = 3 * time.Second

// Info is free-form metadata attached to an offering
type Info map[string]any

// Provider is one node offering a service
type Provider struct {
	Peer     string
	Info     Info
	LastSeen time.Time
	Local    bool
}

// FindFunc receives the providers collected by FindServices
type FindFunc func(providers []Provider)

// Op is the service envelope operation
type Op string

const (
	OpOffer  Op = "offer"
	OpRemove Op = "remove"
	OpQuery  Op = "query"
)

type serviceBody struct {
	Op   Op     `json:"op"`
	Name string `json:"name"`
	Info Info   `json:"info,omitempty"`
	ID   string `json:"id,omitempty"`
}

type entry struct {
	info     Info
	lastSeen time.Time
}

type query struct {
	seq      uint64
	name     string
	results  []Provider
	callback FindFunc
	expires  time.Time
}

// Registry owns the local offerings, the directory of remote ones and the
// in-flight refresh queries.
type Registry struct {
	d            *core.Dispatcher
	rpc          *rpc.RPC
	logger       *zap.Logger
	queryTimeout time.Duration
	selector     *selector

	local    map[string]Info
	remote   map[string]map[string]*entry // service -> peer -> entry
	queries  map[string]*query
	sequence uint64
}

// New creates the registry subsystem and registers its envelope handler.
func New(d *core.Dispatcher, r *rpc.RPC, queryTimeout time.Duration) *Registry {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	reg := &Registry{
		d:            d,
		rpc:          r,
		logger:       d.Logger().Named("registry"),
		queryTimeout: queryTimeout,
		selector:     newSelector(),
		local:        make(map[string]Info),
		remote:       make(map[string]map[string]*entry),
		queries:      make(map[string]*query),
	}
	d.On(core.TypeService, reg.receive)
	return reg
}

// Provide records or overwrites a local offering and announces it.
func (r *Registry) Provide(name string, info Info) error {
	if !r.d.Guard("provide") {
		return nil
	}
	if name == "" {
		return fmt.Errorf("%w: empty service name", core.ErrInvalidArguments)
	}
	r.local[name] = info
	return r.d.Broadcast(core.TypeService, serviceBody{Op: OpOffer, Name: name, Info: info})
}

// Unprovide clears a local offering and announces its removal.
func (r *Registry) Unprovide(name string) error {
	if !r.d.Guard("unprovide") {
		return nil
	}
	if _, ok := r.local[name]; !ok {
		return nil
	}
	delete(r.local, name)
	return r.d.Broadcast(core.TypeService, serviceBody{Op: OpRemove, Name: name})
}

// FindOption customizes FindServices and CallService
type FindOption func(*findOptions)

type findOptions struct {
	refresh     bool
	timeout     time.Duration
	callTimeout time.Duration
	strategy    Strategy
}

// WithRefresh controls whether a query is broadcast before answering.
// Refresh is on by default.
func WithRefresh(refresh bool) FindOption {
	return func(o *findOptions) { o.refresh = refresh }
}

// WithQueryTimeout overrides how long a refresh collects answers
func WithQueryTimeout(d time.Duration) FindOption {
	return func(o *findOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithCallTimeout sets the RPC timeout used by CallService
func WithCallTimeout(d time.Duration) FindOption {
	return func(o *findOptions) { o.callTimeout = d }
}

// WithStrategy picks how CallService chooses among providers
func WithStrategy(s Strategy) FindOption {
	return func(o *findOptions) { o.strategy = s }
}

func (r *Registry) options(opts []FindOption) findOptions {
	o := findOptions{refresh: true, timeout: r.queryTimeout, strategy: StrategyFirst}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FindServices reports every known provider of name: the local node first,
// then known peers by name. With refresh, a query is broadcast and answers
// are appended until the query timeout fires.
func (r *Registry) FindServices(name string, cb FindFunc, opts ...FindOption) {
	if cb == nil {
		return
	}
	if !r.d.Guard("find_services") {
		r.deliver(cb, []Provider{})
		return
	}

	o := r.options(opts)
	results := r.known(name)
	if !o.refresh {
		r.deliver(cb, results)
		return
	}

	r.sequence++
	id := fmt.Sprintf("%s-q%d", r.d.Name(), r.sequence)
	r.queries[id] = &query{
		seq:      r.sequence,
		name:     name,
		results:  results,
		callback: cb,
		expires:  r.d.Now().Add(o.timeout),
	}

	if err := r.d.Broadcast(core.TypeService, serviceBody{Op: OpQuery, Name: name, ID: id}); err != nil {
		r.logger.Warn("query not sent", zap.String("service", name), zap.Error(err))
	}
}

// CallService resolves name through FindServices and calls method on the
// provider chosen by the strategy, StrategyFirst by default.
func (r *Registry) CallService(name, method string, args any, cb rpc.Callback, opts ...FindOption) {
	if !r.d.Guard("call_service") {
		if cb != nil {
			r.d.Invoke("call_service callback", func() { cb(nil, core.ErrNoConnection) })
		}
		return
	}

	o := r.options(opts)
	r.FindServices(name, func(providers []Provider) {
		if len(providers) == 0 {
			if cb != nil {
				cb(nil, core.ErrServiceNotFound)
			}
			return
		}

		chosen := r.selector.pick(name, providers, o.strategy)
		var callOpts []rpc.CallOption
		if o.callTimeout > 0 {
			callOpts = append(callOpts, rpc.WithTimeout(o.callTimeout))
		}
		r.rpc.Call(chosen.Peer, method, args, cb, callOpts...)
	}, opts...)
}

// Sweep answers every query whose timeout has passed.
func (r *Registry) Sweep(now time.Time) {
	var expired []*query
	for id, q := range r.queries {
		if !now.Before(q.expires) {
			expired = append(expired, q)
			delete(r.queries, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })

	for _, q := range expired {
		r.deliver(q.callback, q.results)
	}
}

// PeerJoined sends every local offering to the new peer.
func (r *Registry) PeerJoined(peer string) {
	for _, name := range sortedKeys(r.local) {
		err := r.d.Send(peer, core.TypeService, serviceBody{Op: OpOffer, Name: name, Info: r.local[name]}, nil)
		if err != nil {
			r.logger.Debug("offer not sent", zap.String("peer", peer), zap.Error(err))
		}
	}
}

// PeerLeft drops every entry of the departed peer, including answers it
// gave to queries still open.
func (r *Registry) PeerLeft(peer string) {
	for name, peers := range r.remote {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(r.remote, name)
		}
	}
	for _, q := range r.queries {
		q.drop(peer)
	}
}

// Offerings returns the names of local offerings, sorted
func (r *Registry) Offerings() []string {
	return sortedKeys(r.local)
}

func (r *Registry) known(name string) []Provider {
	results := []Provider{}
	if info, ok := r.local[name]; ok {
		results = append(results, Provider{Peer: r.d.Name(), Info: info, LastSeen: r.d.Now(), Local: true})
	}

	peers := r.remote[name]
	for _, peer := range sortedKeys(peers) {
		e := peers[peer]
		results = append(results, Provider{Peer: peer, Info: e.info, LastSeen: e.lastSeen})
	}
	return results
}

func (r *Registry) deliver(cb FindFunc, providers []Provider) {
	r.d.Invoke("find_services callback", func() { cb(providers) })
}

func (r *Registry) receive(env *core.Envelope) {
	if env.Sender == r.d.Name() {
		return
	}

	var body serviceBody
	if err := env.DecodeBody(&body); err != nil || body.Name == "" {
		r.logger.Debug("dropping service envelope", zap.String("from", env.Sender), zap.Error(err))
		return
	}

	switch body.Op {
	case OpOffer:
		r.offered(env.Sender, body)
	case OpRemove:
		if peers, ok := r.remote[body.Name]; ok {
			delete(peers, env.Sender)
			if len(peers) == 0 {
				delete(r.remote, body.Name)
			}
		}
		for _, q := range r.queries {
			if q.name == body.Name {
				q.drop(env.Sender)
			}
		}
	case OpQuery:
		if info, ok := r.local[body.Name]; ok {
			reply := serviceBody{Op: OpOffer, Name: body.Name, Info: info, ID: body.ID}
			if err := r.d.Send(env.Sender, core.TypeService, reply, nil); err != nil {
				r.logger.Debug("query answer not sent", zap.String("peer", env.Sender), zap.Error(err))
			}
		}
	default:
		r.logger.Debug("unknown service op", zap.String("op", string(body.Op)), zap.String("from", env.Sender))
	}
}

func (r *Registry) offered(peer string, body serviceBody) {
	now := r.d.Now()
	peers, ok := r.remote[body.Name]
	if !ok {
		peers = make(map[string]*entry)
		r.remote[body.Name] = peers
	}
	peers[peer] = &entry{info: body.Info, lastSeen: now}

	provider := Provider{Peer: peer, Info: body.Info, LastSeen: now}
	for _, q := range r.queries {
		if q.name != body.Name {
			continue
		}
		replaced := false
		for i := range q.results {
			if q.results[i].Peer == peer {
				q.results[i] = provider
				replaced = true
				break
			}
		}
		if !replaced {
			q.results = append(q.results, provider)
		}
	}
}

func (q *query) drop(peer string) {
	kept := q.results[:0]
	for _, p := range q.results {
		if p.Peer != peer || p.Local {
			kept = append(kept, p)
		}
	}
	q.results = kept
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
