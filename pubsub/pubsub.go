// Package pubsub implements hierarchical topic publish/subscribe on top of
// the core dispatcher.
package pubsub

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/core"
)

// Handler receives a message published on a topic matching its pattern.
type Handler func(topic string, data any, from string)

// SubscriptionID identifies a subscription for Unsubscribe. Zero is never
// a valid id.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	pattern string
	handler Handler
}

type publishBody struct {
	Topic string   `json:"topic"`
	Data  any      `json:"data,omitempty"`
	To    []string `json:"to,omitempty"`
}

// PubSub owns a node's subscriptions.
type PubSub struct {
	d      *core.Dispatcher
	logger *zap.Logger

	subs   []*subscription
	nextID SubscriptionID
}

// New creates the pub/sub subsystem and registers its envelope handler.
func New(d *core.Dispatcher) *PubSub {
	ps := &PubSub{
		d:      d,
		logger: d.Logger().Named("pubsub"),
	}
	d.On(core.TypePublish, ps.receive)
	return ps
}

// Match reports whether topic is pattern itself or one of its descendants.
func Match(pattern, topic string) bool {
	return topic == pattern || strings.HasPrefix(topic, pattern+".")
}

// Publish broadcasts data on topic. When to is non-empty only the named
// nodes accept it.
func (ps *PubSub) Publish(topic string, data any, to ...string) error {
	if !ps.d.Guard("publish") {
		return nil
	}
	if topic == "" {
		return fmt.Errorf("%w: empty topic", core.ErrInvalidArguments)
	}
	return ps.d.Broadcast(core.TypePublish, publishBody{Topic: topic, Data: data, To: to})
}

// Subscribe registers handler for every topic matching pattern.
func (ps *PubSub) Subscribe(pattern string, handler Handler) (SubscriptionID, error) {
	if !ps.d.Guard("subscribe") {
		return 0, nil
	}
	if pattern == "" || handler == nil {
		return 0, fmt.Errorf("%w: subscription needs a pattern and a handler", core.ErrInvalidArguments)
	}

	ps.nextID++
	ps.subs = append(ps.subs, &subscription{id: ps.nextID, pattern: pattern, handler: handler})
	return ps.nextID, nil
}

// Unsubscribe removes a subscription and reports whether it existed.
func (ps *PubSub) Unsubscribe(id SubscriptionID) bool {
	if !ps.d.Guard("unsubscribe") {
		return false
	}
	for i, s := range ps.subs {
		if s.id == id {
			ps.subs = slices.Delete(ps.subs, i, i+1)
			return true
		}
	}
	return false
}

// Subscriptions returns the number of live subscriptions
func (ps *PubSub) Subscriptions() int {
	return len(ps.subs)
}

func (ps *PubSub) receive(env *core.Envelope) {
	var body publishBody
	if err := env.DecodeBody(&body); err != nil {
		ps.logger.Debug("dropping publish", zap.String("from", env.Sender), zap.Error(err))
		return
	}

	if len(body.To) > 0 && !slices.Contains(body.To, ps.d.Name()) {
		return
	}

	// handlers may subscribe or unsubscribe while we iterate
	matched := make([]*subscription, 0, len(ps.subs))
	for _, s := range ps.subs {
		if Match(s.pattern, body.Topic) {
			matched = append(matched, s)
		}
	}

	for _, s := range matched {
		s := s
		ps.d.Invoke("subscriber "+s.pattern, func() {
			s.handler(body.Topic, body.Data, env.Sender)
		})
	}
}
