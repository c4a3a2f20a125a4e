package pubsub

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnfking/mqpulse/core"
	"github.com/johnfking/mqpulse/network"
)

type delivery struct {
	topic string
	data  any
	from  string
}

func newPubSub(t *testing.T, tr network.Transport, name string) (*PubSub, *core.Dispatcher) {
	t.Helper()
	d := core.NewDispatcher(tr, core.Options{Identity: core.Identity{Name: name}, Namespace: "ps"})
	require.NoError(t, d.Start())
	return New(d), d
}

func collect(out *[]delivery) Handler {
	return func(topic string, data any, from string) {
		*out = append(*out, delivery{topic, data, from})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a.b", "a.b", true},
		{"a.b", "a.b.c", true},
		{"a.b", "a.b.c.d", true},
		{"a.b", "a", false},
		{"a.b", "ab", false},
		{"a.b", "a.bc", false},
		{"a", "a.b", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.topic), "%s ~ %s", tt.pattern, tt.topic)
	}
}

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	hub := network.NewHub()
	pub, pd := newPubSub(t, hub, "pub")
	sub, sd := newPubSub(t, hub, "sub")

	var exact, parent, other []delivery
	_, err := sub.Subscribe("a.b", collect(&exact))
	require.NoError(t, err)
	_, err = sub.Subscribe("a", collect(&parent))
	require.NoError(t, err)
	_, err = sub.Subscribe("ab", collect(&other))
	require.NoError(t, err)

	require.NoError(t, pub.Publish("a.b.c", map[string]any{"n": 1.0}))
	require.NoError(t, pub.Publish("a", "root"))
	pd.Process()
	sd.Process()

	require.Len(t, exact, 1)
	assert.Equal(t, delivery{"a.b.c", map[string]any{"n": 1.0}, "pub"}, exact[0])
	assert.Len(t, parent, 2)
	assert.Empty(t, other)
}

func TestPublishReachesLocalSubscribers(t *testing.T) {
	hub := network.NewHub()
	ps, d := newPubSub(t, hub, "solo")

	var got []delivery
	_, err := ps.Subscribe("chat", collect(&got))
	require.NoError(t, err)

	require.NoError(t, ps.Publish("chat.room", "hi"))
	d.Process()
	require.Len(t, got, 1)
	assert.Equal(t, "solo", got[0].from)
}

func TestPublishTargeted(t *testing.T) {
	hub := network.NewHub()
	pub, _ := newPubSub(t, hub, "pub")
	b, bd := newPubSub(t, hub, "b")
	c, cd := newPubSub(t, hub, "c")

	var gotB, gotC []delivery
	_, err := b.Subscribe("t", collect(&gotB))
	require.NoError(t, err)
	_, err = c.Subscribe("t", collect(&gotC))
	require.NoError(t, err)

	require.NoError(t, pub.Publish("t", 1, "b"))
	require.NoError(t, pub.Publish("t", 2, "b", "c"))
	bd.Process()
	cd.Process()

	assert.Len(t, gotB, 2)
	require.Len(t, gotC, 1)
	assert.Equal(t, 2.0, gotC[0].data)
}

func TestUnsubscribe(t *testing.T) {
	hub := network.NewHub()
	ps, d := newPubSub(t, hub, "n")

	var got []delivery
	id, err := ps.Subscribe("t", collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 1, ps.Subscriptions())

	assert.True(t, ps.Unsubscribe(id))
	assert.False(t, ps.Unsubscribe(id))
	assert.Zero(t, ps.Subscriptions())

	require.NoError(t, ps.Publish("t", nil))
	d.Process()
	assert.Empty(t, got)
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	hub := network.NewHub()
	ps, d := newPubSub(t, hub, "n")

	var got []delivery
	_, err := ps.Subscribe("t", func(string, any, string) { panic("bad subscriber") })
	require.NoError(t, err)
	_, err = ps.Subscribe("t", collect(&got))
	require.NoError(t, err)

	require.NoError(t, ps.Publish("t", nil))
	d.Process()
	assert.Len(t, got, 1)
}

func TestInvalidArguments(t *testing.T) {
	hub := network.NewHub()
	ps, _ := newPubSub(t, hub, "n")

	assert.ErrorIs(t, ps.Publish("", nil), core.ErrInvalidArguments)
	_, err := ps.Subscribe("", collect(new([]delivery)))
	assert.ErrorIs(t, err, core.ErrInvalidArguments)
	_, err = ps.Subscribe("t", nil)
	assert.ErrorIs(t, err, core.ErrInvalidArguments)
}

type brokenTransport struct{}

func (brokenTransport) Register(string, string, network.MessageFunc) (network.Mailbox, error) {
	return nil, errors.New("down")
}

func TestDisabledPubSubIsNoop(t *testing.T) {
	d := core.NewDispatcher(brokenTransport{}, core.Options{Identity: core.Identity{Name: "n"}, Namespace: "ps"})
	assert.Error(t, d.Start())
	ps := New(d)

	assert.NoError(t, ps.Publish("t", 1))
	id, err := ps.Subscribe("t", collect(new([]delivery)))
	assert.NoError(t, err)
	assert.Zero(t, id)
	assert.False(t, ps.Unsubscribe(1))
}
