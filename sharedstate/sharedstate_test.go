package sharedstate

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnfking/mqpulse/core"
	"github.com/johnfking/mqpulse/network"
)

type change struct {
	owner    string
	newValue any
	oldValue any
}

type node struct {
	d     *core.Dispatcher
	state *Manager
}

func newNode(t *testing.T, hub *network.Hub, clk *clock.Mock, name string, interval time.Duration) *node {
	t.Helper()
	d := core.NewDispatcher(hub, core.Options{
		Identity:  core.Identity{Name: name},
		Namespace: "state",
		Clock:     clk,
	})
	require.NoError(t, d.Start())
	return &node{d: d, state: New(d, interval)}
}

func tick(nodes ...*node) {
	for _, n := range nodes {
		n.d.Pump()
		n.state.Tick(n.d.Now())
		n.d.RunDeferred()
	}
	for _, n := range nodes {
		n.d.Pump()
	}
}

func watch(g *Group, key string, out *[]change) {
	g.OnChange(key, func(owner string, newValue, oldValue any) {
		*out = append(*out, change{owner, newValue, oldValue})
	})
}

func TestSetReplicatesToPeers(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)
	b := newNode(t, hub, clk, "b", DefaultSyncInterval)

	ga := a.state.Group("lobby")
	gb := b.state.Group("lobby")

	var localEvents, remoteEvents []change
	watch(ga, "hp", &localEvents)
	watch(gb, "hp", &remoteEvents)

	ga.Set("hp", 100)
	assert.Equal(t, []change{{"a", 100, nil}}, localEvents, "local handlers fire synchronously")

	tick(a, b)
	assert.Equal(t, []change{{"a", 100.0, nil}}, remoteEvents)
	assert.Len(t, localEvents, 1, "own delta loops back and is ignored")

	v, ok := gb.GetFrom("a", "hp")
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	_, ok = gb.Get("hp")
	assert.False(t, ok, "b has no local value")

	gb.Set("hp", 80)
	tick(a, b)
	assert.Equal(t, map[string]any{"a": 100, "b": 80.0}, ga.GetAll("hp"))
}

func TestUnchangedValueIsSilent(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)

	var sent int
	listener, err := hub.Register("state", "listener", func(string, []byte) { sent++ })
	require.NoError(t, err)
	defer listener.Close()

	g := a.state.Group("g")
	var events []change
	watch(g, "k", &events)

	g.Set("k", map[string]any{"x": 1})
	g.Set("k", map[string]any{"x": 1.0})
	g.Set("missing", nil)

	assert.Len(t, events, 1)
	assert.Equal(t, 1, sent)
}

func TestDeleteReplicates(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)
	b := newNode(t, hub, clk, "b", DefaultSyncInterval)

	ga := a.state.Group("g")
	gb := b.state.Group("g")
	var events []change
	watch(gb, "k", &events)

	ga.Set("k", "v")
	tick(a, b)
	ga.Set("k", nil)
	tick(a, b)

	assert.Equal(t, []change{{"a", "v", nil}, {"a", nil, "v"}}, events)
	_, ok := gb.GetFrom("a", "k")
	assert.False(t, ok)
	_, ok = ga.Get("k")
	assert.False(t, ok)
}

func TestMergeSendsOnlyChangedKeys(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)

	var payloads [][]byte
	listener, err := hub.Register("state", "listener", func(_ string, p []byte) { payloads = append(payloads, p) })
	require.NoError(t, err)
	defer listener.Close()

	g := a.state.Group("g")
	g.Merge(map[string]any{"x": 1, "y": 2})
	g.Merge(map[string]any{"x": 1, "y": 3})

	require.Len(t, payloads, 2)
	env, err := core.DecodeEnvelope(payloads[1])
	require.NoError(t, err)
	var body stateBody
	require.NoError(t, env.DecodeBody(&body))
	assert.Equal(t, OpDelta, body.Op)
	assert.Equal(t, map[string]any{"y": 3.0}, body.Data)
}

func TestFullSyncRepairsLostDelta(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", 30*time.Second)
	b := newNode(t, hub, clk, "b", 30*time.Second)

	hub.SetDropFunc(func(from, to string, payload []byte) bool {
		return to == "b" && bytes.Contains(payload, []byte(`"op":"delta"`))
	})

	ga := a.state.Group("g")
	gb := b.state.Group("g")
	var events []change
	watch(gb, "k", &events)

	ga.Set("k", "v")
	tick(a, b)
	_, ok := gb.GetFrom("a", "k")
	require.False(t, ok, "delta was lost")

	clk.Add(29 * time.Second)
	tick(a, b)
	_, ok = gb.GetFrom("a", "k")
	assert.False(t, ok)

	clk.Add(time.Second)
	tick(a, b)
	v, ok := gb.GetFrom("a", "k")
	require.True(t, ok, "converged within one sync interval")
	assert.Equal(t, "v", v)
	assert.Len(t, events, 1)

	// a second full sync changes nothing and fires nothing
	clk.Add(30 * time.Second)
	tick(a, b)
	assert.Len(t, events, 1)
}

func TestSyncDisabled(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", 0)

	var sent int
	listener, err := hub.Register("state", "listener", func(string, []byte) { sent++ })
	require.NoError(t, err)
	defer listener.Close()

	a.state.Group("g").Set("k", 1)
	require.Equal(t, 1, sent)

	clk.Add(time.Hour)
	tick(a)
	assert.Equal(t, 1, sent)
}

func TestPeerJoinSendsSnapshot(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)

	ga := a.state.Group("g")
	ga.Merge(map[string]any{"x": 1, "y": "two"})
	a.state.Group("empty")

	// b arrives after the deltas went out
	b := newNode(t, hub, clk, "b", DefaultSyncInterval)
	gb := b.state.Group("g")

	var joined []string
	ga.OnJoin(func(peer string) { joined = append(joined, peer) })

	a.state.PeerJoined("b")
	tick(b)

	assert.Equal(t, []string{"b"}, joined)
	assert.Equal(t, map[string]any{"a": 1.0}, gb.GetAll("x"))
	assert.Equal(t, map[string]any{"a": "two"}, gb.GetAll("y"))
	assert.Equal(t, []string{"empty", "g"}, a.state.Groups())
}

func TestPeerLeaveDropsSlice(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)
	b := newNode(t, hub, clk, "b", DefaultSyncInterval)

	ga := a.state.Group("g")
	gb := b.state.Group("g")
	var events []change
	var left []string
	watch(gb, "k", &events)
	gb.OnLeave(func(peer string) { left = append(left, peer) })

	ga.Set("k", 1)
	tick(a, b)
	require.Len(t, events, 1)

	b.state.PeerLeft("a")
	assert.Empty(t, gb.GetAll("k"))
	assert.Equal(t, []string{"a"}, left)
	assert.Len(t, events, 1, "leave does not fire change handlers")
}

func TestLateStateAfterLeaveIsIgnored(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", time.Second)
	b := newNode(t, hub, clk, "b", DefaultSyncInterval)

	ga := a.state.Group("g")
	gb := b.state.Group("g")
	var events []change
	watch(gb, "k", &events)

	ga.Set("k", 1)
	tick(a, b)
	require.Len(t, events, 1)

	// a's delta and sync are still in flight when b sees it leave
	ga.Set("k", 2)
	clk.Add(time.Second)
	a.state.Tick(a.d.Now())
	b.state.PeerLeft("a")
	tick(b)
	assert.Empty(t, gb.GetAll("k"))
	assert.Len(t, events, 1)

	b.state.PeerJoined("a")
	ga.Set("k", 3)
	tick(a, b)
	assert.Equal(t, map[string]any{"a": 3.0}, gb.GetAll("k"))
	require.Len(t, events, 2)
	assert.Equal(t, change{"a", 3.0, nil}, events[1])
}

func TestHandlesAfterClose(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)

	g := a.state.Group("g")
	g.Set("k", 1)
	a.state.Close()

	assert.NotPanics(t, func() {
		g.Set("k", 2)
		g.Merge(map[string]any{"k": 3})
		g.OnChange("k", func(string, any, any) {})
	})
	_, ok := g.Get("k")
	assert.False(t, ok)
	assert.Empty(t, g.GetAll("k"))
	assert.Empty(t, a.state.Groups())
	assert.Empty(t, a.state.Group("other").GetAll("k"))
}

func TestFailingChangeHandlerIsIsolated(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a", DefaultSyncInterval)

	g := a.state.Group("g")
	var events []change
	g.OnChange("k", func(string, any, any) { panic("broken") })
	watch(g, "k", &events)

	assert.NotPanics(t, func() { g.Set("k", 1) })
	assert.Len(t, events, 1)
	v, _ := g.Get("k")
	assert.Equal(t, 1, v)
}
