package rpc

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnfking/mqpulse/core"
	"github.com/johnfking/mqpulse/network"
)

type node struct {
	d   *core.Dispatcher
	rpc *RPC
}

type result struct {
	value any
	err   error
}

func newNode(t *testing.T, tr network.Transport, clk clock.Clock, name string) *node {
	t.Helper()
	d := core.NewDispatcher(tr, core.Options{
		Identity:  core.Identity{Name: name},
		Namespace: "rpc",
		Clock:     clk,
	})
	require.NoError(t, d.Start())
	return &node{d: d, rpc: New(d, 0)}
}

// process runs a few ticks on every node so request and response both land.
func process(nodes ...*node) {
	for i := 0; i < 3; i++ {
		for _, n := range nodes {
			n.d.Pump()
			n.rpc.Sweep(n.d.Now())
			n.d.RunDeferred()
		}
	}
}

func record(out *[]result) Callback {
	return func(value any, err error) {
		*out = append(*out, result{value, err})
	}
}

func echo(args any, _ string) (any, error) { return args, nil }

func TestSelfCallEcho(t *testing.T) {
	hub := network.NewHub()
	a := newNode(t, hub, clock.NewMock(), "a")
	a.rpc.Handle("echo", echo)

	var got []result
	id := a.rpc.Call("a", "echo", "hello", record(&got))
	assert.Equal(t, "a-1", id)
	assert.Equal(t, 1, a.rpc.Pending())

	process(a)
	require.Len(t, got, 1)
	assert.NoError(t, got[0].err)
	assert.Equal(t, "hello", got[0].value)
	assert.Zero(t, a.rpc.Pending())
}

func TestCallIDsIncrease(t *testing.T) {
	hub := network.NewHub()
	a := newNode(t, hub, clock.NewMock(), "a")

	assert.Equal(t, "a-1", a.rpc.Call("a", "m", nil, nil))
	assert.Equal(t, "a-2", a.rpc.Call("a", "m", nil, nil))
	assert.Zero(t, a.rpc.Pending(), "fire-and-forget leaves nothing pending")
}

func TestRemoteCallSeesCaller(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a")
	b := newNode(t, hub, clk, "b")

	b.rpc.Handle("whoami", func(args any, caller string) (any, error) {
		return map[string]any{"caller": caller, "args": args}, nil
	})

	var got []result
	a.rpc.Call("b", "whoami", []any{1, "x"}, record(&got))
	process(a, b)

	require.Len(t, got, 1)
	require.NoError(t, got[0].err)
	assert.Equal(t, map[string]any{"caller": "a", "args": []any{1.0, "x"}}, got[0].value)
}

func TestUnknownMethod(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a")
	b := newNode(t, hub, clk, "b")

	var got []result
	a.rpc.Call("b", "missing", nil, record(&got))
	process(a, b)

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, core.ErrServiceNotFound)
}

func TestHandlerErrors(t *testing.T) {
	hub := network.NewHub()
	a := newNode(t, hub, clock.NewMock(), "a")

	a.rpc.Handle("fail", func(any, string) (any, error) { return "ignored", errors.New("bad input") })
	a.rpc.Handle("panic", func(any, string) (any, error) { panic("exploded") })
	a.rpc.Handle("unencodable", func(any, string) (any, error) { return make(chan int), nil })

	var got []result
	a.rpc.Call("a", "fail", nil, record(&got))
	a.rpc.Call("a", "panic", nil, record(&got))
	a.rpc.Call("a", "unencodable", nil, record(&got))
	process(a)

	require.Len(t, got, 3)

	var he *core.HandlerError
	require.ErrorAs(t, got[0].err, &he)
	assert.Equal(t, "bad input", he.Message)
	assert.Nil(t, got[0].value)

	require.ErrorAs(t, got[1].err, &he)
	assert.Equal(t, "exploded", he.Message)

	assert.ErrorIs(t, got[2].err, core.ErrInvalidArguments)
}

func TestHandlerReplacementAndRemoval(t *testing.T) {
	hub := network.NewHub()
	a := newNode(t, hub, clock.NewMock(), "a")

	a.rpc.Handle("v", func(any, string) (any, error) { return "one", nil })
	a.rpc.Handle("v", func(any, string) (any, error) { return "two", nil })

	var got []result
	a.rpc.Call("a", "v", nil, record(&got))
	process(a)
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].value)

	a.rpc.Handle("v", nil)
	a.rpc.Call("a", "v", nil, record(&got))
	process(a)
	require.Len(t, got, 2)
	assert.ErrorIs(t, got[1].err, core.ErrServiceNotFound)
}

func TestTimeoutThenLateResponse(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a")
	b := newNode(t, hub, clk, "b")
	b.rpc.Handle("echo", echo)

	var got []result
	a.rpc.Call("b", "echo", "late", record(&got), WithTimeout(2*time.Second))

	// b has the request queued but has not processed it yet
	clk.Add(1999 * time.Millisecond)
	a.rpc.Sweep(clk.Now())
	assert.Empty(t, got)

	clk.Add(time.Millisecond)
	a.rpc.Sweep(clk.Now())
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, core.ErrTimeout)

	// the response now arrives and must be ignored
	process(a, b)
	assert.Len(t, got, 1)
}

func TestDefaultTimeout(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a")
	b := newNode(t, hub, clk, "b")
	hub.Partition("b", true)

	var got []result
	a.rpc.Call("b", "echo", nil, record(&got))
	process(a, b)
	assert.Empty(t, got)

	clk.Add(DefaultTimeout)
	process(a, b)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, core.ErrTimeout)
}

func TestRoutingFailure(t *testing.T) {
	hub := network.NewHub()
	a := newNode(t, hub, clock.NewMock(), "a")

	var got []result
	a.rpc.Call("ghost", "echo", nil, record(&got))
	process(a)

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, core.ErrRoutingFailed)
	assert.Zero(t, a.rpc.Pending())
}

func TestBroadcastFirstReplyWins(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a")
	b := newNode(t, hub, clk, "b")
	c := newNode(t, hub, clk, "c")
	b.rpc.Handle("who", func(any, string) (any, error) { return "b", nil })
	c.rpc.Handle("who", func(any, string) (any, error) { return "c", nil })

	var got []result
	a.rpc.Call("", "who", nil, record(&got))
	process(b, c, a)

	require.Len(t, got, 1)
	assert.NoError(t, got[0].err)
	assert.Equal(t, "b", got[0].value, "b answers before a and c")
	assert.Zero(t, a.rpc.Pending())

	clk.Add(time.Minute)
	process(a, b, c)
	assert.Len(t, got, 1, "later answers and the sweep are ignored")
}

func TestBroadcastReplyIncludesNotFound(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a")
	b := newNode(t, hub, clk, "b")
	b.rpc.Handle("who", func(any, string) (any, error) { return "b", nil })

	var got []result
	a.rpc.Call("", "who", nil, record(&got))
	process(a, b)

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, core.ErrServiceNotFound, "a answers its own broadcast first")
}

func TestBroadcastUnknownMethodAnswersNotFound(t *testing.T) {
	hub := network.NewHub()
	clk := clock.NewMock()
	a := newNode(t, hub, clk, "a")
	b := newNode(t, hub, clk, "b")

	var got []result
	a.rpc.Call("", "missing", nil, record(&got))
	process(b, a)

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, core.ErrServiceNotFound)
	assert.Zero(t, a.rpc.Pending())
}

func TestInvalidAndDisabledCalls(t *testing.T) {
	hub := network.NewHub()
	a := newNode(t, hub, clock.NewMock(), "a")

	var got []result
	assert.Empty(t, a.rpc.Call("a", "", nil, record(&got)))
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, core.ErrInvalidArguments)

	require.NoError(t, a.d.Shutdown())
	assert.Empty(t, a.rpc.Call("a", "echo", nil, record(&got)))
	require.Len(t, got, 2)
	assert.ErrorIs(t, got[1].err, core.ErrNoConnection)
}

func TestCallbackPanicIsContained(t *testing.T) {
	hub := network.NewHub()
	a := newNode(t, hub, clock.NewMock(), "a")
	a.rpc.Handle("echo", echo)

	a.rpc.Call("a", "echo", 1, func(any, error) { panic("callback bug") })
	assert.NotPanics(t, func() { process(a) })
	assert.Zero(t, a.rpc.Pending())
}
