package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type inbox struct {
	mu       sync.Mutex
	received []string
}

func (i *inbox) onMessage(from string, payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.received = append(i.received, from+":"+string(payload))
}

func (i *inbox) snapshot() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.received...)
}

func startRelay(t *testing.T) (*Relay, *RelayConfig) {
	t.Helper()
	config := DefaultRelayConfig()
	config.Address = "127.0.0.1:0"
	config.DialTimeout = 2 * time.Second

	relay := NewRelay(config, zaptest.NewLogger(t))
	require.NoError(t, relay.Start())
	t.Cleanup(func() { relay.Stop() })

	client := *config
	client.Address = relay.Addr().String()
	return relay, &client
}

func sendAndWait(t *testing.T, mb Mailbox, to, payload string) error {
	t.Helper()
	done := make(chan error, 1)
	mb.Send(to, []byte(payload), func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no acknowledgement from relay")
		return nil
	}
}

func TestRelayDoubleStart(t *testing.T) {
	relay, _ := startRelay(t)
	assert.ErrorIs(t, relay.Start(), ErrRelayRunning)
	assert.True(t, relay.Statistics().Running)
}

func TestTCPTransportRouting(t *testing.T) {
	relay, config := startRelay(t)
	transport := NewTCPTransport(config, zaptest.NewLogger(t))

	boxA := &inbox{}
	a, err := transport.Register("ns", "a", boxA.onMessage)
	require.NoError(t, err)
	defer a.Close()

	boxB := &inbox{}
	b, err := transport.Register("ns", "b", boxB.onMessage)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, sendAndWait(t, a, "b", "direct"))
	assert.Eventually(t, func() bool {
		return len(boxB.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a:direct"}, boxB.snapshot())

	require.NoError(t, sendAndWait(t, b, Broadcast, "all"))
	assert.Eventually(t, func() bool {
		return len(boxA.snapshot()) == 1 && len(boxB.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, sendAndWait(t, a, "nobody", "x"), ErrRoutingFailed)

	stats := relay.Statistics()
	assert.Equal(t, int64(2), stats.CurrentConnections)
	assert.Equal(t, int64(1), stats.FailedFrames)
}

func TestTCPTransportAmbiguousRecipient(t *testing.T) {
	_, config := startRelay(t)
	transport := NewTCPTransport(config, nil)

	sender, err := transport.Register("ns", "sender", func(string, []byte) {})
	require.NoError(t, err)
	defer sender.Close()

	for i := 0; i < 2; i++ {
		dup, err := transport.Register("ns", "twin", func(string, []byte) {})
		require.NoError(t, err)
		defer dup.Close()
	}

	assert.ErrorIs(t, sendAndWait(t, sender, "twin", "x"), ErrAmbiguousRecipient)
}

func TestTCPTransportClosedMailbox(t *testing.T) {
	_, config := startRelay(t)
	transport := NewTCPTransport(config, nil)

	mb, err := transport.Register("ns", "a", func(string, []byte) {})
	require.NoError(t, err)
	require.NoError(t, mb.Close())

	assert.ErrorIs(t, sendAndWait(t, mb, Broadcast, "x"), ErrConnectionClosed)
}

func TestTCPTransportRelayDown(t *testing.T) {
	relay, config := startRelay(t)
	transport := NewTCPTransport(config, nil)

	mb, err := transport.Register("ns", "a", func(string, []byte) {})
	require.NoError(t, err)
	defer mb.Close()

	require.NoError(t, relay.Stop())

	assert.Eventually(t, func() bool {
		return mb.(*tcpMailbox).State() == ConnectionStateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sendAndWait(t, mb, Broadcast, "x"), ErrNoConnection)

	_, err = transport.Register("ns", "b", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestTCPTransportRefusesEmptyName(t *testing.T) {
	_, config := startRelay(t)
	transport := NewTCPTransport(config, nil)

	_, err := transport.Register("ns", "", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrRegisterRefused)
}
