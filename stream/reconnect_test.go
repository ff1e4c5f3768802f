package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectFlushesQueueInOrder(t *testing.T) {
	svc := newTestService()
	defer svc.Close()

	require.NoError(t, svc.Connect("c1", &fakeTransport{}))
	svc.Disconnect("c1")

	for _, payload := range []string{"m1", "m2", "m3"} {
		assert.False(t, svc.Send("c1", Message{Type: "x", Data: payload}))
	}
	require.Equal(t, 3, svc.QueueLen("c1"))

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))
	svc.HandleInbound("c1", []byte(`{"type":"reconnect"}`))

	flushed := transport.ofType("x")
	require.Len(t, flushed, 3)
	assert.Equal(t, "m1", flushed[0].Data)
	assert.Equal(t, "m2", flushed[1].Data)
	assert.Equal(t, "m3", flushed[2].Data)

	// Queue is empty after the flush.
	assert.Equal(t, 0, svc.QueueLen("c1"))
}

func TestFlushedMessagesAreResequenced(t *testing.T) {
	svc := newTestService()
	defer svc.Close()

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))

	// Sequences 1 and 2 delivered live.
	svc.Send("c1", Message{Type: "x", Data: "live1"})
	svc.Send("c1", Message{Type: "x", Data: "live2"})

	svc.Disconnect("c1")

	// Sequences 3 and 4 are consumed while offline.
	svc.Send("c1", Message{Type: "x", Data: "offline1"})
	svc.Send("c1", Message{Type: "x", Data: "offline2"})

	transport2 := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport2))
	svc.HandleInbound("c1", []byte(`{"type":"reconnect"}`))

	flushed := transport2.ofType("x")
	require.Len(t, flushed, 2)

	// Fresh sequence numbers, not the ones consumed at enqueue time.
	assert.Equal(t, uint64(5), flushed[0].Sequence)
	assert.Equal(t, uint64(6), flushed[1].Sequence)
	assert.Equal(t, "offline1", flushed[0].Data)
	assert.Equal(t, "offline2", flushed[1].Data)
}

func TestFlushBeforeNewMessages(t *testing.T) {
	svc := newTestService()
	defer svc.Close()

	require.NoError(t, svc.Connect("c1", &fakeTransport{}))
	svc.Disconnect("c1")

	svc.Send("c1", Message{Type: "x", Data: "queued"})

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))
	svc.HandleInbound("c1", []byte(`{"type":"reconnect"}`))
	svc.Send("c1", Message{Type: "x", Data: "fresh"})

	got := transport.ofType("x")
	require.Len(t, got, 2)
	assert.Equal(t, "queued", got[0].Data)
	assert.Equal(t, "fresh", got[1].Data)
}

func TestReconnectWithEmptyQueue(t *testing.T) {
	svc := newTestService()
	defer svc.Close()

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))
	sentBefore := len(transport.all())

	svc.HandleInbound("c1", []byte(`{"type":"reconnect"}`))

	assert.Len(t, transport.all(), sentBefore)
}

func TestCleanupRemovesStateAfterWindow(t *testing.T) {
	svc := newTestService(func(c *Config) { c.ReconnectWindow = 30 * time.Millisecond })
	defer svc.Close()

	require.NoError(t, svc.Connect("c1", &fakeTransport{}))
	svc.Disconnect("c1")
	svc.Send("c1", Message{Type: "x", Data: "doomed"})
	require.Equal(t, 1, svc.QueueLen("c1"))

	assert.Eventually(t, func() bool {
		return svc.QueueLen("c1") == 0
	}, time.Second, 5*time.Millisecond)

	// Sequence counter was reset with the state: a fresh connection
	// starts sequencing at 1 again.
	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))
	svc.Send("c1", Message{Type: "x", Data: "fresh"})

	sent := transport.ofType("x")
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(1), sent[0].Sequence)
}

func TestCleanupSkippedWhenReconnected(t *testing.T) {
	svc := newTestService(func(c *Config) { c.ReconnectWindow = 30 * time.Millisecond })
	defer svc.Close()

	require.NoError(t, svc.Connect("c1", &fakeTransport{}))
	svc.Disconnect("c1")
	svc.Send("c1", Message{Type: "x", Data: "kept"})

	// Reconnect before the window expires. The timer is left to fire and
	// must become a no-op because the client is registered again.
	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 1, svc.QueueLen("c1"))

	svc.HandleInbound("c1", []byte(`{"type":"reconnect"}`))
	flushed := transport.ofType("x")
	require.Len(t, flushed, 1)
	assert.Equal(t, "kept", flushed[0].Data)
}
