package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceOf(fragments ...string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

func chunkData(t *testing.T, env Envelope) StreamChunkData {
	t.Helper()
	data, ok := env.Data.(StreamChunkData)
	require.True(t, ok, "unexpected payload type %T", env.Data)
	return data
}

func TestSendStreamChunksAndTerminator(t *testing.T) {
	svc := newTestService(func(c *Config) { c.ChunkDelay = time.Millisecond })
	defer svc.Close()

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))

	svc.SendStream(context.Background(), "c1", sourceOf("a", "b"))

	chunks := transport.ofType(TypeStreamChunk)
	require.Len(t, chunks, 3)

	first := chunkData(t, chunks[0])
	assert.Equal(t, 1, first.ChunkID)
	assert.Equal(t, "a", first.Content)
	assert.False(t, first.IsFinal)

	second := chunkData(t, chunks[1])
	assert.Equal(t, 2, second.ChunkID)
	assert.Equal(t, "b", second.Content)
	assert.False(t, second.IsFinal)

	final := chunkData(t, chunks[2])
	assert.Equal(t, 3, final.ChunkID)
	assert.Equal(t, "", final.Content)
	assert.True(t, final.IsFinal)
}

func TestSendStreamExactlyOneFinalMarker(t *testing.T) {
	svc := newTestService(func(c *Config) { c.ChunkDelay = 0 })
	defer svc.Close()

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))

	svc.SendStream(context.Background(), "c1", sourceOf("x", "", "y", "z"))

	chunks := transport.ofType(TypeStreamChunk)
	require.Len(t, chunks, 5)

	finals := 0
	nonFinal := 0
	for _, env := range chunks {
		if chunkData(t, env).IsFinal {
			finals++
		} else {
			nonFinal++
		}
	}
	assert.Equal(t, 1, finals)
	assert.Equal(t, nonFinal+1, chunkData(t, chunks[len(chunks)-1]).ChunkID)

	// Empty content on a non-final chunk is valid, not a terminator.
	assert.Equal(t, "", chunkData(t, chunks[1]).Content)
	assert.False(t, chunkData(t, chunks[1]).IsFinal)
}

func TestSendStreamEmptySource(t *testing.T) {
	svc := newTestService()
	defer svc.Close()

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))

	svc.SendStream(context.Background(), "c1", sourceOf())

	chunks := transport.ofType(TypeStreamChunk)
	require.Len(t, chunks, 1)

	final := chunkData(t, chunks[0])
	assert.Equal(t, 1, final.ChunkID)
	assert.True(t, final.IsFinal)
}

func TestSendStreamCancelledWithoutFinalMarker(t *testing.T) {
	svc := newTestService(func(c *Config) { c.ChunkDelay = 0 })
	defer svc.Close()

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))

	// A source that never closes simulates a failed producer.
	stalled := make(chan string, 1)
	stalled <- "only"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.SendStream(ctx, "c1", stalled)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(transport.ofType(TypeStreamChunk)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate on cancellation")
	}

	// No final marker was synthesized.
	for _, env := range transport.ofType(TypeStreamChunk) {
		assert.False(t, chunkData(t, env).IsFinal)
	}
}

func TestSendStreamChunksConsumeSequences(t *testing.T) {
	svc := newTestService(func(c *Config) { c.ChunkDelay = 0 })
	defer svc.Close()

	transport := &fakeTransport{}
	require.NoError(t, svc.Connect("c1", transport))

	svc.SendStream(context.Background(), "c1", sourceOf("a"))

	chunks := transport.ofType(TypeStreamChunk)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint64(1), chunks[0].Sequence)
	assert.Equal(t, uint64(2), chunks[1].Sequence)

	// Chunk ids are a per-stream counter, independent of the sequencer.
	svc.SendStream(context.Background(), "c1", sourceOf("b"))
	chunks = transport.ofType(TypeStreamChunk)
	require.Len(t, chunks, 4)
	assert.Equal(t, 1, chunkData(t, chunks[2]).ChunkID)
	assert.Equal(t, uint64(3), chunks[2].Sequence)
}

func TestSendStreamToOfflineClientQueues(t *testing.T) {
	svc := newTestService(func(c *Config) { c.ChunkDelay = 0 })
	defer svc.Close()

	svc.SendStream(context.Background(), "ghost", sourceOf("a", "b"))

	// Chunks and terminator are buffered for a later reconnect.
	assert.Equal(t, 3, svc.QueueLen("ghost"))
}
