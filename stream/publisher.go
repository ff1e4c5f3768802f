package stream

import (
	"context"
	"time"
)

// SendStream consumes fragments from source and delivers them as an ordered
// series of stream_chunk envelopes, pacing chunks with the configured delay.
// ChunkID is a 1-based per-stream counter independent of the message
// sequencer. After source is exhausted a terminator chunk with empty
// content, IsFinal=true and chunk id one past the last real chunk is sent.
//
// If ctx is cancelled before the source is exhausted the stream ends
// without a final marker; receivers must apply their own stall timeout.
func (s *Service) SendStream(ctx context.Context, clientID string, source <-chan string) {
	chunkID := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Warn("stream cancelled before completion",
				"client_id", clientID, "chunks_sent", chunkID)
			if s.metrics != nil {
				s.metrics.streamsAborted.Inc()
			}
			return
		case content, ok := <-source:
			if !ok {
				// Source exhausted: emit the sole end-of-stream signal.
				chunkID++
				s.Send(clientID, NewMessage(StreamChunkData{ChunkID: chunkID, IsFinal: true}))
				if s.metrics != nil {
					s.metrics.streamsCompleted.Inc()
				}
				s.logger.Debug("stream completed", "client_id", clientID, "chunks", chunkID-1)
				return
			}

			chunkID++
			s.Send(clientID, NewMessage(StreamChunkData{ChunkID: chunkID, Content: content}))
			if s.metrics != nil {
				s.metrics.streamChunksSent.Inc()
			}

			if s.cfg.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					s.logger.Warn("stream cancelled before completion",
						"client_id", clientID, "chunks_sent", chunkID)
					if s.metrics != nil {
						s.metrics.streamsAborted.Inc()
					}
					return
				case <-time.After(s.cfg.ChunkDelay):
				}
			}
		}
	}
}
