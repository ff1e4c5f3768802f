package stream

import (
	"time"
)

// HandleInbound processes one raw frame received from a client. Malformed
// frames and unknown types are logged and dropped; they never close the
// connection or propagate an error to the read loop.
func (s *Service) HandleInbound(clientID string, raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "client_id", clientID, "error", err)
		if s.metrics != nil {
			s.metrics.framesDropped.Inc()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.framesReceived.WithLabelValues(frame.Type).Inc()
	}

	switch frame.Type {
	case TypePong:
		s.markAlive(clientID)
	case TypePing:
		// Client-initiated probe, answer and refresh liveness.
		s.markAlive(clientID)
		s.Send(clientID, NewMessage(PongData{SentAt: s.now()}))
	case TypeReconnect:
		s.markAlive(clientID)
		s.flushQueue(clientID)
	default:
		// Business frames are not this subsystem's concern.
		s.logger.Debug("ignoring inbound frame", "client_id", clientID, "type", frame.Type)
	}
}

// markAlive updates last_seen for the client's live connection
func (s *Service) markAlive(clientID string) {
	s.mu.RLock()
	conn, ok := s.conns[clientID]
	s.mu.RUnlock()

	if ok {
		conn.touch(s.now())
	}
}

// flushQueue drains the client's queue in FIFO order, re-sending each
// buffered message through the normal send path. Flushed messages are
// re-sequenced; original sequence numbers do not survive a reconnect.
// The delivery lock is held across the drain so no newly generated message
// can interleave ahead of the backlog.
func (s *Service) flushQueue(clientID string) {
	s.mu.RLock()
	state, ok := s.states[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.queue.IsEmpty() {
		return
	}

	backlog := state.queue.ReadBatch(state.queue.Size())
	for _, msg := range backlog {
		s.deliver(state, clientID, msg)
	}

	if s.metrics != nil {
		s.metrics.queueFlushes.Inc()
		s.metrics.messagesFlushed.Add(float64(len(backlog)))
	}

	s.logger.Info("flushed queued messages", "client_id", clientID, "count", len(backlog))
}

// scheduleCleanup starts the deferred cleanup timer for a disconnected
// client. The timer is never cancelled on reconnect; at expiry it checks
// registry membership and becomes a no-op when the client is back.
func (s *Service) scheduleCleanup(clientID string) {
	time.AfterFunc(s.cfg.ReconnectWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, connected := s.conns[clientID]; connected {
			return
		}

		state, ok := s.states[clientID]
		if !ok {
			return
		}

		dropped := state.queue.Size()
		_ = state.queue.Close()
		delete(s.states, clientID)

		if s.metrics != nil && dropped > 0 {
			s.metrics.messagesDropped.Add(float64(dropped))
		}

		s.logger.Info("reconnect window expired, client state removed",
			"client_id", clientID, "undelivered", dropped)
	})
}
