package stream

import (
	"context"
	"time"
)

// runHeartbeat is the per-connection liveness loop. Once per heartbeat
// interval it sends a ping through the normal send path, then checks how
// long the client has been silent. A client whose last liveness response
// is older than the timeout is evicted through the normal disconnect path;
// with timeout a >1x multiple of the interval, one missed-then-recovered
// cycle is tolerated. Cancellation by disconnect is a clean exit.
func (s *Service) runHeartbeat(ctx context.Context, conn *connection) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.pingConn(conn) {
			// Connection was removed or replaced while we slept.
			return
		}
		if s.metrics != nil {
			s.metrics.pingsSent.Inc()
		}

		// Detection cadence is decoupled from response cadence: the check
		// runs on elapsed silence, not on individual pong arrivals.
		if silence := s.now().Sub(conn.seen()); silence > s.cfg.HeartbeatTimeout {
			s.logger.Warn("heartbeat timeout, evicting client",
				"client_id", conn.clientID, "silence", silence)
			if s.metrics != nil {
				s.metrics.heartbeatTimeouts.Inc()
			}
			s.disconnect(conn.clientID, conn.id, "heartbeat_timeout")
			return
		}
	}
}

// pingConn sends a heartbeat probe if conn is still the registered
// connection for its client, so a cancelled task cannot feed the offline
// queue with stale pings. Probes are liveness traffic, not content: a
// failed probe write is dropped, never queued for replay.
func (s *Service) pingConn(conn *connection) bool {
	s.mu.RLock()
	state := s.states[conn.clientID]
	s.mu.RUnlock()
	if state == nil {
		return false
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	// Re-check under the delivery lock: the connection may have been
	// removed or replaced while we waited for it.
	s.mu.RLock()
	current, ok := s.conns[conn.clientID]
	s.mu.RUnlock()
	if !ok || current.id != conn.id {
		return false
	}

	env := s.sealLocked(state, conn.clientID, NewMessage(PingData{SentAt: s.now()}))
	if err := s.writeEnvelope(current, env); err != nil {
		if s.metrics != nil {
			s.metrics.sendFailures.Inc()
		}
		return true
	}

	if s.metrics != nil {
		s.metrics.messagesSent.WithLabelValues(TypePing).Inc()
	}
	return true
}
