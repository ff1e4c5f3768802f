package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cssius111/RuleK-sub001/errors"
	"github.com/cssius111/RuleK-sub001/health"
	"github.com/cssius111/RuleK-sub001/metric"
	"github.com/cssius111/RuleK-sub001/pkg/buffer"
)

// Transport is one full-duplex message connection to a client. The service
// owns the transport exclusively once a client is registered; it is closed
// on disconnect and never reused.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Config holds service configuration
type Config struct {
	HeartbeatInterval time.Duration // ping cadence per connection
	HeartbeatTimeout  time.Duration // silence since last pong before eviction
	MaxQueueSize      int           // bounded per-client queue capacity
	ReconnectWindow   time.Duration // queue retention after disconnect
	ChunkDelay        time.Duration // pacing between stream chunks

	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry // optional, nil disables metrics
}

// DefaultConfig returns the default service configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		MaxQueueSize:      100,
		ReconnectWindow:   300 * time.Second,
		ChunkDelay:        50 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = def.ReconnectWindow
	}
	if c.ChunkDelay < 0 {
		c.ChunkDelay = def.ChunkDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnectionInfo describes one logical client's live connection
type ConnectionInfo struct {
	ClientID    string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// connection is the live transport state for one client. A fresh id is
// minted per socket so a replaced connection cannot evict its successor.
type connection struct {
	id          string
	clientID    string
	transport   Transport
	connectedAt time.Time
	lastSeen    atomic.Value // stores time.Time
	cancel      context.CancelFunc
	writeMu     sync.Mutex // gorilla allows one concurrent writer
}

func (c *connection) touch(t time.Time) {
	c.lastSeen.Store(t)
}

func (c *connection) seen() time.Time {
	return c.lastSeen.Load().(time.Time)
}

// clientState is the per-client sequencing and buffering state. It outlives
// the live connection by the reconnect window.
type clientState struct {
	// mu is the client's delivery lock: it serializes sequence assignment
	// and the subsequent transport write (or enqueue) so wire order always
	// matches sequence order. Lock order: mu may be taken before s.mu,
	// never while holding it.
	mu    sync.Mutex
	queue buffer.Buffer[Message]
	seq   uint64 // last issued sequence number
}

// Service is the connection registry, sequencer and delivery engine. One
// instance is shared process-wide; all operations are safe for concurrent
// use.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	// mu guards the registry maps only. It is never held across a
	// transport write, so one stalled socket cannot stall other clients.
	mu     sync.RWMutex
	conns  map[string]*connection
	states map[string]*clientState

	now    func() time.Time
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewService creates a new streaming service with the given configuration
func NewService(cfg Config) *Service {
	cfg.applyDefaults()

	return &Service{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "stream"),
		metrics: newMetrics(cfg.MetricsRegistry),
		conns:   make(map[string]*connection),
		states:  make(map[string]*clientState),
		now:     time.Now,
	}
}

// Connect registers a client connection, takes ownership of the transport,
// starts its heartbeat task and sends the connection envelope. If the same
// client id already has a live connection, the previous connection is
// forcibly closed and replaced.
func (s *Service) Connect(clientID string, transport Transport) error {
	if s.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Service", "Connect", "service stopped")
	}
	if clientID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "Connect", "empty client id")
	}
	if transport == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "Connect", "nil transport")
	}

	now := s.now()
	ctx, cancel := context.WithCancel(context.Background())

	conn := &connection{
		id:          uuid.NewString(),
		clientID:    clientID,
		transport:   transport,
		connectedAt: now,
		cancel:      cancel,
	}
	conn.touch(now)

	// Connection envelope is framed outside the sequencer so the client's
	// first sequenced message is always 1. It is written before the
	// connection is registered: sequenced traffic cannot reach this
	// transport until the welcome is on the wire, and a stalled welcome
	// write stalls only this call, never the registry.
	welcome := Envelope{
		ID:        envelopeID(clientID, 0),
		Type:      TypeConnection,
		Data:      ConnectionData{Status: "connected", ClientID: clientID, ReconnectWindow: s.cfg.ReconnectWindow.Seconds()},
		Timestamp: now,
	}
	if err := s.writeEnvelope(conn, welcome); err != nil {
		s.logger.Warn("failed to send connection envelope", "client_id", clientID, "error", err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		// Lost a race with Close.
		s.mu.Unlock()
		cancel()
		_ = transport.Close()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Service", "Connect", "service stopped")
	}

	if prev, ok := s.conns[clientID]; ok {
		// Same client id connected again: newest connection wins.
		s.logger.Warn("replacing live connection", "client_id", clientID)
		prev.cancel()
		_ = prev.transport.Close()
		if s.metrics != nil {
			s.metrics.clientsConnected.Dec()
			s.metrics.disconnectionsTotal.WithLabelValues("replaced").Inc()
		}
	}

	s.conns[clientID] = conn
	s.stateLocked(clientID)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runHeartbeat(ctx, conn)

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
		s.metrics.clientsConnected.Inc()
	}

	s.logger.Info("client connected", "client_id", clientID)

	return nil
}

// Disconnect removes a client's live connection, cancels its heartbeat task
// and schedules deferred queue cleanup. Disconnecting an unknown or already
// disconnected client is a no-op.
func (s *Service) Disconnect(clientID string) {
	s.disconnect(clientID, "", "requested")
}

// disconnect removes a connection. If connID is non-empty the removal only
// happens when the live connection still matches, so a stale heartbeat task
// cannot evict a replacement connection.
func (s *Service) disconnect(clientID, connID, reason string) {
	s.mu.Lock()
	conn, ok := s.conns[clientID]
	if !ok || (connID != "" && conn.id != connID) {
		s.mu.Unlock()
		return
	}
	delete(s.conns, clientID)
	s.mu.Unlock()

	conn.cancel()
	_ = conn.transport.Close()

	if s.metrics != nil {
		s.metrics.clientsConnected.Dec()
		s.metrics.disconnectionsTotal.WithLabelValues(reason).Inc()
	}

	s.logger.Info("client disconnected", "client_id", clientID, "reason", reason)

	s.scheduleCleanup(clientID)
}

// DisconnectTransport disconnects clientID only when transport is still the
// client's live transport. A superseded connection's read loop uses this so
// it cannot evict its replacement.
func (s *Service) DisconnectTransport(clientID string, transport Transport) {
	s.mu.RLock()
	conn, ok := s.conns[clientID]
	s.mu.RUnlock()

	if !ok || conn.transport != transport {
		return
	}
	s.disconnect(clientID, conn.id, "transport_closed")
}

// Send assigns the next sequence number for the client, wraps the message
// in an envelope and attempts delivery. Returns true on successful delivery.
// On any failure, or when the client has no live connection, the source
// message is queued for later flush and false is returned.
func (s *Service) Send(clientID string, msg Message) bool {
	s.mu.Lock()
	state := s.stateLocked(clientID)
	s.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()
	return s.deliver(state, clientID, msg)
}

// sealLocked consumes the client's next sequence number and frames msg.
// Sequence is consumed at send-time regardless of delivery outcome so queued
// messages keep their order relative to concurrent sends. Callers must hold
// state.mu.
func (s *Service) sealLocked(state *clientState, clientID string, msg Message) Envelope {
	state.seq++
	return Envelope{
		ID:        envelopeID(clientID, state.seq),
		Type:      msg.Type,
		Data:      msg.Data,
		Timestamp: s.now(),
		Sequence:  state.seq,
	}
}

// deliver frames msg and attempts delivery to the client's live connection.
// Callers must hold state.mu and must not hold s.mu: the registry lock is
// taken only for the connection lookup, and the transport write happens
// outside it so a stalled socket stalls nothing but its own client.
func (s *Service) deliver(state *clientState, clientID string, msg Message) bool {
	env := s.sealLocked(state, clientID, msg)

	s.mu.RLock()
	conn, ok := s.conns[clientID]
	s.mu.RUnlock()

	if !ok {
		s.enqueueLocked(state, clientID, msg)
		return false
	}

	if err := s.writeEnvelope(conn, env); err != nil {
		s.logger.Debug("delivery failed, queueing", "client_id", clientID, "type", msg.Type, "error", err)
		if s.metrics != nil {
			s.metrics.sendFailures.Inc()
		}
		s.enqueueLocked(state, clientID, msg)
		return false
	}

	if s.metrics != nil {
		s.metrics.messagesSent.WithLabelValues(msg.Type).Inc()
	}
	return true
}

// writeEnvelope serializes one envelope to the connection's transport.
func (s *Service) writeEnvelope(conn *connection, env Envelope) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return conn.transport.WriteJSON(env)
}

// enqueueLocked appends a message to the client's bounded queue; callers
// must hold state.mu. Overflow evicts the oldest entry silently.
func (s *Service) enqueueLocked(state *clientState, clientID string, msg Message) {
	if err := state.queue.Write(msg); err != nil {
		s.logger.Warn("failed to queue message", "client_id", clientID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.messagesQueued.Inc()
	}
}

// Broadcast sends a message to every currently registered client
// concurrently. Per-client failures are isolated and not surfaced.
func (s *Service) Broadcast(msg Message) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			s.Send(clientID, msg)
		}(id)
	}
	wg.Wait()

	if s.metrics != nil {
		s.metrics.broadcastsTotal.Inc()
	}
}

// IsConnected reports whether the client has a live connection
func (s *Service) IsConnected(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[clientID]
	return ok
}

// ClientIDs returns the ids of all currently connected clients
func (s *Service) ClientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Info returns connection details for a client
func (s *Service) Info(clientID string) (ConnectionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[clientID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		ClientID:    clientID,
		ConnectedAt: conn.connectedAt,
		LastSeen:    conn.seen(),
	}, true
}

// QueueLen returns the number of messages buffered for a client
func (s *Service) QueueLen(clientID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[clientID]
	if !ok {
		return 0
	}
	return state.queue.Size()
}

// Health reports the service's health status
func (s *Service) Health() health.Status {
	s.mu.RLock()
	clients := len(s.conns)
	s.mu.RUnlock()

	status := health.NewHealthy("stream", "streaming service running")
	if s.closed.Load() {
		status = health.NewUnhealthy("stream", "streaming service stopped")
	}
	return status.WithMetrics(&health.Metrics{Clients: clients})
}

// Close disconnects all clients and stops all background tasks. The
// service cannot be reused afterwards.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[string]*connection)
	for _, state := range s.states {
		_ = state.queue.Close()
	}
	s.states = make(map[string]*clientState)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.cancel()
		_ = conn.transport.Close()
	}

	s.wg.Wait()

	if s.metrics != nil {
		s.metrics.clientsConnected.Set(0)
	}

	s.logger.Info("streaming service stopped", "clients_closed", len(conns))
	return nil
}

// stateLocked lazily creates the per-client queue and sequence counter.
// Callers must hold s.mu.
func (s *Service) stateLocked(clientID string) *clientState {
	if state, ok := s.states[clientID]; ok {
		return state
	}

	queue, err := buffer.NewCircularBuffer[Message](
		s.cfg.MaxQueueSize,
		buffer.WithOverflowPolicy[Message](buffer.DropOldest),
		buffer.WithDropCallback[Message](func(Message) {
			if s.metrics != nil {
				s.metrics.messagesDropped.Inc()
			}
			s.logger.Debug("queue overflow, oldest message dropped", "client_id", clientID)
		}),
	)
	if err != nil {
		// Unreachable without buffer metrics options; fall back to a
		// plain bounded buffer.
		queue, _ = buffer.NewCircularBuffer[Message](s.cfg.MaxQueueSize)
	}

	state := &clientState{queue: queue}
	s.states[clientID] = state
	return state
}
