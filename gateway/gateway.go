// Package gateway exposes the streaming service over a WebSocket endpoint
// and fans NATS subjects out to connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cssius111/RuleK-sub001/errors"
	"github.com/cssius111/RuleK-sub001/health"
	"github.com/cssius111/RuleK-sub001/natsclient"
	"github.com/cssius111/RuleK-sub001/pkg/worker"
	"github.com/cssius111/RuleK-sub001/stream"
)

// Config holds all configuration needed to construct a Server
type Config struct {
	Host            string
	Port            int
	Path            string
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration // read deadline per frame, 0 disables
	AllowedOrigins  []string      // empty allows all origins

	FanoutWorkers   int // broadcast worker pool size
	FanoutQueueSize int // pending fanout messages before dropping

	Stream         *stream.Service    // required
	NATSClient     *natsclient.Client // optional, nil disables fanout
	Subjects       []string           // NATS subjects broadcast to clients
	PublishSubject string             // subject for client business frames, empty disables
	Logger         *slog.Logger
}

// DefaultConfig returns sensible defaults for Server construction
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8000,
		Path:            "/ws",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteTimeout:    10 * time.Second,
		FanoutWorkers:   4,
		FanoutQueueSize: 256,
	}
}

// fanoutMsg is one NATS message queued for broadcast
type fanoutMsg struct {
	subject string
	data    []byte
}

// Server is the WebSocket ingress for the streaming service. Each accepted
// connection is registered with the stream service under its caller-supplied
// client id; the read loop forwards inbound frames to the service.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	stream   *stream.Service
	upgrader websocket.Upgrader

	server     *http.Server
	shutdown   chan struct{}
	running    bool
	fanoutPool *worker.Pool[fanoutMsg]
	mu         sync.RWMutex

	lifecycleMu sync.Mutex // serializes Start/Stop
	wg          *sync.WaitGroup
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Stream == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "NewServer", "stream service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = 4
	}
	if cfg.FanoutQueueSize <= 0 {
		cfg.FanoutQueueSize = 256
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gateway"),
		stream: cfg.Stream,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// checkOrigin enforces the allowed-origins list, empty list allows all
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Initialize validates configuration before starting
func (s *Server) Initialize() error {
	if s.cfg.Port < 1 || s.cfg.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize",
			fmt.Sprintf("invalid port %d", s.cfg.Port))
	}
	if s.cfg.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize", "endpoint path cannot be empty")
	}
	return nil
}

// Start begins serving WebSocket connections and subscribes to NATS
// fanout subjects. Returns immediately; the listener runs in background.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}

	if s.cfg.NATSClient != nil && len(s.cfg.Subjects) > 0 {
		// Broadcasts run off a bounded pool so a slow client never
		// stalls the NATS callback.
		s.fanoutPool = worker.NewPool(s.cfg.FanoutWorkers, s.cfg.FanoutQueueSize,
			func(_ context.Context, msg fanoutMsg) error {
				s.fanout(msg.subject, msg.data)
				return nil
			})
		if err := s.fanoutPool.Start(ctx); err != nil {
			s.server = nil
			close(s.shutdown)
			s.shutdown = nil
			s.fanoutPool = nil
			return errors.Wrap(err, "Server", "Start", "start fanout pool")
		}
	}

	if err := s.subscribeToNATS(ctx); err != nil {
		s.server = nil
		close(s.shutdown)
		s.shutdown = nil
		if s.fanoutPool != nil {
			_ = s.fanoutPool.Stop(time.Second)
			s.fanoutPool = nil
		}
		return errors.Wrap(err, "Server", "Start", "subscribe to fanout subjects")
	}

	s.running = true

	s.wg.Add(1)
	go s.runServer(s.wg)

	s.logger.Info("gateway started", "addr", s.server.Addr, "path", s.cfg.Path)
	return nil
}

// runServer runs the HTTP listener until shutdown
func (s *Server) runServer(wg *sync.WaitGroup) {
	defer wg.Done()

	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server == nil {
		return
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("gateway listener failed", "error", err)
	}
}

// Stop gracefully stops the server and disconnects all clients
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	server := s.server
	wg := s.wg
	pool := s.fanoutPool
	s.mu.Unlock()

	if pool != nil {
		if err := pool.Stop(timeout); err != nil {
			s.logger.Warn("fanout pool stop", "error", err)
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown error", "error", err)
		}
	}

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.logger.Warn("gateway goroutines did not exit within timeout")
		}
	}

	s.mu.Lock()
	s.server = nil
	s.shutdown = nil
	s.wg = nil
	s.fanoutPool = nil
	s.mu.Unlock()

	s.logger.Info("gateway stopped")
	return nil
}

// Health reports the gateway's health status
func (s *Server) Health() health.Status {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	if !running {
		return health.NewUnhealthy("gateway", "gateway not running")
	}
	return health.NewHealthy("gateway", fmt.Sprintf("serving on port %d", s.cfg.Port))
}

// handleWebSocket accepts one client connection. The client id is a
// required query parameter; the socket is handed to the stream service
// which owns it from then on.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "client_id", clientID, "error", err)
		return
	}

	transport := newWSConn(conn, s.cfg.WriteTimeout)
	if err := s.stream.Connect(clientID, transport); err != nil {
		s.logger.Warn("connect rejected", "client_id", clientID, "error", err)
		_ = transport.Close()
		return
	}

	s.mu.RLock()
	wg := s.wg
	shutdown := s.shutdown
	s.mu.RUnlock()
	if wg == nil {
		// Raced with Stop.
		s.stream.DisconnectTransport(clientID, transport)
		return
	}

	wg.Add(1)
	go s.readLoop(wg, clientID, conn, transport, shutdown)
}

// readLoop forwards inbound frames to the stream service until the
// connection dies or the gateway shuts down. Cleanup only disconnects the
// client when this socket is still its live transport.
func (s *Server) readLoop(
	wg *sync.WaitGroup, clientID string, conn *websocket.Conn, transport *wsConn, shutdown chan struct{},
) {
	defer wg.Done()
	defer s.stream.DisconnectTransport(clientID, transport)

	for {
		select {
		case <-shutdown:
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		s.stream.HandleInbound(clientID, data)
		s.forwardInbound(clientID, data)
	}
}

// forwardInbound publishes client business frames (anything outside the
// liveness protocol) to the configured NATS subject so the game engine can
// consume player actions.
func (s *Server) forwardInbound(clientID string, data []byte) {
	if s.cfg.NATSClient == nil || s.cfg.PublishSubject == "" {
		return
	}

	frame, err := stream.ParseFrame(data)
	if err != nil {
		return
	}
	switch frame.Type {
	case stream.TypePing, stream.TypePong, stream.TypeReconnect:
		return
	}

	payload, err := json.Marshal(map[string]any{
		"client_id": clientID,
		"type":      frame.Type,
		"data":      frame.Data,
	})
	if err != nil {
		return
	}

	if err := s.cfg.NATSClient.Publish(context.Background(), s.cfg.PublishSubject, payload); err != nil {
		s.logger.Warn("inbound forward failed", "client_id", clientID, "type", frame.Type, "error", err)
	}
}

// subscribeToNATS subscribes the configured fanout subjects. Messages on
// any subject are broadcast to every connected client.
func (s *Server) subscribeToNATS(ctx context.Context) error {
	if s.cfg.NATSClient == nil {
		return nil
	}

	for _, subject := range s.cfg.Subjects {
		subject := subject
		err := s.cfg.NATSClient.Subscribe(ctx, subject, func(_ context.Context, data []byte) {
			s.mu.RLock()
			pool := s.fanoutPool
			s.mu.RUnlock()
			if pool == nil {
				return
			}
			if err := pool.Submit(fanoutMsg{subject: subject, data: data}); err != nil {
				s.logger.Warn("fanout message dropped", "subject", subject, "error", err)
			}
		})
		if err != nil {
			return errors.Wrap(err, "Server", "subscribeToNATS",
				fmt.Sprintf("subscribe to %s", subject))
		}
	}
	return nil
}

// fanout converts one NATS message into a broadcast. Payloads already in
// {type, data} shape keep their type tag; anything else is wrapped as a
// game_update carrying the subject and raw payload.
func (s *Server) fanout(subject string, data []byte) {
	var msg stream.Message
	if err := json.Unmarshal(data, &msg); err == nil && msg.Type != "" {
		s.stream.Broadcast(msg)
		return
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		payload = string(data)
	}

	s.stream.Broadcast(stream.Message{
		Type: "game_update",
		Data: map[string]any{"subject": subject, "payload": payload},
	})
}
