// Package rulekstream provides the real-time delivery layer for the RuleK
// text horror game: WebSocket connection management, per-client message
// sequencing, offline queueing with reconnect replay, heartbeat supervision,
// and paced streaming of long narrative output.
//
// # Architecture
//
// The module is organized around a single streaming core fronted by a
// WebSocket gateway:
//
//	┌─────────────────────────────────────┐
//	│            Gateway                  │  WebSocket upgrade,
//	│     (cmd/rulek-stream, gateway)     │  read loops, NATS fanout
//	└─────────────────────────────────────┘
//	           ↓ registers clients with
//	┌─────────────────────────────────────┐
//	│          Stream Service             │  Registry, sequencing,
//	│  (connect, send, broadcast, flush)  │  queues, heartbeats
//	└─────────────────────────────────────┘
//	           ↓ buffers per client via
//	┌─────────────────────────────────────┐
//	│        Circular Buffers             │  Bounded FIFO queues,
//	│          (pkg/buffer)               │  drop-oldest overflow
//	└─────────────────────────────────────┘
//
// Every message leaving the service carries a per-client strictly increasing
// sequence number and an id of the form "{client_id}_{sequence}". Messages
// sent while a client is offline are queued (bounded, oldest dropped first)
// and replayed in order when the client reconnects within the retention
// window.
//
// # Packages
//
// Core:
//   - stream: connection registry, sequencer, delivery engine, heartbeat
//     monitor, stream publisher, reconnection handling
//   - gateway: WebSocket endpoint and NATS subject fanout
//
// Infrastructure:
//   - config: layered JSON configuration with environment overrides
//   - natsclient: NATS connection management with circuit breaker
//   - metric: Prometheus metrics registry and HTTP endpoint
//   - health: component health statuses and aggregation
//   - errors: classified error handling
//
// Utilities:
//   - pkg/buffer: generic bounded circular buffer with overflow policies
//   - pkg/retry: retry policies with backoff
//
// # Usage
//
// Embedding the service directly:
//
//	svc := stream.NewService(stream.Config{Logger: logger})
//	defer svc.Close()
//
//	// Register a connected client (any Transport implementation)
//	svc.Connect("player-1", transport)
//
//	// Push a game event; queued automatically if the client is offline
//	svc.Send("player-1", stream.Message{Type: "game_update", Data: payload})
//
//	// Stream narrative text in paced chunks
//	svc.SendStream(ctx, "player-1", chunks)
//
// Running the gateway binary:
//
//	# Defaults: WebSocket on :8000/ws, metrics on :9090
//	./bin/rulek-stream
//
//	# Custom config with game-event fanout from NATS
//	./bin/rulek-stream --config configs/stream.json
package rulekstream
