// Package stream is the real-time message-delivery substrate of the
// service: a connection registry with per-client sequencing, bounded
// offline queues, heartbeat-based liveness eviction, chunked content
// streaming, and reconnect-triggered queue recovery.
//
// One Service instance is shared process-wide and owned by the
// application's composition root. External code calls Connect, Send,
// Broadcast, SendStream and Disconnect; the service runs one heartbeat
// task per live connection and one deferred-cleanup timer per
// disconnect. A process restart loses all connection and queue state;
// clients resynchronize with a full state fetch after reconnecting.
//
// Delivery is best-effort: messages for offline clients are retained in
// a bounded FIFO queue for the reconnect window, with the oldest entries
// evicted silently on overflow.
package stream
