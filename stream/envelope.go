package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cssius111/RuleK-sub001/errors"
)

// Outbound and inbound message types
const (
	TypeConnection  = "connection"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeStreamChunk = "stream_chunk"
	TypeReconnect   = "reconnect"
	TypeError       = "error"
)

// Envelope is the wire-level unit of delivery sent to clients.
// Sequence is the ordering authority; Timestamp is informational only.
type Envelope struct {
	ID        string    `json:"id"` // "<client_id>_<sequence>"
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// ConnectionData is the payload of the connection envelope sent on connect.
type ConnectionData struct {
	Status          string  `json:"status"`
	ClientID        string  `json:"client_id"`
	ReconnectWindow float64 `json:"reconnect_window"` // seconds
}

// PingData is the payload of a heartbeat probe.
type PingData struct {
	SentAt time.Time `json:"sent_at"`
}

// PongData is the payload of a liveness acknowledgment.
type PongData struct {
	SentAt time.Time `json:"sent_at"`
}

// StreamChunkData is one fragment of a producer-generated content stream.
// IsFinal is the sole authoritative end-of-stream signal; empty Content on
// a non-final chunk is valid.
type StreamChunkData struct {
	ChunkID int    `json:"chunk_id"` // 1-based, per-stream counter
	Content string `json:"content"`
	IsFinal bool   `json:"is_final"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Payload is the closed set of protocol payload kinds. Each kind knows its
// own type tag, so protocol messages built through NewMessage cannot carry a
// mismatched tag. Business payloads (game updates and the like) are outside
// this set and pass through Message untouched.
type Payload interface {
	payloadType() string
}

func (ConnectionData) payloadType() string  { return TypeConnection }
func (PingData) payloadType() string        { return TypePing }
func (PongData) payloadType() string        { return TypePong }
func (StreamChunkData) payloadType() string { return TypeStreamChunk }
func (ErrorData) payloadType() string       { return TypeError }

// NewMessage frames a protocol payload with its canonical type tag.
func NewMessage(p Payload) Message {
	return Message{Type: p.payloadType(), Data: p}
}

// Message is an outbound payload before framing. Type is the envelope type
// tag, Data the type-specific payload. Business types pass through as-is.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Frame is an inbound client message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes an inbound client frame. Frames with no type are
// rejected; unknown types parse fine and are left to the caller to ignore.
func ParseFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, errors.WrapInvalid(err, "Frame", "ParseFrame", "decode frame")
	}
	if frame.Type == "" {
		return Frame{}, errors.WrapInvalid(errors.ErrInvalidFrame, "Frame", "ParseFrame", "missing type")
	}
	return frame, nil
}

// envelopeID derives the deterministic envelope id from client id and sequence.
func envelopeID(clientID string, sequence uint64) string {
	return fmt.Sprintf("%s_%d", clientID, sequence)
}
