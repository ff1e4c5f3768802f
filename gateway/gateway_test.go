package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cssius111/RuleK-sub001/pkg/worker"
	"github.com/cssius111/RuleK-sub001/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStream(t *testing.T) *stream.Service {
	t.Helper()
	cfg := stream.DefaultConfig()
	cfg.Logger = testLogger()
	svc := stream.NewService(cfg)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// newTestGateway wires a Server around an httptest listener so tests can
// dial real WebSocket connections without binding a fixed port.
func newTestGateway(t *testing.T, svc *stream.Service) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Stream = svc
	cfg.Logger = testLogger()

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	srv.wg = &sync.WaitGroup{}
	srv.shutdown = make(chan struct{})
	t.Cleanup(func() { close(srv.shutdown) })

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?client_id=" + clientID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env map[string]any
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestMissingClientIDRejected(t *testing.T) {
	_, ts := newTestGateway(t, newTestStream(t))

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionEnvelopeOnDial(t *testing.T) {
	svc := newTestStream(t)
	_, ts := newTestGateway(t, svc)

	conn := dial(t, ts, "c1")

	env := readEnvelope(t, conn)
	assert.Equal(t, "connection", env["type"])

	data, ok := env["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c1", data["client_id"])
	assert.Equal(t, "connected", data["status"])
	assert.Equal(t, 300.0, data["reconnect_window"])

	assert.True(t, svc.IsConnected("c1"))
}

func TestServerPushReachesClient(t *testing.T) {
	svc := newTestStream(t)
	_, ts := newTestGateway(t, svc)

	conn := dial(t, ts, "c1")
	readEnvelope(t, conn) // connection envelope

	require.Eventually(t, func() bool { return svc.IsConnected("c1") }, time.Second, 5*time.Millisecond)
	require.True(t, svc.Send("c1", stream.Message{Type: "game_update", Data: map[string]any{"turn": 1}}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "game_update", env["type"])
	assert.Equal(t, float64(1), env["sequence"])
	assert.Equal(t, "c1_1", env["id"])
}

func TestInboundFramesForwarded(t *testing.T) {
	svc := newTestStream(t)
	_, ts := newTestGateway(t, svc)

	conn := dial(t, ts, "c1")
	readEnvelope(t, conn)

	info, ok := svc.Info("c1")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "pong"}))

	require.Eventually(t, func() bool {
		after, ok := svc.Info("c1")
		return ok && after.LastSeen.After(info.LastSeen)
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectFlowOverWire(t *testing.T) {
	svc := newTestStream(t)
	_, ts := newTestGateway(t, svc)

	first := dial(t, ts, "c1")
	readEnvelope(t, first)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return !svc.IsConnected("c1") }, time.Second, 5*time.Millisecond)

	// Messages generated while offline are queued.
	assert.False(t, svc.Send("c1", stream.Message{Type: "x", Data: "m1"}))
	assert.False(t, svc.Send("c1", stream.Message{Type: "x", Data: "m2"}))

	second := dial(t, ts, "c1")
	readEnvelope(t, second)
	require.NoError(t, second.WriteJSON(map[string]any{"type": "reconnect"}))

	got := []string{}
	for len(got) < 2 {
		env := readEnvelope(t, second)
		if env["type"] == "x" {
			got = append(got, env["data"].(string))
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestSocketCloseDisconnectsClient(t *testing.T) {
	svc := newTestStream(t)
	_, ts := newTestGateway(t, svc)

	conn := dial(t, ts, "c1")
	readEnvelope(t, conn)
	require.True(t, svc.IsConnected("c1"))

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return !svc.IsConnected("c1")
	}, time.Second, 5*time.Millisecond)
}

func TestFanoutTypedPayload(t *testing.T) {
	svc := newTestStream(t)
	srv, ts := newTestGateway(t, svc)

	conn := dial(t, ts, "c1")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return svc.IsConnected("c1") }, time.Second, 5*time.Millisecond)

	srv.fanout("game.events", []byte(`{"type":"rule_triggered","data":{"rule":"r1"}}`))

	env := readEnvelope(t, conn)
	assert.Equal(t, "rule_triggered", env["type"])
	data := env["data"].(map[string]any)
	assert.Equal(t, "r1", data["rule"])
}

func TestFanoutRawPayloadWrapped(t *testing.T) {
	svc := newTestStream(t)
	srv, ts := newTestGateway(t, svc)

	conn := dial(t, ts, "c1")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return svc.IsConnected("c1") }, time.Second, 5*time.Millisecond)

	srv.fanout("game.events", []byte(`not json at all`))

	env := readEnvelope(t, conn)
	assert.Equal(t, "game_update", env["type"])
	data := env["data"].(map[string]any)
	assert.Equal(t, "game.events", data["subject"])
	assert.Equal(t, "not json at all", data["payload"])
}

func TestFanoutPoolDeliversBroadcast(t *testing.T) {
	svc := newTestStream(t)
	srv, ts := newTestGateway(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.fanoutPool = worker.NewPool(2, 16, func(_ context.Context, msg fanoutMsg) error {
		srv.fanout(msg.subject, msg.data)
		return nil
	})
	require.NoError(t, srv.fanoutPool.Start(ctx))
	defer func() { _ = srv.fanoutPool.Stop(time.Second) }()

	conn := dial(t, ts, "c1")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return svc.IsConnected("c1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.fanoutPool.Submit(fanoutMsg{subject: "game.events", data: []byte(`{"hp":3}`)}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "game_update", env["type"])
	data := env["data"].(map[string]any)
	assert.Equal(t, "game.events", data["subject"])
}

func TestNewServerRequiresStream(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewServer(cfg)
	require.Error(t, err)
}

func TestInitializeValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stream = newTestStream(t)
	cfg.Logger = testLogger()
	cfg.Port = 0

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	assert.Error(t, srv.Initialize())
}

func TestEnvelopeWireFormat(t *testing.T) {
	svc := newTestStream(t)
	_, ts := newTestGateway(t, svc)

	conn := dial(t, ts, "c1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp time.Time       `json:"timestamp"`
		Sequence  uint64          `json:"sequence"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "c1_0", env.ID)
	assert.Equal(t, "connection", env.Type)
	assert.False(t, env.Timestamp.IsZero())
}
