// ABOUTME: End-to-end tests for the WebSocket gateway over httptest
// ABOUTME: Covers ping/pong interop, sessions, send/echo, backlog replay, and acks

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/hub"
	"github.com/2389/fold-relay/internal/store"
)

func setupGateway(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g := New(st, st, st, hub.New(nil), Config{}, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	return srv, st
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return ws
}

func readRaw(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return data
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	var frame map[string]any
	require.NoError(t, json.Unmarshal(readRaw(t, ws), &frame))
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// hello performs a fresh hello and returns the session frame.
func hello(t *testing.T, ws *websocket.Conn, user, device string) map[string]any {
	t.Helper()

	sendFrame(t, ws, fmt.Sprintf(`{"t":"hello","user":%q,"device":%q}`, user, device))
	frame := readFrame(t, ws)
	require.Equal(t, "hello-ok", frame["t"])
	return frame
}

func TestGateway_PingPongBitForBit(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dial(t, srv)

	sendFrame(t, ws, `{"t":"ping","id":42}`)
	assert.Equal(t, `{"v":1,"t":"pong","id":42}`, string(readRaw(t, ws)))

	// The id is echoed untouched whatever its JSON type.
	sendFrame(t, ws, `{"t":"ping","id":"abc-123"}`)
	assert.Equal(t, `{"v":1,"t":"pong","id":"abc-123"}`, string(readRaw(t, ws)))
}

func TestGateway_HelloCreatesSession(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dial(t, srv)

	frame := hello(t, ws, "user-1", "device-1")
	assert.Equal(t, "user-1", frame["user"])
	assert.Equal(t, "device-1", frame["device"])
	assert.NotEmpty(t, frame["session"])
	assert.NotEmpty(t, frame["resume"])
}

func TestGateway_ResumeRotatesToken(t *testing.T) {
	srv, _ := setupGateway(t)

	first := hello(t, dial(t, srv), "user-1", "device-1")
	resume := first["resume"].(string)

	// Resume on a new connection: same session token, fresh resume token.
	ws2 := dial(t, srv)
	sendFrame(t, ws2, fmt.Sprintf(`{"t":"hello","resume":%q}`, resume))
	second := readFrame(t, ws2)
	require.Equal(t, "hello-ok", second["t"])
	assert.Equal(t, first["session"], second["session"])
	assert.NotEqual(t, resume, second["resume"])

	// The consumed resume token is dead.
	ws3 := dial(t, srv)
	sendFrame(t, ws3, fmt.Sprintf(`{"t":"hello","resume":%q}`, resume))
	errFrame := readFrame(t, ws3)
	assert.Equal(t, "error", errFrame["t"])
}

func TestGateway_SendIsIdempotent(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dial(t, srv)
	hello(t, ws, "user-1", "device-1")

	sendFrame(t, ws, `{"t":"send","conv":"c1","msg_id":"m1","text":"hi","ts":100}`)
	first := readFrame(t, ws)
	require.Equal(t, "sent", first["t"])
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, true, first["created"])

	// Retried send: same seq, created=false.
	sendFrame(t, ws, `{"t":"send","conv":"c1","msg_id":"m1","text":"different","ts":200}`)
	second := readFrame(t, ws)
	require.Equal(t, "sent", second["t"])
	assert.Equal(t, float64(1), second["seq"])
	assert.Equal(t, false, second["created"])
}

func TestGateway_EchoToSender(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dial(t, srv)
	hello(t, ws, "user-1", "device-1")

	sendFrame(t, ws, `{"t":"sub","conv":"c1","after":0}`)
	sendFrame(t, ws, `{"t":"send","conv":"c1","msg_id":"m1","text":"hello","ts":100}`)

	// Broadcast runs before the send confirmation, so the echoed event
	// arrives first.
	event := readFrame(t, ws)
	require.Equal(t, "event", event["t"])
	assert.Equal(t, "c1", event["conv"])
	assert.Equal(t, float64(1), event["seq"])
	assert.Equal(t, "device-1", event["device"])
	assert.Equal(t, "aGVsbG8=", event["payload"]) // base64("hello")

	sent := readFrame(t, ws)
	assert.Equal(t, "sent", sent["t"])
}

func TestGateway_FanOutToOtherDevice(t *testing.T) {
	srv, _ := setupGateway(t)

	receiver := dial(t, srv)
	hello(t, receiver, "user-2", "device-2")
	sendFrame(t, receiver, `{"t":"sub","conv":"c1","after":0}`)

	sender := dial(t, srv)
	hello(t, sender, "user-1", "device-1")
	sendFrame(t, sender, `{"t":"send","conv":"c1","msg_id":"m1","text":"hi","ts":1}`)
	require.Equal(t, "sent", readFrame(t, sender)["t"])

	event := readFrame(t, receiver)
	require.Equal(t, "event", event["t"])
	assert.Equal(t, float64(1), event["seq"])
	assert.Equal(t, "device-1", event["device"])
}

func TestGateway_SubReplaysBacklogInOrder(t *testing.T) {
	srv, st := setupGateway(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, _, err := st.Append(ctx, "c1", fmt.Sprintf("m%d", i), store.BytesPayload("x"), "seed", int64(i))
		require.NoError(t, err)
	}

	ws := dial(t, srv)
	hello(t, ws, "user-1", "device-1")
	sendFrame(t, ws, `{"t":"sub","conv":"c1","after":1}`)

	for want := 2; want <= 4; want++ {
		event := readFrame(t, ws)
		require.Equal(t, "event", event["t"])
		assert.Equal(t, float64(want), event["seq"])
	}
}

func TestGateway_AckAdvancesCursor(t *testing.T) {
	srv, st := setupGateway(t)
	ws := dial(t, srv)
	hello(t, ws, "user-1", "device-1")

	sendFrame(t, ws, `{"t":"ack","conv":"c1","seq":3}`)
	frame := readFrame(t, ws)
	require.Equal(t, "ack-ok", frame["t"])
	assert.Equal(t, float64(4), frame["next"])

	// Stale ack never regresses.
	sendFrame(t, ws, `{"t":"ack","conv":"c1","seq":1}`)
	frame = readFrame(t, ws)
	require.Equal(t, "ack-ok", frame["t"])
	assert.Equal(t, float64(4), frame["next"])

	next, err := st.NextSeq(context.Background(), "device-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
}

func TestGateway_OperationsRequireHello(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dial(t, srv)

	sendFrame(t, ws, `{"t":"send","conv":"c1","msg_id":"m1","text":"hi"}`)
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["t"])
}

func TestGateway_MalformedFrameKeepsConnection(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dial(t, srv)

	sendFrame(t, ws, `not json at all`)
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["t"])

	// The connection is still serviceable.
	sendFrame(t, ws, `{"t":"ping","id":1}`)
	assert.Equal(t, `{"v":1,"t":"pong","id":1}`, string(readRaw(t, ws)))
}

func TestGateway_ConcurrentSendersDeliverEverySeqInOrder(t *testing.T) {
	srv, _ := setupGateway(t)

	sub := dial(t, srv)
	hello(t, sub, "user-1", "watcher")
	sendFrame(t, sub, `{"t":"sub","conv":"c1"}`)

	// Two devices race sends into the same conversation. The subscriber
	// must still see every sequence exactly once, ascending, with no gaps:
	// a broadcast arriving ahead of its predecessor must not cause the
	// predecessor to be dropped.
	const perSender = 20
	senders := []string{"device-a", "device-b"}
	errs := make(chan error, len(senders))
	for _, device := range senders {
		ws := dial(t, srv)
		hello(t, ws, "user-1", device)
		go func(ws *websocket.Conn, device string) {
			errs <- func() error {
				for i := 0; i < perSender; i++ {
					send := fmt.Sprintf(`{"t":"send","conv":"c1","msg_id":"%s-%d","text":"hi"}`, device, i)
					if err := ws.WriteMessage(websocket.TextMessage, []byte(send)); err != nil {
						return err
					}
					_, data, err := ws.ReadMessage()
					if err != nil {
						return err
					}
					var frame map[string]any
					if err := json.Unmarshal(data, &frame); err != nil {
						return err
					}
					if frame["t"] != "sent" {
						return fmt.Errorf("unexpected reply: %s", data)
					}
				}
				return nil
			}()
		}(ws, device)
	}
	for range senders {
		require.NoError(t, <-errs)
	}

	total := perSender * len(senders)
	for i := 1; i <= total; i++ {
		frame := readFrame(t, sub)
		require.Equal(t, "event", frame["t"])
		require.Equal(t, float64(i), frame["seq"])
	}
}
