package duochat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func startRelay(t *testing.T, opts ...RelayOption) (*httptest.Server, *MemoryMirror) {
	t.Helper()
	backing := NewMemoryMirror()
	srv := httptest.NewServer(NewRelay(backing, opts...))
	t.Cleanup(srv.Close)
	return srv, backing
}

func dialMirror(t *testing.T, url string) *WSMirror {
	t.Helper()
	ws := NewWSMirror(url, &WSMirrorConfig{RequestTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Connect(ctx))
	t.Cleanup(func() { ws.Disconnect() })
	return ws
}

// ============================================================================
// Relay + WSMirror
// ============================================================================

func TestRelayConnect(t *testing.T) {
	srv, _ := startRelay(t)
	ws := dialMirror(t, srv.URL)
	assert.Equal(t, StateConnected, ws.State())
	assert.NoError(t, ws.Ping(context.Background()))
}

func TestRelayPatchAndSnapshot(t *testing.T) {
	srv, backing := startRelay(t)
	alice := dialMirror(t, srv.URL)
	bob := dialMirror(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &docRecorder{}
	require.NoError(t, bob.Subscribe(ctx, "chat/messages", rec.record))
	eventually(t, func() bool { return rec.count() == 1 }, "initial snapshot")

	require.NoError(t, alice.Patch(context.Background(), "chat/messages", Document{"m1": json.RawMessage(`{"text":"hi"}`)}))
	assert.Contains(t, backing.Snapshot("chat/messages"), "m1", "patch is acked after it is applied")

	eventually(t, func() bool {
		doc := rec.last()
		return doc != nil && len(doc["m1"]) > 0
	})
	assert.JSONEq(t, `{"text":"hi"}`, string(rec.last()["m1"]))
}

func TestRelayPatchIsFieldLevel(t *testing.T) {
	srv, backing := startRelay(t)
	a := dialMirror(t, srv.URL)
	b := dialMirror(t, srv.URL)

	require.NoError(t, a.Patch(context.Background(), "p", Document{"x": json.RawMessage(`1`)}))
	require.NoError(t, b.Patch(context.Background(), "p", Document{"y": json.RawMessage(`2`)}))

	snap := backing.Snapshot("p")
	assert.Len(t, snap, 2)
}

func TestRelayReportsPatchFailure(t *testing.T) {
	srv, backing := startRelay(t)
	ws := dialMirror(t, srv.URL)

	backing.SetOffline(true)
	err := ws.Patch(context.Background(), "p", Document{"x": json.RawMessage(`1`)})
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Contains(t, relayErr.Message, ErrMirrorOffline.Error())
}

func TestWSMirrorNotConnected(t *testing.T) {
	ws := NewWSMirror("http://127.0.0.1:1", nil)
	err := ws.Patch(context.Background(), "p", Document{})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestWSMirrorSubscribeBeforeConnect(t *testing.T) {
	srv, backing := startRelay(t)
	require.NoError(t, backing.Patch(context.Background(), "p", Document{"a": json.RawMessage(`1`)}))

	ws := NewWSMirror(srv.URL, nil)
	rec := &docRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ws.Subscribe(ctx, "p", rec.record))
	assert.Zero(t, rec.count())

	require.NoError(t, ws.Connect(context.Background()))
	defer ws.Disconnect()

	eventually(t, func() bool { return rec.count() > 0 }, "subscription is sent on connect")
	assert.JSONEq(t, `1`, string(rec.last()["a"]))
}

func TestWSMirrorResubscribesAfterReconnect(t *testing.T) {
	srv, backing := startRelay(t)
	ws := NewWSMirror(srv.URL, &WSMirrorConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		RequestTimeout:     2 * time.Second,
	})
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { ws.Disconnect() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &docRecorder{}
	require.NoError(t, ws.Subscribe(ctx, "p", rec.record))
	eventually(t, func() bool { return rec.count() == 1 }, "initial snapshot")

	reconnected := make(chan struct{}, 1)
	ws.OnConnected(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	srv.CloseClientConnections()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not reconnect")
	}
	eventually(t, func() bool { return ws.State() == StateConnected })

	require.NoError(t, backing.Patch(context.Background(), "p", Document{"after": json.RawMessage(`true`)}))
	eventually(t, func() bool {
		doc := rec.last()
		return doc != nil && string(doc["after"]) == "true"
	}, "subscription survives the reconnect")
}

func TestRelayRejectsUnknownCommands(t *testing.T) {
	srv, _ := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, relayURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() RelayEnvelope {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var env RelayEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	assert.Equal(t, evtConnected, read().Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"explode"}`)))
	env := read()
	assert.Equal(t, evtError, env.Type)
	var p RelayError
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Contains(t, p.Message, "explode")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))
	assert.Equal(t, evtError, read().Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","requestId":"r1"}`)))
	env = read()
	assert.Equal(t, evtPong, env.Type)
	assert.JSONEq(t, `{"requestId":"r1"}`, string(env.Payload))
}

func TestRelayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv, _ := startRelay(t, WithRelayMetrics(metrics))

	ws := dialMirror(t, srv.URL)
	require.NoError(t, ws.Ping(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.connections))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.relayCmds.WithLabelValues(cmdPing)))

	require.NoError(t, ws.Disconnect())
	eventually(t, func() bool { return testutil.ToFloat64(metrics.connections) == 0 })
}

func TestRelayMetricsBoundCommandLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv, _ := startRelay(t, WithRelayMetrics(metrics))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, relayURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_, _, err = conn.Read(ctx) // connected
	require.NoError(t, err)

	for _, typ := range []string{"explode", "x1", "x2"} {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"`+typ+`"}`)))
		_, _, err = conn.Read(ctx) // error event
		require.NoError(t, err)
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.relayCmds.WithLabelValues("unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.relayCmds))
}

// ============================================================================
// Sessions over a relay
// ============================================================================

func TestSessionsOverRelay(t *testing.T) {
	srv, _ := startRelay(t)
	a := startSession(t, NewMemoryStore(), dialMirror(t, srv.URL), "user1")
	b := startSession(t, NewMemoryStore(), dialMirror(t, srv.URL), "user2")

	sent, err := a.Send("over the wire", "")
	require.NoError(t, err)

	eventually(t, func() bool {
		m, ok := lookup(b, sent.ID)
		return ok && m.Text == "over the wire"
	})
	eventually(t, func() bool { return statusOf(a, sent.ID) == StatusRead })

	require.NoError(t, a.DeleteForEveryone(sent.ID))
	eventually(t, func() bool {
		m, _ := lookup(b, sent.ID)
		return m.Deleted && m.Text == ""
	})
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&WSMirrorConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})

	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 200*time.Millisecond)

	second := r.nextDelay()
	assert.GreaterOrEqual(t, second, 200*time.Millisecond)

	assert.True(t, r.shouldReconnect())
	r.nextDelay()
	assert.False(t, r.shouldReconnect())

	for i := 0; i < 10; i++ {
		r.attempt = i
		assert.LessOrEqual(t, r.nextDelay(), time.Second)
	}
}
