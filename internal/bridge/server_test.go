package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/park285/chess-engine-bridge/internal/metrics"
	"github.com/park285/chess-engine-bridge/internal/registry"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

type testBridge struct {
	srv  *Server
	http *httptest.Server
	reg  *registry.MemoryStore
}

func newTestBridge(t *testing.T, sup *Supervisor) *testBridge {
	t.Helper()
	reg := registry.NewMemoryStore()
	srv := NewServer(Options{
		Supervisor:     sup,
		Registry:       reg,
		Metrics:        metrics.New("bridge_test"),
		AllowedOrigins: []string{"*"},
		SessionTTL:     time.Minute,
	})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return &testBridge{srv: srv, http: hs, reg: reg}
}

func (b *testBridge) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(line)))
}

func recv(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err, string(data))
	return msg
}

func TestBridgeRelaysBothWays(t *testing.T) {
	b := newTestBridge(t, fakeSupervisor(t))
	conn := b.dial(t)

	send(t, conn, "newgame")
	require.Equal(t, wire.KindNewGameStarted, recv(t, conn).Kind)

	send(t, conn, "  move e2e4  ")
	require.Equal(t, wire.KindMoveAccepted, recv(t, conn).Kind)

	send(t, conn, "search 6")
	res := recv(t, conn)
	require.Equal(t, wire.KindSearchResult, res.Kind)
	require.Equal(t, 35, res.Eval)
	require.Equal(t, "e2e4", res.Best())

	send(t, conn, "bogus")
	errMsg := recv(t, conn)
	require.Equal(t, wire.KindEngineError, errMsg.Kind)
	require.Equal(t, "unknown command", errMsg.Text)

	require.Equal(t, 1, b.srv.ActiveSessions())
	recs, err := b.reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Greater(t, recs[0].PID, 0)
}

func TestBridgeSpawnFailure(t *testing.T) {
	b := newTestBridge(t, NewSupervisor("/nonexistent/engine", []string{"--api"}))
	conn := b.dial(t)

	msg := recv(t, conn)
	require.Equal(t, wire.KindEngineError, msg.Kind)
	require.Equal(t, SpawnFailedMessage, msg.Text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}

func TestBridgeEngineExitClosesSession(t *testing.T) {
	b := newTestBridge(t, fakeSupervisor(t))
	conn := b.dial(t)

	send(t, conn, "exit 7")
	msg := recv(t, conn)
	require.Equal(t, wire.KindEngineClosed, msg.Kind)
	require.Equal(t, 7, msg.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	require.Eventually(t, func() bool { return b.srv.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestBridgeClientCloseKillsEngine(t *testing.T) {
	b := newTestBridge(t, fakeSupervisor(t))
	conn := b.dial(t)

	send(t, conn, "newgame")
	recv(t, conn)
	recs, _ := b.reg.List(context.Background())
	require.Len(t, recs, 1)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		recs, _ := b.reg.List(context.Background())
		return b.srv.ActiveSessions() == 0 && len(recs) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBridgeSessionsAreIsolated(t *testing.T) {
	b := newTestBridge(t, fakeSupervisor(t))
	c1 := b.dial(t)
	c2 := b.dial(t)

	send(t, c1, "newgame")
	send(t, c2, "search 3")
	require.Equal(t, wire.KindNewGameStarted, recv(t, c1).Kind)
	require.Equal(t, wire.KindSearchResult, recv(t, c2).Kind)

	recs, err := b.reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NotEqual(t, recs[0].PID, recs[1].PID)
}

func TestHealthAndSessionsEndpoints(t *testing.T) {
	b := newTestBridge(t, fakeSupervisor(t))
	conn := b.dial(t)
	send(t, conn, "newgame")
	recv(t, conn)

	resp, err := http.Get(b.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.Sessions)

	resp2, err := http.Get(b.http.URL + "/sessions")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var recs []registry.Record
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&recs))
	require.Len(t, recs, 1)

	resp3, err := http.Get(b.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	b := newTestBridge(t, fakeSupervisor(t))
	conn := b.dial(t)
	send(t, conn, "newgame")
	recv(t, conn)

	// keep reading so the close handshake can complete
	readErr := make(chan error, 1)
	go func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rcancel()
		_, _, err := conn.Read(rctx)
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.srv.Shutdown(ctx))
	require.Zero(t, b.srv.ActiveSessions())
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))
}
