package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"example.com/duel_relay/internal/config"
	"example.com/duel_relay/internal/game"
	"example.com/duel_relay/internal/room"
	"example.com/duel_relay/internal/session"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type frame struct {
	T string          `json:"t"`
	M json.RawMessage `json:"m"`
}

func testTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		SendBuffer:   16,
		PingInterval: time.Minute,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    32768,
	}
}

func newTestServer(t *testing.T, allow []string, staticDir string) (*httptest.Server, *Hub, *room.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := room.NewRegistry(game.NewChessEngine(), logger)
	hub := NewHub(testTransportConfig(), allow, logger)
	hub.Attach(session.NewCoordinator(reg, hub, logger, session.Options{}))
	srv := httptest.NewServer(NewMux(hub, staticDir, allow))
	t.Cleanup(srv.Close)
	return srv, hub, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"t": typ, "m": payload}))
}

func recv(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	require.NoError(t, wsjson.Read(ctx, c, &f))
	return f
}

func field(t *testing.T, f frame, key string) string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.Unmarshal(f.M, &m))
	return m[key]
}

func TestHub_EndToEndScenario(t *testing.T) {
	srv, _, reg := newTestServer(t, nil, "")
	a := dial(t, srv)
	b := dial(t, srv)

	send(t, a, "create", map[string]string{"room": "r1"})
	f := recv(t, a)
	assert.Equal(t, "roomCreated", f.T)
	assert.Equal(t, "r1", field(t, f, "room"))
	f = recv(t, a)
	assert.Equal(t, "playerColor", f.T)
	assert.Equal(t, "w", field(t, f, "color"))
	f = recv(t, a)
	assert.Equal(t, "gameState", f.T)
	assert.Equal(t, startFEN, field(t, f, "state"))

	send(t, b, "join", map[string]string{"room": "r1"})
	f = recv(t, b)
	assert.Equal(t, "playerColor", f.T)
	assert.Equal(t, "b", field(t, f, "color"))
	f = recv(t, b)
	assert.Equal(t, "gameState", f.T)
	assert.Equal(t, startFEN, field(t, f, "state"))
	assert.Equal(t, "gameStart", recv(t, b).T)
	assert.Equal(t, "gameStart", recv(t, a).T)

	send(t, a, "move", map[string]any{"room": "r1", "move": map[string]string{"from": "e2", "to": "e4"}})
	fa, fb := recv(t, a), recv(t, b)
	assert.Equal(t, "gameState", fa.T)
	assert.Equal(t, field(t, fa, "state"), field(t, fb, "state"))
	afterE4 := field(t, fa, "state")

	// Illegal for black; nothing is broadcast. The next frame B sees is the
	// reply to its own repeated join.
	send(t, b, "move", map[string]any{"room": "r1", "move": map[string]string{"from": "e4", "to": "e5"}})
	send(t, b, "rejoin", map[string]string{"room": "r1"})
	f = recv(t, b)
	assert.Equal(t, "playerColor", f.T)
	f = recv(t, b)
	assert.Equal(t, "gameState", f.T)
	assert.Equal(t, afterE4, field(t, f, "state"))

	rm, err := reg.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, afterE4, rm.State())

	require.NoError(t, b.Close(websocket.StatusNormalClosure, "leaving"))
	f = recv(t, a)
	assert.Equal(t, "playerDisconnected", f.T)
	assert.Equal(t, "b", field(t, f, "color"))
	require.Eventually(t, func() bool { return len(rm.Seats()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_BareStringRoomID(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, "")
	a := dial(t, srv)
	send(t, a, "create", "r2")
	assert.Equal(t, "roomCreated", recv(t, a).T)
}

func TestHub_JoinUnknownRoom(t *testing.T) {
	srv, _, reg := newTestServer(t, nil, "")
	a := dial(t, srv)
	send(t, a, "join", map[string]string{"room": "ghost"})
	f := recv(t, a)
	assert.Equal(t, "roomNotFound", f.T)
	assert.Equal(t, "ghost", field(t, f, "room"))
	assert.Equal(t, 0, reg.Len())
}

func TestHub_JoinFullRoom(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, "")
	a, b, c := dial(t, srv), dial(t, srv), dial(t, srv)
	send(t, a, "create", map[string]string{"room": "r1"})
	send(t, b, "join", map[string]string{"room": "r1"})
	recv(t, b)
	recv(t, b)
	recv(t, b)

	send(t, c, "join", map[string]string{"room": "r1"})
	assert.Equal(t, "roomFull", recv(t, c).T)
}

func TestHub_MalformedFramesSkipped(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, "")
	a := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Write(ctx, websocket.MessageText, []byte("{not json")))
	send(t, a, "create", map[string]string{})
	send(t, a, "bogus", nil)
	send(t, a, "move", "nonsense")

	send(t, a, "create", map[string]string{"room": "ok"})
	assert.Equal(t, "roomCreated", recv(t, a).T, "connection survives bad frames")
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	srv, hub, _ := newTestServer(t, nil, "")
	a := dial(t, srv)
	send(t, a, "create", map[string]string{"room": "r1"})
	recv(t, a)
	assert.Equal(t, 1, hub.Len())

	require.NoError(t, a.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ForbiddenOrigin(t *testing.T) {
	srv, _, _ := newTestServer(t, []string{"http://good.example"}, "")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_SendToUnknownConnIsNoop(t *testing.T) {
	hub := NewHub(testTransportConfig(), nil, zaptest.NewLogger(t))
	hub.Send("nobody", session.Event{Type: session.EventGameStart})
	hub.Broadcast("no-room", session.Event{Type: session.EventGameStart})
	hub.JoinGroup("nobody", "r1")
	hub.LeaveGroup("nobody", "r1")
	assert.Equal(t, 0, hub.Len())
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(testTransportConfig(), nil, zaptest.NewLogger(t))
	slow := &Client{id: "slow", send: make(chan []byte, 1)}
	hub.register(slow)
	hub.JoinGroup(slow.ID(), "r1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			hub.Send(slow.ID(), session.Event{Type: session.EventGameStart})
			hub.Broadcast("r1", session.Event{Type: session.EventGameStart})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a full queue")
	}
	assert.Len(t, slow.send, 1)
}

func TestDecodeRoom(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want string
		ok   bool
	}{
		{`{"room":"r1"}`, "r1", true},
		{`"r2"`, "r2", true},
		{` "r3" `, "r3", true},
		{`{"room":""}`, "", false},
		{`""`, "", false},
		{``, "", false},
		{`42`, "", false},
	} {
		got, ok := decodeRoom(json.RawMessage(tc.raw))
		assert.Equal(t, tc.ok, ok, "raw %q", tc.raw)
		assert.Equal(t, tc.want, got, "raw %q", tc.raw)
	}
}

func TestMux_Health(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, "")
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMux_StaticAndCORS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>board</h1>"), 0644))
	srv, _, _ := newTestServer(t, []string{"http://good.example"}, dir)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/index.html", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://good.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://good.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}
