// Package testserver wires a full server (sqlite store, presence tracker,
// engine, hub, router) onto an httptest listener for suite tests.
package testserver

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cowritehq/cowrite/internal/domain/presence"
	"github.com/cowritehq/cowrite/internal/domain/session"
	"github.com/cowritehq/cowrite/internal/sqlite"
	"github.com/cowritehq/cowrite/internal/transport"
)

type TestServer struct {
	Server  *httptest.Server
	DB      *sqlite.DB
	Store   *sqlite.SessionStore
	Engine  *session.Service
	Tracker *presence.Tracker
	Hub     *transport.Hub
}

// Options tunes the wired components; zero values pick test-friendly
// defaults.
type Options struct {
	JoinBacklog int
	Perms       session.PermissionChecker
}

func New(t *testing.T, opts Options) *TestServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	store := sqlite.NewSessionStore(db, nil)
	tracker := presence.NewTracker(presence.Config{}, nil)

	engine := session.NewService(store, store, opts.Perms, nil, session.Config{
		JoinBacklog: opts.JoinBacklog,
	}, nil)

	hub := transport.NewHub(engine, tracker, nil, nil)
	// The hub is constructed after the engine, so the broadcaster is
	// injected through the same setter the composition root uses.
	engine.SetBroadcaster(hub)

	server := httptest.NewServer(transport.NewRouter(hub, engine, tracker))

	ts := &TestServer{
		Server:  server,
		DB:      db,
		Store:   store,
		Engine:  engine,
		Tracker: tracker,
		Hub:     hub,
	}

	t.Cleanup(func() {
		server.Close()
		hub.CloseAll()
		tracker.Stop()
		engine.Stop()
		_ = db.Close()
	})

	return ts
}

// WSURL builds the websocket endpoint URL for a user and workspace.
func (ts *TestServer) WSURL(userID, workspaceID string) string {
	url := "ws" + strings.TrimPrefix(ts.Server.URL, "http") + "/ws"
	sep := "?"
	if userID != "" {
		url += sep + "user_id=" + userID
		sep = "&"
	}
	if workspaceID != "" {
		url += sep + "workspace_id=" + workspaceID
	}
	return url
}

// Dial opens a websocket connection for a user and waits for the connected
// acknowledgment frame.
func (ts *TestServer) Dial(t *testing.T, userID, workspaceID string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(ts.WSURL(userID, workspaceID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	frame := ReadFrame(t, ws)
	require.Equal(t, "connected", frame["type"])
	return ws
}

// ReadFrame reads one JSON frame with a deadline.
func ReadFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

// ReadFrameOfType reads frames until one matches the wanted type, skipping
// interleaved presence or cursor traffic.
func ReadFrameOfType(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()

	for i := 0; i < 20; i++ {
		frame := ReadFrame(t, ws)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("no %q frame received", want)
	return nil
}

// WriteFrame sends one JSON frame.
func WriteFrame(t *testing.T, ws *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}
