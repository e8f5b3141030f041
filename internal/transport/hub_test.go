package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cowritehq/cowrite/internal/domain/presence"
	"github.com/cowritehq/cowrite/internal/domain/session"
)

type hubFixture struct {
	server  *httptest.Server
	engine  *session.Service
	tracker *presence.Tracker
	hub     *Hub
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	tracker := presence.NewTracker(presence.Config{}, nil)
	engine := session.NewService(nil, nil, nil, nil, session.Config{}, nil)
	hub := NewHub(engine, tracker, nil, nil)
	engine.SetBroadcaster(hub)

	server := httptest.NewServer(NewRouter(hub, engine, tracker))
	t.Cleanup(func() {
		server.Close()
		hub.CloseAll()
	})

	return &hubFixture{server: server, engine: engine, tracker: tracker, hub: hub}
}

func (f *hubFixture) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?" + query
}

func (f *hubFixture) dial(t *testing.T, userID, workspaceID string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("user_id="+userID+"&workspace_id="+workspaceID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	frame := readFrame(t, ws)
	require.Equal(t, "connected", frame["type"])
	require.Equal(t, userID, frame["user_id"])
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func readFrameOfType(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()

	for i := 0; i < 20; i++ {
		frame := readFrame(t, ws)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("no %q frame received", want)
	return nil
}

func joinResource(t *testing.T, ws *websocket.Conn, resourceID string) string {
	t.Helper()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":          "join_session",
		"resource_id":   resourceID,
		"resource_type": "document",
	}))
	state := readFrameOfType(t, ws, "session_state")
	sessionID, _ := state["session_id"].(string)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestHub_RejectsMissingIdentity(t *testing.T) {
	f := newHubFixture(t)

	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("workspace_id=ws1"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHub_RejectsMissingContext(t *testing.T) {
	f := newHubFixture(t)

	// A user id alone is not enough: the connection needs a workspace or
	// session context.
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("user_id=u1"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHub_ConnectRegistersPresence(t *testing.T) {
	f := newHubFixture(t)

	f.dial(t, "u1", "ws1")

	p, ok := f.tracker.Get("u1")
	require.True(t, ok)
	require.Equal(t, presence.StatusOnline, p.Status)
	require.Len(t, f.tracker.WorkspacePresence("ws1"), 1)
}

func TestHub_JoinAndOperationFanout(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	ws2 := f.dial(t, "u2", "ws1")

	sessionID := joinResource(t, ws1, "doc-1")
	require.Equal(t, sessionID, joinResource(t, ws2, "doc-1"))

	// u1 is told about u2's join.
	joined := readFrameOfType(t, ws1, "user_joined")
	require.Equal(t, "u2", joined["user_id"])

	// u2 types; u1 receives the operation, u2 gets no echo.
	require.NoError(t, ws2.WriteJSON(map[string]any{
		"type":       "operation",
		"session_id": sessionID,
		"operation":  map[string]any{"type": "insert", "position": 0, "text": "Hello"},
	}))

	op := readFrameOfType(t, ws1, "operation")
	require.Equal(t, "u2", op["user_id"])

	// u1 answers; the next operation frame u2 sees is u1's, proving its
	// own operation was never echoed back.
	require.NoError(t, ws1.WriteJSON(map[string]any{
		"type":       "operation",
		"session_id": sessionID,
		"operation":  map[string]any{"type": "insert", "position": 5, "text": "!"},
	}))
	op = readFrameOfType(t, ws2, "operation")
	require.Equal(t, "u1", op["user_id"])

	snap, err := f.engine.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, "Hello!", snap.State.Text)
}

func TestHub_CursorFanout(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	ws2 := f.dial(t, "u2", "ws1")

	sessionID := joinResource(t, ws1, "doc-1")
	joinResource(t, ws2, "doc-1")

	require.NoError(t, ws2.WriteJSON(map[string]any{
		"type":       "cursor_update",
		"session_id": sessionID,
		"cursor":     map[string]any{"position": 4},
	}))

	frame := readFrameOfType(t, ws1, "cursor_update")
	require.Equal(t, "u2", frame["user_id"])
	cursor, ok := frame["cursor"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 4, cursor["position"])
}

func TestHub_InvalidOperationErrorsToSenderOnly(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	sessionID := joinResource(t, ws1, "doc-1")

	require.NoError(t, ws1.WriteJSON(map[string]any{
		"type":       "operation",
		"session_id": sessionID,
		"operation":  map[string]any{"type": "insert", "position": 99, "text": "x"},
	}))

	frame := readFrameOfType(t, ws1, "error")
	require.Equal(t, CodeValidationFailed, frame["code"])

	snap, err := f.engine.GetSession(sessionID)
	require.NoError(t, err)
	require.Empty(t, snap.State.Text, "rejected operation must not apply")
}

func TestHub_MalformedFrame(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	require.NoError(t, ws1.WriteMessage(websocket.TextMessage, []byte("not json")))

	frame := readFrameOfType(t, ws1, "error")
	require.Equal(t, CodeBadRequest, frame["code"])
}

func TestHub_UnknownSession(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	require.NoError(t, ws1.WriteJSON(map[string]any{
		"type":       "join_session",
		"session_id": "nope",
	}))

	frame := readFrameOfType(t, ws1, "error")
	require.Equal(t, CodeSessionNotFound, frame["code"])
}

func TestHub_DisconnectLeavesSessionsAndPresence(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	ws2 := f.dial(t, "u2", "ws1")

	sessionID := joinResource(t, ws1, "doc-1")
	joinResource(t, ws2, "doc-1")
	readFrameOfType(t, ws1, "user_joined")

	ws2.Close()

	left := readFrameOfType(t, ws1, "user_left")
	require.Equal(t, "u2", left["user_id"])

	require.Eventually(t, func() bool {
		snap, err := f.engine.GetSession(sessionID)
		if err != nil {
			return false
		}
		return len(snap.Participants) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		p, ok := f.tracker.Get("u2")
		return ok && p.Status == presence.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_LastLeaveEvictsSession(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	sessionID := joinResource(t, ws1, "doc-1")

	require.NoError(t, ws1.WriteJSON(map[string]any{
		"type":       "leave_session",
		"session_id": sessionID,
	}))

	require.Eventually(t, func() bool {
		_, err := f.engine.GetSession(sessionID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PresenceUpdateFanout(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.dial(t, "u1", "ws1")
	ws2 := f.dial(t, "u2", "ws1")
	readFrameOfType(t, ws1, "user_joined")

	require.NoError(t, ws2.WriteJSON(map[string]any{
		"type":     "presence_update",
		"presence": map[string]any{"activity": "editing doc-1"},
	}))

	frame := readFrameOfType(t, ws1, "presence_update")
	require.Equal(t, "u2", frame["user_id"])
	p, ok := frame["presence"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "editing doc-1", p["activity"])
	require.Equal(t, string(presence.StatusOnline), p["status"])
}
