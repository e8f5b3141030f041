// Package transport is the connection layer: it binds websocket
// connections to user identities, routes inbound frames to the
// collaboration engine and presence tracker, and fans outbound frames back
// to sockets.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cowritehq/cowrite/internal/domain/presence"
	"github.com/cowritehq/cowrite/internal/domain/session"
)

// Publisher forwards outbound frames to other server nodes. Implemented by
// the relay; nil means single-node operation.
type Publisher interface {
	Publish(workspaceID string, userIDs []string, payload []byte)
}

// Hub owns every live connection and the connection-to-identity mapping.
// It implements session.Broadcaster for the engine and registers itself as
// each workspace's presence notifier.
type Hub struct {
	engine   *session.Service
	tracker  *presence.Tracker
	resolver UserResolver
	relay    Publisher
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	conns       map[string]*conn
	byUser      map[string]map[string]*conn
	byWorkspace map[string]map[string]*conn
}

// NewHub creates the hub. A nil resolver trusts the user_id query
// parameter, which is only appropriate behind an authenticating ingress.
func NewHub(engine *session.Service, tracker *presence.Tracker, resolver UserResolver, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		engine:   engine,
		tracker:  tracker,
		resolver: resolver,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:       make(map[string]*conn),
		byUser:      make(map[string]map[string]*conn),
		byWorkspace: make(map[string]map[string]*conn),
	}
}

// SetRelay installs the cross-node publisher. Must be called before the
// hub starts accepting connections.
func (h *Hub) SetRelay(p Publisher) {
	h.relay = p
}

// HandleWS upgrades the request and runs the connection until it closes.
// Connections without a resolvable user, or without at least a workspace
// or session context, are rejected with close code 1008.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	identity, err := identityFromRequest(r, h.resolver)
	if err == nil && identity.WorkspaceID == "" && identity.SessionID == "" {
		err = ErrUnauthorized
	}
	if err != nil {
		deadline := time.Now().Add(writeWait)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing identity"),
			deadline)
		ws.Close()
		return
	}

	c := &conn{
		id:          uuid.NewString(),
		userID:      identity.UserID,
		workspaceID: identity.WorkspaceID,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		hub:         h,
		sessions:    make(map[string]struct{}),
	}
	c.touch()
	h.register(c)

	go c.writePump()

	// The acknowledgment goes out before the workspace is told about the
	// arrival, so the client's first frame is always the ack.
	h.sendFrame(c, connectedFrame{
		Kind:         "connected",
		ConnectionID: c.id,
		UserID:       c.userID,
		WorkspaceID:  c.workspaceID,
		Timestamp:    time.Now(),
	})
	if c.workspaceID != "" {
		h.tracker.AddToWorkspace(c.userID, c.workspaceID)
	}

	if identity.SessionID != "" {
		h.joinSession(c, identity.SessionID)
	}

	c.readPump()
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	userConns, ok := h.byUser[c.userID]
	if !ok {
		userConns = make(map[string]*conn)
		h.byUser[c.userID] = userConns
	}
	userConns[c.id] = c

	var firstInWorkspace bool
	if c.workspaceID != "" {
		wsConns, ok := h.byWorkspace[c.workspaceID]
		if !ok {
			wsConns = make(map[string]*conn)
			h.byWorkspace[c.workspaceID] = wsConns
			firstInWorkspace = true
		}
		wsConns[c.id] = c
	}
	h.mu.Unlock()

	if c.workspaceID != "" && firstInWorkspace {
		workspaceID := c.workspaceID
		h.tracker.RegisterNotifier(workspaceID, func(ev presence.Event) {
			h.deliverPresence(workspaceID, ev)
		})
	}
	h.logger.Debug("connection opened", "connection_id", c.id, "user_id", c.userID)
}

// drop tears down a connection: every joined session is left, presence is
// downgraded, and the record is released. Idempotent, so delivery failures
// and read-pump exits can both trigger it.
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)

	delete(h.byUser[c.userID], c.id)
	lastOfUser := len(h.byUser[c.userID]) == 0
	if lastOfUser {
		delete(h.byUser, c.userID)
	}

	var workspaceEmpty bool
	lastInWorkspace := true
	if c.workspaceID != "" {
		wsConns := h.byWorkspace[c.workspaceID]
		delete(wsConns, c.id)
		workspaceEmpty = len(wsConns) == 0
		if workspaceEmpty {
			delete(h.byWorkspace, c.workspaceID)
		}
		for _, other := range wsConns {
			if other.userID == c.userID {
				lastInWorkspace = false
				break
			}
		}
	}

	joined := make([]string, 0, len(c.sessions))
	for sid := range c.sessions {
		joined = append(joined, sid)
	}
	close(c.done)
	h.mu.Unlock()

	for _, sid := range joined {
		if err := h.engine.LeaveSession(sid, c.userID); err != nil {
			h.logger.Debug("leave on disconnect", "session_id", sid, "error", err)
		}
	}

	if c.workspaceID != "" {
		if lastOfUser {
			h.tracker.SetOffline(c.userID)
		} else if lastInWorkspace {
			h.tracker.RemoveFromWorkspace(c.userID, c.workspaceID)
		}
		if workspaceEmpty {
			h.tracker.UnregisterNotifier(c.workspaceID)
		}
	}
	h.logger.Debug("connection closed", "connection_id", c.id, "user_id", c.userID)
}

// dispatch routes one inbound frame. Errors are reported to the sender
// only; no inbound frame can fail another participant's connection.
func (h *Hub) dispatch(c *conn, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.sendErrorCode(c, CodeBadRequest, "malformed frame", err)
		return
	}

	ctx := context.Background()
	switch in.Kind {
	case InboundJoinSession:
		switch {
		case in.SessionID != "":
			h.joinSession(c, in.SessionID)
		case in.ResourceID != "":
			resourceType, ok := parseResourceType(in.ResourceType)
			if !ok {
				h.sendErrorCode(c, CodeBadRequest, "unknown resource type", nil)
				return
			}
			snap, err := h.engine.JoinResource(ctx, in.ResourceID, resourceType, c.userID, c.workspaceID)
			if err != nil {
				h.sendError(c, err)
				return
			}
			h.trackJoin(c, snap.ID)
		default:
			h.sendErrorCode(c, CodeBadRequest, "join needs a session or resource id", nil)
		}

	case InboundLeaveSession:
		if in.SessionID == "" {
			h.sendErrorCode(c, CodeBadRequest, "missing session id", nil)
			return
		}
		if err := h.engine.LeaveSession(in.SessionID, c.userID); err != nil {
			h.sendError(c, err)
			return
		}
		h.mu.Lock()
		delete(c.sessions, in.SessionID)
		h.mu.Unlock()

	case InboundOperation:
		if in.Operation == nil {
			h.sendErrorCode(c, CodeBadRequest, "missing operation", nil)
			return
		}
		sessionID := in.SessionID
		if sessionID == "" {
			sessionID = in.Operation.SessionID
		}
		if _, err := h.engine.HandleOperation(ctx, sessionID, c.userID, *in.Operation); err != nil {
			h.sendError(c, err)
		}

	case InboundCursorUpdate:
		if in.Cursor == nil {
			h.sendErrorCode(c, CodeBadRequest, "missing cursor", nil)
			return
		}
		if err := h.engine.UpdateCursor(in.SessionID, c.userID, *in.Cursor); err != nil {
			h.sendError(c, err)
		}

	case InboundSelectionUpdate:
		if in.Selection == nil {
			h.sendErrorCode(c, CodeBadRequest, "missing selection", nil)
			return
		}
		if err := h.engine.UpdateSelection(in.SessionID, c.userID, *in.Selection); err != nil {
			h.sendError(c, err)
		}

	case InboundPresenceUpdate:
		if in.Presence == nil {
			h.sendErrorCode(c, CodeBadRequest, "missing presence", nil)
			return
		}
		h.tracker.UpdatePresence(c.userID, *in.Presence)

	default:
		h.sendErrorCode(c, CodeBadRequest, "unknown message type", nil)
	}
}

func (h *Hub) joinSession(c *conn, sessionID string) {
	if _, err := h.engine.JoinSession(context.Background(), sessionID, c.userID); err != nil {
		h.sendError(c, err)
		return
	}
	h.trackJoin(c, sessionID)
}

func (h *Hub) trackJoin(c *conn, sessionID string) {
	h.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	h.mu.Unlock()
}

// BroadcastToUsers implements session.Broadcaster: each addressed user
// receives the frame on their most recently active connection.
func (h *Hub) BroadcastToUsers(userIDs []string, msg session.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding outbound frame", "error", err)
		return
	}
	h.deliver(userIDs, payload)
	if h.relay != nil {
		h.relay.Publish("", userIDs, payload)
	}
}

// SendToUser implements session.Broadcaster for unicast delivery.
func (h *Hub) SendToUser(userID string, msg session.Message) {
	h.BroadcastToUsers([]string{userID}, msg)
}

// DeliverToUsers implements relay.LocalDeliverer: frames arriving from
// other nodes go to local connections only, never back to the relay.
func (h *Hub) DeliverToUsers(userIDs []string, payload []byte) {
	h.deliver(userIDs, payload)
}

// deliver enqueues the frame on each user's most recently active
// connection. Connections that cannot accept it are treated as dead and
// cleaned up without affecting anyone else's delivery.
func (h *Hub) deliver(userIDs []string, payload []byte) {
	var targets []*conn
	h.mu.RLock()
	for _, userID := range userIDs {
		if c := freshest(h.byUser[userID]); c != nil {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			h.logger.Warn("send buffer full, dropping connection",
				"connection_id", c.id, "user_id", c.userID)
			go h.drop(c)
		}
	}
}

// deliverPresence fans a presence event to every connection registered for
// the workspace.
func (h *Hub) deliverPresence(workspaceID string, ev presence.Event) {
	payload, err := json.Marshal(presenceFrame{
		Kind:        string(ev.Kind),
		WorkspaceID: ev.WorkspaceID,
		UserID:      ev.UserID,
		Presence:    ev.Presence,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		h.logger.Error("encoding presence frame", "error", err)
		return
	}

	var targets []*conn
	users := make(map[string]struct{})
	h.mu.RLock()
	for _, c := range h.byWorkspace[workspaceID] {
		targets = append(targets, c)
		users[c.userID] = struct{}{}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			go h.drop(c)
		}
	}
	if h.relay != nil {
		userIDs := make([]string, 0, len(users))
		for userID := range users {
			userIDs = append(userIDs, userID)
		}
		h.relay.Publish(workspaceID, userIDs, payload)
	}
}

func (h *Hub) sendFrame(c *conn, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encoding frame", "error", err)
		return
	}
	if !c.enqueue(payload) {
		go h.drop(c)
	}
}

func (h *Hub) sendError(c *conn, err error) {
	code, message := MapError(err)
	h.sendErrorCode(c, code, message, err)
}

func (h *Hub) sendErrorCode(c *conn, code, message string, err error) {
	frame := errorFrame{Kind: "error", Code: code, Message: message}
	if err != nil {
		frame.Error = err.Error()
	}
	h.sendFrame(c, frame)
}

// CloseAll drops every connection. Used on shutdown after the HTTP server
// stops accepting upgrades.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.RUnlock()

	for _, c := range open {
		h.drop(c)
	}
}

// freshest picks the most recently active connection. Callers must hold at
// least the read lock.
func freshest(conns map[string]*conn) *conn {
	var best *conn
	var bestStamp int64
	for _, c := range conns {
		if stamp := c.lastActive.Load(); best == nil || stamp > bestStamp {
			best, bestStamp = c, stamp
		}
	}
	return best
}

func parseResourceType(s string) (session.ResourceType, bool) {
	switch session.ResourceType(s) {
	case session.ResourceConversation, session.ResourceArtifact, session.ResourceDocument:
		return session.ResourceType(s), true
	default:
		return "", false
	}
}

var _ session.Broadcaster = (*Hub)(nil)
