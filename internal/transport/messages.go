package transport

import (
	"errors"
	"time"

	"github.com/cowritehq/cowrite/internal/domain/operation"
	"github.com/cowritehq/cowrite/internal/domain/presence"
	"github.com/cowritehq/cowrite/internal/domain/session"
)

// InboundKind discriminates frames arriving from clients.
type InboundKind string

const (
	InboundOperation       InboundKind = "operation"
	InboundCursorUpdate    InboundKind = "cursor_update"
	InboundSelectionUpdate InboundKind = "selection_update"
	InboundPresenceUpdate  InboundKind = "presence_update"
	InboundJoinSession     InboundKind = "join_session"
	InboundLeaveSession    InboundKind = "leave_session"
)

// Inbound is one client frame. Only the fields relevant to its kind are
// expected; the rest stay zero.
type Inbound struct {
	Kind      InboundKind `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	// join_session may address a resource instead of a live session id,
	// creating the session on first join.
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`

	Operation *operation.Operation    `json:"operation,omitempty"`
	Cursor    *session.CursorPosition `json:"cursor,omitempty"`
	Selection *session.TextSelection  `json:"selection,omitempty"`
	Presence  *presence.Update        `json:"presence,omitempty"`
}

// connectedFrame acknowledges connection establishment.
type connectedFrame struct {
	Kind         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// presenceFrame carries a presence transition to workspace members.
type presenceFrame struct {
	Kind        string                `json:"type"`
	WorkspaceID string                `json:"workspace_id"`
	UserID      string                `json:"user_id"`
	Presence    presence.UserPresence `json:"presence"`
	Timestamp   time.Time             `json:"timestamp"`
}

// errorFrame reports a request-local failure to its sender only.
type errorFrame struct {
	Kind    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Client-visible error codes.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeNotParticipant   = "NOT_PARTICIPANT"
	CodeInternal         = "INTERNAL"
)

// MapError maps domain errors to stable client-visible codes.
func MapError(err error) (code, message string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound, "session not found"
	case errors.Is(err, session.ErrPermissionDenied):
		return CodePermissionDenied, "permission denied"
	case errors.Is(err, session.ErrNotParticipant):
		return CodeNotParticipant, "join the session before sending updates"
	case errors.Is(err, session.ErrInvalidInput):
		return CodeBadRequest, "invalid request"
	case errors.Is(err, operation.ErrUnknownType),
		errors.Is(err, operation.ErrEmptyText),
		errors.Is(err, operation.ErrOutOfBounds),
		errors.Is(err, operation.ErrInvalidRange):
		return CodeValidationFailed, "operation rejected"
	default:
		return CodeInternal, "internal error"
	}
}
