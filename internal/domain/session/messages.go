package session

import (
	"time"

	"github.com/cowritehq/cowrite/internal/domain/operation"
)

// MessageKind discriminates outbound collaboration frames.
type MessageKind string

const (
	KindSessionState    MessageKind = "session_state"
	KindOperation       MessageKind = "operation"
	KindCursorUpdate    MessageKind = "cursor_update"
	KindSelectionUpdate MessageKind = "selection_update"
	KindUserJoined      MessageKind = "user_joined"
	KindUserLeft        MessageKind = "user_left"
)

// Message is an outbound frame produced by the engine. Only the fields
// relevant to its kind are set; the connection layer serializes it as-is.
type Message struct {
	Kind         MessageKind           `json:"type"`
	SessionID    string                `json:"session_id,omitempty"`
	UserID       string                `json:"user_id,omitempty"`
	Timestamp    time.Time             `json:"timestamp,omitempty"`
	State        *operation.State      `json:"state,omitempty"`
	Participants []string              `json:"participants,omitempty"`
	Operations   []operation.Operation `json:"operations,omitempty"`
	Operation    *operation.Operation  `json:"operation,omitempty"`
	Cursor       *CursorPosition       `json:"cursor,omitempty"`
	Selection    *TextSelection        `json:"selection,omitempty"`
}
