// Package presence tracks per-user online/away/offline state scoped to
// workspaces, independent of any collaboration session.
package presence

import "time"

// Status is a user's visibility state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Location is a back-reference to where in the product a user currently is,
// e.g. {"conversation", "conv-42"}. It carries no ownership semantics.
type Location struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// UserPresence is one user's live status. Records are created lazily on
// first activity and only ever marked offline, never deleted.
type UserPresence struct {
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	LastSeen        time.Time `json:"last_seen"`
	CurrentLocation *Location `json:"current_location,omitempty"`
	Activity        string    `json:"activity,omitempty"`
}

// Update is a partial presence change; nil fields keep their current value.
// An update with no explicit status counts as activity and sets the user
// online.
type Update struct {
	Status          *Status   `json:"status,omitempty"`
	CurrentLocation *Location `json:"current_location,omitempty"`
	Activity        *string   `json:"activity,omitempty"`
}

// EventKind discriminates presence events.
type EventKind string

const (
	EventPresenceUpdate EventKind = "presence_update"
	EventUserJoined     EventKind = "user_joined"
	EventUserLeft       EventKind = "user_left"
)

// Event is a presence transition delivered to the workspace's notifier.
// Presence is a snapshot taken at transition time.
type Event struct {
	Kind        EventKind    `json:"kind"`
	WorkspaceID string       `json:"workspace_id"`
	UserID      string       `json:"user_id"`
	Presence    UserPresence `json:"presence"`
	Timestamp   time.Time    `json:"timestamp"`
}
