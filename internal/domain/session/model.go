// Package session owns live collaboration sessions: participant rosters,
// ordered operation logs, cursor maps, and the authoritative document state
// for each collaboratively-edited resource.
package session

import (
	"sync"
	"time"

	"github.com/cowritehq/cowrite/internal/domain/operation"
)

// ResourceType identifies the kind of resource being edited together.
type ResourceType string

const (
	ResourceConversation ResourceType = "conversation"
	ResourceArtifact     ResourceType = "artifact"
	ResourceDocument     ResourceType = "document"
)

// CursorPosition is a user's ephemeral caret location.
type CursorPosition struct {
	Position int `json:"position"`
}

// TextSelection is a user's ephemeral selected span.
type TextSelection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Session is the live, in-memory unit of collaboration for one resource.
// It is owned exclusively by the Service: all mutation happens through
// Service methods under the session's own lock, and nothing outside this
// package ever sees the raw maps.
type Session struct {
	ID           string
	ResourceID   string
	ResourceType ResourceType
	WorkspaceID  string
	CreatedAt    time.Time

	mu           sync.Mutex
	participants map[string]struct{}
	state        *operation.State
	operations   []operation.Operation
	cursors      map[string]CursorPosition
	selections   map[string]TextSelection
	lastActivity time.Time
	evicted      bool

	// persistSeq orders snapshots handed to the persister; persistMu and
	// persistDone let late goroutines detect a newer snapshot already
	// stored and stand down.
	persistSeq  uint64
	persistMu   sync.Mutex
	persistDone uint64
}

func newSession(id, resourceID string, resourceType ResourceType, workspaceID string, state *operation.State) *Session {
	if state == nil {
		state = &operation.State{}
	}
	now := time.Now()
	return &Session{
		ID:           id,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		WorkspaceID:  workspaceID,
		CreatedAt:    now,
		participants: make(map[string]struct{}),
		state:        state,
		cursors:      make(map[string]CursorPosition),
		selections:   make(map[string]TextSelection),
		lastActivity: now,
	}
}

// participantList returns the roster as a slice. Callers must hold s.mu.
func (s *Session) participantList() []string {
	out := make([]string, 0, len(s.participants))
	for userID := range s.participants {
		out = append(out, userID)
	}
	return out
}

// recipients returns every participant except the excluded user. Callers
// must hold s.mu.
func (s *Session) recipients(exclude string) []string {
	out := make([]string, 0, len(s.participants))
	for userID := range s.participants {
		if userID != exclude {
			out = append(out, userID)
		}
	}
	return out
}

// appendOperation records an admitted operation, coalescing it into the log
// tail when it extends the same author's previous edit, and trims the log
// to the retention bound. Callers must hold s.mu.
func (s *Session) appendOperation(op operation.Operation, retention int) {
	if n := len(s.operations); n > 0 {
		if merged := operation.Compose(s.operations[n-1], op); merged != nil {
			s.operations[n-1] = *merged
			return
		}
	}
	s.operations = append(s.operations, op)
	if len(s.operations) > retention {
		trimmed := make([]operation.Operation, retention)
		copy(trimmed, s.operations[len(s.operations)-retention:])
		s.operations = trimmed
	}
}

// operationTail copies the most recent n log entries. Callers must hold s.mu.
func (s *Session) operationTail(n int) []operation.Operation {
	if n > len(s.operations) {
		n = len(s.operations)
	}
	out := make([]operation.Operation, n)
	copy(out, s.operations[len(s.operations)-n:])
	return out
}

// snapshot captures the session for persistence or read-only callers.
// Callers must hold s.mu.
func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:           s.ID,
		ResourceID:   s.ResourceID,
		ResourceType: s.ResourceType,
		WorkspaceID:  s.WorkspaceID,
		Participants: s.participantList(),
		State:        s.state.Clone(),
		Operations:   s.operationTail(len(s.operations)),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// Snapshot is a point-in-time copy of a session, safe to hand to
// collaborators outside the engine.
type Snapshot struct {
	ID           string                `json:"id"`
	ResourceID   string                `json:"resource_id"`
	ResourceType ResourceType          `json:"resource_type"`
	WorkspaceID  string                `json:"workspace_id"`
	Participants []string              `json:"participants"`
	State        *operation.State      `json:"state"`
	Operations   []operation.Operation `json:"operations"`
	CreatedAt    time.Time             `json:"created_at"`
	LastActivity time.Time             `json:"last_activity"`
}
