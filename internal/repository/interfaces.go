package repository

import (
	"context"

	"github.com/cowritehq/cowrite/internal/domain/operation"
	"github.com/cowritehq/cowrite/internal/domain/session"
)

// SessionStore manages durable session persistence. Implementations back
// the engine's persistence and resource-state collaborators and serve
// history reads for the HTTP surface.
type SessionStore interface {
	// PersistSession durably stores a session snapshot and its
	// operation log.
	PersistSession(ctx context.Context, snap session.Snapshot) error
	// GetSession loads the most recently persisted snapshot of a session.
	GetSession(ctx context.Context, sessionID string) (*session.Snapshot, error)
	// ResourceState returns the latest persisted document state for a
	// resource, or nil when the resource has never been persisted.
	ResourceState(ctx context.Context, resourceID string, resourceType session.ResourceType) (*operation.State, error)
	// Operations returns up to limit most recent log entries for a session
	// in admission order.
	Operations(ctx context.Context, sessionID string, limit int) ([]operation.Operation, error)
}
