package session

import (
	"context"

	"github.com/cowritehq/cowrite/internal/domain/operation"
)

// Persister durably stores a session after every admitted operation. The
// engine invokes it asynchronously and stays authoritative in memory if the
// write fails.
type Persister interface {
	PersistSession(ctx context.Context, snap Snapshot) error
}

// StateProvider loads the initial document snapshot when a session is first
// created for a resource. Returning nil state primes an empty document.
type StateProvider interface {
	ResourceState(ctx context.Context, resourceID string, resourceType ResourceType) (*operation.State, error)
}

// PermissionChecker authorizes a user's attempt to join a session.
type PermissionChecker interface {
	CheckPermissions(ctx context.Context, snap Snapshot, userID string) (bool, error)
}

// Broadcaster delivers engine messages to live connections. Implemented by
// the connection layer; delivery is best-effort and must not block.
type Broadcaster interface {
	BroadcastToUsers(userIDs []string, msg Message)
	SendToUser(userID string, msg Message)
}
