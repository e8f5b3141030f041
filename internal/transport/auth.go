package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates invalid or missing credentials.
var ErrUnauthorized = errors.New("unauthorized")

// UserResolver resolves a user ID from a bearer token. Token issuance and
// verification belong to the surrounding application; the connection layer
// only needs the resulting identity.
type UserResolver interface {
	ResolveUser(ctx context.Context, token string) (string, error)
}

// Identity is the authenticated context a connection is established under.
// A connection needs a user and either a workspace or a session to be
// useful; enforcing the latter is the hub's call.
type Identity struct {
	UserID      string
	WorkspaceID string
	SessionID   string
}

// identityFromRequest extracts the connection identity from the upgrade
// request: a bearer token resolved through the injected resolver, or a
// plain user_id query parameter when no resolver is configured (trusted
// ingress deployments).
func identityFromRequest(r *http.Request, resolver UserResolver) (Identity, error) {
	id := Identity{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		SessionID:   r.URL.Query().Get("session_id"),
	}

	auth := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if resolver != nil {
		if token == "" {
			return Identity{}, ErrUnauthorized
		}
		userID, err := resolver.ResolveUser(r.Context(), token)
		if err != nil || userID == "" {
			return Identity{}, ErrUnauthorized
		}
		id.UserID = userID
		return id, nil
	}

	id.UserID = r.URL.Query().Get("user_id")
	if id.UserID == "" {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}
