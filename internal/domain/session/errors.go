package session

import "errors"

var (
	// ErrSessionNotFound indicates the session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPermissionDenied indicates the permission check rejected the user.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotParticipant indicates the user has not joined the session.
	ErrNotParticipant = errors.New("user is not a session participant")
	// ErrInvalidInput indicates a malformed session request.
	ErrInvalidInput = errors.New("invalid session input")
)
