package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/cowritehq/cowrite/internal/domain/operation"
	"github.com/cowritehq/cowrite/internal/domain/session"
)

// Persister is a mock for session.Persister.
type Persister struct {
	mock.Mock
}

func (m *Persister) PersistSession(ctx context.Context, snap session.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

// StateProvider is a mock for session.StateProvider.
type StateProvider struct {
	mock.Mock
}

func (m *StateProvider) ResourceState(ctx context.Context, resourceID string, resourceType session.ResourceType) (*operation.State, error) {
	args := m.Called(ctx, resourceID, resourceType)
	if state, ok := args.Get(0).(*operation.State); ok {
		return state, args.Error(1)
	}
	return nil, args.Error(1)
}

// PermissionChecker is a mock for session.PermissionChecker.
type PermissionChecker struct {
	mock.Mock
}

func (m *PermissionChecker) CheckPermissions(ctx context.Context, snap session.Snapshot, userID string) (bool, error) {
	args := m.Called(ctx, snap, userID)
	return args.Bool(0), args.Error(1)
}

// SessionStore is a mock for repository.SessionStore.
type SessionStore struct {
	mock.Mock
}

func (m *SessionStore) PersistSession(ctx context.Context, snap session.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *SessionStore) GetSession(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	args := m.Called(ctx, sessionID)
	if snap, ok := args.Get(0).(*session.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionStore) ResourceState(ctx context.Context, resourceID string, resourceType session.ResourceType) (*operation.State, error) {
	args := m.Called(ctx, resourceID, resourceType)
	if state, ok := args.Get(0).(*operation.State); ok {
		return state, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionStore) Operations(ctx context.Context, sessionID string, limit int) ([]operation.Operation, error) {
	args := m.Called(ctx, sessionID, limit)
	if ops, ok := args.Get(0).([]operation.Operation); ok {
		return ops, args.Error(1)
	}
	return nil, args.Error(1)
}
