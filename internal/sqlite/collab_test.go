package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cowritehq/cowrite/internal/domain/operation"
	"github.com/cowritehq/cowrite/internal/domain/session"
	"github.com/cowritehq/cowrite/internal/repository"
)

func testSnapshot(id string, ops ...operation.Operation) session.Snapshot {
	now := time.Now()
	return session.Snapshot{
		ID:           id,
		ResourceID:   "doc-1",
		ResourceType: session.ResourceDocument,
		WorkspaceID:  "ws1",
		Participants: []string{"u1", "u2"},
		State:        &operation.State{Text: "Hello"},
		Operations:   ops,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func insertOp(id, userID string, pos int, text string, at time.Time) operation.Operation {
	return operation.Operation{
		ID:        id,
		SessionID: "s1",
		UserID:    userID,
		Timestamp: at,
		AppliedAt: at,
		Type:      operation.TypeInsert,
		Position:  pos,
		Text:      text,
	}
}

func TestSessionStore_PersistGet(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewSessionStore(db, nil)

	now := time.Now()
	snap := testSnapshot("s1",
		insertOp("op1", "u1", 0, "Hello", now),
		insertOp("op2", "u2", 5, "!", now.Add(time.Millisecond)),
	)
	require.NoError(t, store.PersistSession(ctx, snap))

	loaded, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "doc-1", loaded.ResourceID)
	require.Equal(t, session.ResourceDocument, loaded.ResourceType)
	require.Equal(t, []string{"u1", "u2"}, loaded.Participants)
	require.Equal(t, "Hello", loaded.State.Text)
	require.Len(t, loaded.Operations, 2)
	require.Equal(t, "op1", loaded.Operations[0].ID)
	require.Equal(t, "op2", loaded.Operations[1].ID)
}

func TestSessionStore_GetMissing(t *testing.T) {
	db := NewTestDB(t)
	store := NewSessionStore(db, nil)

	_, err := store.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessionStore_PersistIsIdempotentOnLogTail(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewSessionStore(db, nil)

	now := time.Now()
	op1 := insertOp("op1", "u1", 0, "Hello", now)
	require.NoError(t, store.PersistSession(ctx, testSnapshot("s1", op1)))

	// The engine re-sends its recent tail with every persist; replayed
	// entries must not duplicate.
	op2 := insertOp("op2", "u2", 5, "!", now.Add(time.Millisecond))
	require.NoError(t, store.PersistSession(ctx, testSnapshot("s1", op1, op2)))
	require.NoError(t, store.PersistSession(ctx, testSnapshot("s1", op1, op2)))

	ops, err := store.Operations(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
}

func TestSessionStore_PersistUpdatesComposedOperation(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewSessionStore(db, nil)

	now := time.Now()
	op1 := insertOp("op1", "u1", 0, "He", now)
	require.NoError(t, store.PersistSession(ctx, testSnapshot("s1", op1)))

	// Composition extends the stored operation under its original id.
	op1.Text = "Hello"
	require.NoError(t, store.PersistSession(ctx, testSnapshot("s1", op1)))

	ops, err := store.Operations(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "Hello", ops[0].Text)
}

func TestSessionStore_OperationsLimit(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewSessionStore(db, nil)

	now := time.Now()
	var ops []operation.Operation
	for i := 0; i < 5; i++ {
		ops = append(ops, insertOp(
			"op"+string(rune('a'+i)), "u1", i, "x", now.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, store.PersistSession(ctx, testSnapshot("s1", ops...)))

	recent, err := store.Operations(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "opd", recent[0].ID)
	require.Equal(t, "ope", recent[1].ID)
}

func TestSessionStore_ResourceState(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewSessionStore(db, nil)

	state, err := store.ResourceState(ctx, "doc-1", session.ResourceDocument)
	require.NoError(t, err)
	require.Nil(t, state, "unknown resource primes an empty document")

	snap := testSnapshot("s1")
	snap.State = &operation.State{
		Text: "Hello World",
		Formatting: []operation.FormatRange{
			{Start: 6, End: 11, Attributes: operation.Attributes{"bold": true}},
		},
	}
	require.NoError(t, store.PersistSession(ctx, snap))

	state, err = store.ResourceState(ctx, "doc-1", session.ResourceDocument)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, "Hello World", state.Text)
	require.Len(t, state.Formatting, 1)
	require.Equal(t, 6, state.Formatting[0].Start)
}

func TestSessionStore_ResourceStatePicksLatest(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewSessionStore(db, nil)

	old := testSnapshot("s1")
	old.State = &operation.State{Text: "old"}
	old.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, store.PersistSession(ctx, old))

	// A later session for the same resource, e.g. after an eviction.
	fresh := testSnapshot("s2")
	fresh.State = &operation.State{Text: "fresh"}
	require.NoError(t, store.PersistSession(ctx, fresh))

	state, err := store.ResourceState(ctx, "doc-1", session.ResourceDocument)
	require.NoError(t, err)
	require.Equal(t, "fresh", state.Text)
}

func TestSessionStore_DeleteBefore(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewSessionStore(db, nil)

	now := time.Now()
	require.NoError(t, store.PersistSession(ctx, testSnapshot("s1",
		insertOp("op1", "u1", 0, "a", now.Add(-time.Hour)),
		insertOp("op2", "u1", 1, "b", now),
	)))

	pruned, err := store.DeleteBefore(ctx, "s1", now.Add(-time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	ops, err := store.Operations(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "op2", ops[0].ID)
}
