package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrapbridge/engine/internal/types"
)

func record(id, owner string, status types.Status) types.Transaction {
	return types.Transaction{
		ID:          id,
		Owner:       owner,
		Direction:   types.ToTarget,
		SourceAsset: types.AssetBTC,
		DestAsset:   types.AssetWBTC,
		Amount:      decimal.RequireFromString("0.5"),
		Status:      status,
		Version:     1,
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Insert(ctx, record("a", "alice", types.StatusDraft)))
	assert.ErrorIs(t, s.Insert(ctx, record("a", "alice", types.StatusDraft)), types.ErrConflict)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	tx := record("a", "alice", types.StatusAwaitingDeposit)
	tx.History = []types.StatusChange{{From: types.StatusDraft, To: types.StatusAwaitingDeposit}}
	require.NoError(t, s.Insert(ctx, tx))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.History[0].Detail = "mutated"

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, again.History[0].Detail)
}

func TestStoreUpdateVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Insert(ctx, record("a", "alice", types.StatusDraft)))

	next := record("a", "alice", types.StatusCancelled)
	next.Version = 2
	assert.ErrorIs(t, s.Update(ctx, next, 5), types.ErrConflict)
	require.NoError(t, s.Update(ctx, next, 1))
	assert.ErrorIs(t, s.Update(ctx, next, 1), types.ErrConflict)

	stolen := record("a", "bob", types.StatusCancelled)
	stolen.Version = 3
	assert.ErrorIs(t, s.Update(ctx, stolen, 2), types.ErrInvalidTransition)

	assert.ErrorIs(t, s.Update(ctx, record("missing", "alice", types.StatusDraft), 1), types.ErrNotFound)
}

func TestStoreListing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Insert(ctx, record("1", "alice", types.StatusDraft)))
	require.NoError(t, s.Insert(ctx, record("2", "bob", types.StatusCompleted)))
	require.NoError(t, s.Insert(ctx, record("3", "alice", types.StatusFailed)))
	require.NoError(t, s.Insert(ctx, record("4", "bob", types.StatusConfirming)))

	alice, err := s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "1", alice[0].ID)
	assert.Equal(t, "3", alice[1].ID)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "1", active[0].ID)
	assert.Equal(t, "4", active[1].ID)

	s.Load(s.Snapshot()[:1])
	active, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	bob, err := s.ListByOwner(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bob)
}
