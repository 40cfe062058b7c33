package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/storage/memory"
	"github.com/wrapbridge/engine/internal/types"
)

const (
	alice = "0x1234567890123456789012345678901234567890"
	bob   = "0x0987654321098765432109876543210987654321"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return ledger.New(memory.NewStore(), logger)
}

func mintDraft(owner string) types.Draft {
	return types.Draft{
		Direction:   types.ToTarget,
		Owner:       owner,
		SourceAsset: types.AssetBTC,
		DestAsset:   types.AssetWBTC,
		Amount:      decimal.RequireFromString("0.05"),
		DestAddress: alice,
	}
}

func mintFees() types.Fees {
	return types.Fees{
		ProtocolFee:     decimal.RequireFromString("0.00005"),
		NetworkFee:      decimal.RequireFromString("0.00001"),
		AmountAfterFees: decimal.RequireFromString("0.04994"),
		ExchangeRate:    decimal.NewFromInt(1),
	}
}

// openAwaitingDeposit creates a transaction and moves it out of Draft
func openAwaitingDeposit(t *testing.T, l *ledger.Ledger) types.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := l.Create(ctx, mintDraft(alice))
	require.NoError(t, err)
	tx, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithFees(mintFees()).WithStatus(types.StatusAwaitingDeposit))
	require.NoError(t, err)
	return tx
}

func TestCreate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, mintDraft("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, types.StatusDraft, tx.Status)
	assert.Equal(t, uint64(1), tx.Version)
	assert.Nil(t, tx.Fees)
	assert.Equal(t, types.NormalizeOwner("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"), tx.Owner)
	assert.False(t, tx.CreatedAt.IsZero())

	got, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx, got)

	_, err = l.Create(ctx, types.Draft{SourceAsset: types.AssetBTC, DestAsset: types.AssetWBTC})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestUpdateTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		l := newTestLedger(t)
		_, err := l.Update(ctx, "missing", ledger.Patch{ExpectedVersion: 1})
		assert.ErrorIs(t, err, types.ErrNotFound)
		_, err = l.Get(ctx, "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("draft to completed is rejected", func(t *testing.T) {
		l := newTestLedger(t)
		tx, err := l.Create(ctx, mintDraft(alice))
		require.NoError(t, err)

		_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithFees(mintFees()).WithStatus(types.StatusCompleted))
		assert.ErrorIs(t, err, types.ErrInvalidTransition)

		unchanged, err := l.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusDraft, unchanged.Status)
		assert.Equal(t, uint64(1), unchanged.Version)
	})

	t.Run("leaving draft requires frozen fees", func(t *testing.T) {
		l := newTestLedger(t)
		tx, err := l.Create(ctx, mintDraft(alice))
		require.NoError(t, err)

		_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(types.StatusAwaitingDeposit))
		assert.ErrorIs(t, err, types.ErrInvalidTransition)
	})

	t.Run("fees that do not balance are rejected", func(t *testing.T) {
		l := newTestLedger(t)
		tx, err := l.Create(ctx, mintDraft(alice))
		require.NoError(t, err)

		fees := mintFees()
		fees.AmountAfterFees = decimal.RequireFromString("0.05")
		_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithFees(fees).WithStatus(types.StatusAwaitingDeposit))
		assert.ErrorIs(t, err, types.ErrInvalidAmount)
	})

	t.Run("fees are frozen after draft", func(t *testing.T) {
		l := newTestLedger(t)
		tx := openAwaitingDeposit(t, l)

		other := mintFees()
		other.NetworkFee = decimal.RequireFromString("0.00002")
		other.AmountAfterFees = decimal.RequireFromString("0.04993")
		_, err := l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithFees(other))
		assert.ErrorIs(t, err, types.ErrInvalidTransition)

		got, err := l.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, "0.04994", got.Fees.AmountAfterFees.String())
	})

	t.Run("gateway ref only on the move into submitted", func(t *testing.T) {
		l := newTestLedger(t)
		tx := openAwaitingDeposit(t, l)

		_, err := l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithGatewayRef("ref-1"))
		assert.ErrorIs(t, err, types.ErrInvalidTransition)

		_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(types.StatusSubmitted))
		assert.ErrorIs(t, err, types.ErrInvalidTransition, "submitted without a ref")

		tx, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(types.StatusSubmitted).WithGatewayRef("ref-1"))
		require.NoError(t, err)
		assert.Equal(t, "ref-1", tx.GatewayRef)

		_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(types.StatusConfirming).WithGatewayRef("ref-2"))
		assert.ErrorIs(t, err, types.ErrInvalidTransition)
	})

	t.Run("failed requires detail and is terminal", func(t *testing.T) {
		l := newTestLedger(t)
		tx := openAwaitingDeposit(t, l)

		_, err := l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(types.StatusFailed))
		assert.ErrorIs(t, err, types.ErrInvalidTransition)

		tx, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).Failed("gateway unreachable"))
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, tx.Status)
		assert.Equal(t, "gateway unreachable", tx.ErrorDetail)

		for _, to := range []types.Status{types.StatusAwaitingDeposit, types.StatusSubmitted, types.StatusCompleted} {
			_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(to))
			assert.ErrorIs(t, err, types.ErrInvalidTransition, to)
		}
		_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithCursor(types.Cursor{BlockHeight: 9}))
		assert.ErrorIs(t, err, types.ErrInvalidTransition)
	})

	t.Run("error detail outside of failing", func(t *testing.T) {
		l := newTestLedger(t)
		tx := openAwaitingDeposit(t, l)
		detail := "nope"
		_, err := l.Update(ctx, tx.ID, ledger.Patch{ExpectedVersion: tx.Version, ErrorDetail: &detail})
		assert.ErrorIs(t, err, types.ErrInvalidTransition)
	})

	t.Run("history records each status change", func(t *testing.T) {
		l := newTestLedger(t)
		tx := openAwaitingDeposit(t, l)
		tx, err := l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(types.StatusCancelled).WithNote("user cancelled"))
		require.NoError(t, err)

		require.Len(t, tx.History, 2)
		assert.Equal(t, types.StatusDraft, tx.History[0].From)
		assert.Equal(t, types.StatusAwaitingDeposit, tx.History[0].To)
		assert.Equal(t, "user cancelled", tx.History[1].Detail)
		assert.Equal(t, uint64(3), tx.Version)
	})
}

func TestUpdateConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("stale version", func(t *testing.T) {
		l := newTestLedger(t)
		tx := openAwaitingDeposit(t, l)

		_, err := l.Update(ctx, tx.ID, ledger.Patch{ExpectedVersion: tx.Version - 1, Cursor: &types.Cursor{BlockHeight: 1}})
		assert.ErrorIs(t, err, types.ErrConflict)
	})

	t.Run("concurrent writers on the same id", func(t *testing.T) {
		for round := 0; round < 20; round++ {
			l := newTestLedger(t)
			tx := openAwaitingDeposit(t, l)

			var wg sync.WaitGroup
			results := make(chan error, 2)
			start := make(chan struct{})
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(height uint64) {
					defer wg.Done()
					<-start
					_, err := l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithCursor(types.Cursor{BlockHeight: height}))
					results <- err
				}(uint64(i + 1))
			}
			close(start)
			wg.Wait()
			close(results)

			var ok, conflicts int
			for err := range results {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, types.ErrConflict):
					conflicts++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 1, conflicts)

			got, err := l.Get(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, tx.Version+1, got.Version)
		}
	})

	t.Run("distinct ids are independent", func(t *testing.T) {
		l := newTestLedger(t)
		var ids []types.Transaction
		for i := 0; i < 10; i++ {
			ids = append(ids, openAwaitingDeposit(t, l))
		}

		var wg sync.WaitGroup
		errs := make(chan error, len(ids))
		for _, tx := range ids {
			wg.Add(1)
			go func(tx types.Transaction) {
				defer wg.Done()
				_, err := l.Update(ctx, tx.ID, ledger.PatchFor(tx).WithStatus(types.StatusCancelled))
				errs <- err
			}(tx)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
	})
}

func TestListByOwner(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seq := 0
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := ledger.New(memory.NewStore(), logger,
		ledger.WithClock(func() time.Time { clock = clock.Add(time.Second); return clock }),
		ledger.WithIDGenerator(func() string { seq++; return fmt.Sprintf("tx-%d", seq) }),
	)

	for _, owner := range []string{alice, bob, alice, alice} {
		_, err := l.Create(ctx, mintDraft(owner))
		require.NoError(t, err)
	}

	newest, err := l.ListByOwner(ctx, alice, ledger.NewestFirst)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, []string{"tx-4", "tx-3", "tx-1"}, ids(newest))

	oldest, err := l.ListByOwner(ctx, alice, ledger.OldestFirst)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-1", "tx-3", "tx-4"}, ids(oldest))

	for _, tx := range newest {
		assert.Equal(t, alice, tx.Owner)
	}

	others, err := l.ListByOwner(ctx, bob, ledger.NewestFirst)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-2"}, ids(others))

	none, err := l.ListByOwner(ctx, "0x1111111111111111111111111111111111111111", ledger.NewestFirst)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListActiveAndSubscribe(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	var mu sync.Mutex
	var seen []types.Status
	l.Subscribe(func(tx types.Transaction) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tx.Status)
	})

	active := openAwaitingDeposit(t, l)
	done := openAwaitingDeposit(t, l)
	_, err := l.Update(ctx, done.ID, ledger.PatchFor(done).WithStatus(types.StatusCancelled))
	require.NoError(t, err)

	list, err := l.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.Status{
		types.StatusDraft, types.StatusAwaitingDeposit,
		types.StatusDraft, types.StatusAwaitingDeposit,
		types.StatusCancelled,
	}, seen)
}

func TestSubscribersSeeVersionsInOrder(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	tx := openAwaitingDeposit(t, l)

	var mu sync.Mutex
	var versions []uint64
	l.Subscribe(func(got types.Transaction) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, got.Version)
	})

	const writers, writes = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writes; {
				current, err := l.Get(ctx, tx.ID)
				if !assert.NoError(t, err) {
					return
				}
				cursor := types.Cursor{GatewayToken: fmt.Sprintf("w%d-%d", w, i)}
				_, err = l.Update(ctx, tx.ID, ledger.PatchFor(current).WithCursor(cursor))
				if errors.Is(err, types.ErrConflict) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				i++
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, versions, writers*writes)
	for i, v := range versions {
		assert.Equal(t, tx.Version+uint64(i)+1, v)
	}
}

func ids(txs []types.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.ID)
	}
	return out
}
