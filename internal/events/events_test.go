package events_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrapbridge/engine/internal/events"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/storage/memory"
	"github.com/wrapbridge/engine/internal/types"
)

type recorder struct {
	mu  sync.Mutex
	got []events.TransactionUpdated
	err error
}

func (r *recorder) Publish(_ context.Context, ev events.TransactionUpdated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return r.err
}

func TestForward(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := ledger.New(memory.NewStore(), logger)
	rec := &recorder{err: errors.New("broker down")}
	events.Forward(l, rec, logger)

	ctx := context.Background()
	tx, err := l.Create(ctx, types.Draft{
		Direction:   types.ToTarget,
		Owner:       "0x1234567890123456789012345678901234567890",
		SourceAsset: types.AssetBTC,
		DestAsset:   types.AssetWBTC,
		Amount:      decimal.RequireFromString("0.05"),
		DestAddress: "0x1234567890123456789012345678901234567890",
	})
	require.NoError(t, err, "a failing publisher must not fail the write")

	_, err = l.Update(ctx, tx.ID, ledger.PatchFor(tx).Failed("gateway unreachable"))
	require.NoError(t, err)

	require.Len(t, rec.got, 2)
	assert.Equal(t, types.StatusDraft, rec.got[0].Status)
	assert.Equal(t, types.StatusFailed, rec.got[1].Status)
	assert.Equal(t, tx.ID, rec.got[1].ID)
	assert.Equal(t, uint64(2), rec.got[1].Version)
	assert.Equal(t, "gateway unreachable", rec.got[1].Transaction.ErrorDetail)
}
