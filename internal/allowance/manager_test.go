package allowance

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrapbridge/engine/internal/chain/chaintest"
	"github.com/wrapbridge/engine/internal/types"
)

const (
	owner   = "0x1234567890123456789012345678901234567890"
	spender = "0x3333333333333333333333333333333333333333"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRequiresApproval(t *testing.T) {
	assert.True(t, RequiresApproval(types.AssetWBTC))
	assert.True(t, RequiresApproval(types.AssetWZEC))
	assert.False(t, RequiresApproval(types.AssetBTC))
	assert.False(t, RequiresApproval(types.AssetBCH))
}

func TestCheckAllowanceCaches(t *testing.T) {
	ctx := context.Background()
	fake := chaintest.New()
	fake.SetAllowance(owner, spender, types.AssetWBTC, d("0.5"))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return clock }
	m := NewManager(fake, testLogger(), WithCache(cache), WithTTL(10*time.Second))

	rec, err := m.CheckAllowance(ctx, owner, spender, types.AssetWBTC)
	require.NoError(t, err)
	assert.Equal(t, "0.5", rec.CurrentAllowance.String())
	assert.True(t, rec.Sufficient(d("0.5")))
	assert.False(t, rec.Sufficient(d("0.50000001")))

	fake.SetAllowance(owner, spender, types.AssetWBTC, d("0"))
	rec, err = m.CheckAllowance(ctx, owner, spender, types.AssetWBTC)
	require.NoError(t, err)
	assert.Equal(t, "0.5", rec.CurrentAllowance.String(), "served from cache")
	_, calls, _ := fake.Calls()
	assert.Equal(t, 1, calls)

	fresh, err := m.Refresh(ctx, owner, spender, types.AssetWBTC)
	require.NoError(t, err)
	assert.True(t, fresh.CurrentAllowance.IsZero())

	fake.SetAllowance(owner, spender, types.AssetWBTC, d("2"))
	clock = clock.Add(11 * time.Second)
	rec, err = m.CheckAllowance(ctx, owner, spender, types.AssetWBTC)
	require.NoError(t, err)
	assert.Equal(t, "2", rec.CurrentAllowance.String(), "expired entry is re-read")

	_, err = m.CheckAllowance(ctx, owner, spender, types.AssetBTC)
	assert.ErrorIs(t, err, types.ErrUnsupportedPair)
}

func TestRequestAllowance(t *testing.T) {
	ctx := context.Background()

	t.Run("approved", func(t *testing.T) {
		fake := chaintest.New()
		m := NewManager(fake, testLogger())

		rec, err := m.RequestAllowance(ctx, owner, spender, types.AssetWBTC, d("0.02"))
		require.NoError(t, err)
		assert.True(t, rec.Sufficient(d("0.02")))
		assert.Equal(t, "0.02", rec.RequestedAmount.String())
		assert.False(t, rec.Requesting)

		cached, err := m.CheckAllowance(ctx, owner, spender, types.AssetWBTC)
		require.NoError(t, err)
		assert.True(t, cached.Sufficient(d("0.02")))
	})

	t.Run("user rejected", func(t *testing.T) {
		fake := chaintest.New()
		fake.ApprovalErr = types.ErrUserRejected
		m := NewManager(fake, testLogger())

		_, err := m.RequestAllowance(ctx, owner, spender, types.AssetWBTC, d("0.02"))
		assert.ErrorIs(t, err, types.ErrUserRejected)
		assert.ErrorIs(t, err, types.ErrAllowance)
	})

	t.Run("chain error", func(t *testing.T) {
		fake := chaintest.New()
		fake.ApprovalErr = errors.New("nonce too low")
		m := NewManager(fake, testLogger())

		_, err := m.RequestAllowance(ctx, owner, spender, types.AssetWBTC, d("0.02"))
		assert.ErrorIs(t, err, types.ErrChainError)
		assert.ErrorIs(t, err, types.ErrAllowance)
	})

	t.Run("invalid requests", func(t *testing.T) {
		m := NewManager(chaintest.New(), testLogger())
		_, err := m.RequestAllowance(ctx, owner, spender, types.AssetBTC, d("1"))
		assert.ErrorIs(t, err, types.ErrUnsupportedPair)
		_, err = m.RequestAllowance(ctx, owner, spender, types.AssetWBTC, d("0"))
		assert.ErrorIs(t, err, types.ErrInvalidAmount)
	})
}

func TestRequestAllowanceCoalesces(t *testing.T) {
	ctx := context.Background()
	fake := chaintest.New()
	fake.ApprovalGate = make(chan struct{})
	m := NewManager(fake, testLogger())

	const callers = 5
	var wg, ready sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()
			ready.Done()
			_, err := m.RequestAllowance(ctx, owner, spender, types.AssetWBTC, d("0.02"))
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		approvals, _, _ := fake.Calls()
		return approvals == 1
	}, time.Second, 5*time.Millisecond)

	ready.Wait()
	// let the remaining callers reach the in-flight request
	time.Sleep(50 * time.Millisecond)

	rec, err := m.Refresh(ctx, owner, spender, types.AssetWBTC)
	require.NoError(t, err)
	assert.True(t, rec.Requesting)
	assert.Equal(t, "0.02", rec.RequestedAmount.String())

	close(fake.ApprovalGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	approvals, _, _ := fake.Calls()
	assert.Equal(t, 1, approvals, "one on-chain approval for concurrent callers")

	rec, err = m.Refresh(ctx, owner, spender, types.AssetWBTC)
	require.NoError(t, err)
	assert.False(t, rec.Requesting)
}

func TestRequestAllowanceCallerCancel(t *testing.T) {
	fake := chaintest.New()
	fake.ApprovalGate = make(chan struct{})
	m := NewManager(fake, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.RequestAllowance(ctx, owner, spender, types.AssetWBTC, d("0.02"))
		done <- err
	}()

	require.Eventually(t, func() bool {
		approvals, _, _ := fake.Calls()
		return approvals == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the approval itself keeps going
	close(fake.ApprovalGate)
	require.Eventually(t, func() bool {
		rec, err := m.Refresh(context.Background(), owner, spender, types.AssetWBTC)
		return err == nil && !rec.Requesting && rec.Sufficient(d("0.02"))
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(0, 0)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return clock }

	require.NoError(t, cache.Set(ctx, "k", types.AllowanceRecord{CurrentAllowance: d("1")}, time.Second))
	rec, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", rec.CurrentAllowance.String())

	clock = clock.Add(time.Second)
	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("BRIDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BRIDGE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	cache := NewRedisCache(client)

	key := "test|" + time.Now().Format(time.RFC3339Nano)
	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, types.AllowanceRecord{Owner: owner, Asset: types.AssetWBTC, CurrentAllowance: d("0.3")}, time.Minute))
	rec, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, owner, rec.Owner)
	assert.True(t, rec.CurrentAllowance.Equal(d("0.3")))
}
