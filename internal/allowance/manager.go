// Package allowance tracks ERC20 approvals that must exist before a release can
// burn the owner's wrapped tokens.
package allowance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/wrapbridge/engine/internal/chain"
	"github.com/wrapbridge/engine/internal/metrics"
	"github.com/wrapbridge/engine/internal/types"
)

// RequiresApproval reports whether converting from source needs a prior approval.
// Only wrapped assets are spent by a contract; native deposits bypass approvals entirely.
func RequiresApproval(source types.Asset) bool {
	return source.IsWrapped()
}

// Manager reads and requests approvals. Concurrent requests for the same
// (owner, spender, asset) share one on-chain approval.
type Manager struct {
	chain  chain.Client
	cache  Cache
	ttl    time.Duration
	now    func() time.Time
	logger logrus.FieldLogger

	group singleflight.Group

	mu         sync.Mutex
	requesting map[string]decimal.Decimal // key -> amount of the in-flight approval
}

// Option configures a Manager
type Option func(*Manager)

// WithCache replaces the default in-memory cache
func WithCache(c Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithTTL sets how long a read is trusted by CheckAllowance
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides time.Now for CheckedAt stamps
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(client chain.Client, logger logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		chain:      client,
		cache:      NewMemoryCache(),
		ttl:        15 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
		requesting: make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func cacheKey(owner, spender string, asset types.Asset) string {
	return strings.ToLower(owner) + "|" + strings.ToLower(spender) + "|" + string(asset)
}

// CheckAllowance returns the approval for (owner, spender, asset), served from cache while fresh
func (m *Manager) CheckAllowance(ctx context.Context, owner, spender string, asset types.Asset) (types.AllowanceRecord, error) {
	key := cacheKey(owner, spender, asset)
	rec, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.logger.WithError(err).Warn("Allowance cache read failed")
	}
	if ok {
		metrics.AllowanceCacheTotal.WithLabelValues("hit").Inc()
		return m.withRequestState(key, rec), nil
	}
	metrics.AllowanceCacheTotal.WithLabelValues("miss").Inc()
	return m.Refresh(ctx, owner, spender, asset)
}

// Refresh reads the approval from chain, bypassing and then updating the cache
func (m *Manager) Refresh(ctx context.Context, owner, spender string, asset types.Asset) (types.AllowanceRecord, error) {
	if !RequiresApproval(asset) {
		return types.AllowanceRecord{}, fmt.Errorf("%w: %s does not use approvals", types.ErrUnsupportedPair, asset)
	}
	current, err := m.chain.Allowance(ctx, owner, spender, asset)
	if err != nil {
		return types.AllowanceRecord{}, err
	}
	key := cacheKey(owner, spender, asset)
	rec := types.AllowanceRecord{
		Owner:            owner,
		Spender:          spender,
		Asset:            asset,
		CurrentAllowance: current,
		CheckedAt:        m.now(),
	}
	if err := m.cache.Set(ctx, key, rec, m.ttl); err != nil {
		m.logger.WithError(err).Warn("Allowance cache write failed")
	}
	return m.withRequestState(key, rec), nil
}

func (m *Manager) withRequestState(key string, rec types.AllowanceRecord) types.AllowanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount, ok := m.requesting[key]; ok {
		rec.Requesting = true
		rec.RequestedAmount = amount
	}
	return rec
}

// RequestAllowance sends one approval for amount and waits for its first confirmation,
// then returns a fresh read. Callers arriving while an approval for the same key is in
// flight wait for that approval instead of sending another, and its amount is the one
// approved. Cancelling ctx stops the wait but never the broadcast approval.
//
// Failures are types.ErrUserRejected when the signer refuses and types.ErrChainError otherwise.
func (m *Manager) RequestAllowance(ctx context.Context, owner, spender string, asset types.Asset, amount decimal.Decimal) (types.AllowanceRecord, error) {
	if !RequiresApproval(asset) {
		return types.AllowanceRecord{}, fmt.Errorf("%w: %s does not use approvals", types.ErrUnsupportedPair, asset)
	}
	if !amount.IsPositive() {
		return types.AllowanceRecord{}, fmt.Errorf("%w: approval amount must be positive", types.ErrInvalidAmount)
	}
	key := cacheKey(owner, spender, asset)

	ch := m.group.DoChan(key, func() (interface{}, error) {
		m.mu.Lock()
		m.requesting[key] = amount
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.requesting, key)
			m.mu.Unlock()
		}()
		// the approval outlives any single caller
		return m.approve(context.WithoutCancel(ctx), owner, spender, asset, amount)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			metrics.AllowanceRequestsTotal.WithLabelValues(string(asset), requestResult(res.Err)).Inc()
			return types.AllowanceRecord{}, res.Err
		}
		metrics.AllowanceRequestsTotal.WithLabelValues(string(asset), "approved").Inc()
		return res.Val.(types.AllowanceRecord), nil
	case <-ctx.Done():
		return types.AllowanceRecord{}, ctx.Err()
	}
}

func (m *Manager) approve(ctx context.Context, owner, spender string, asset types.Asset, amount decimal.Decimal) (types.AllowanceRecord, error) {
	log := m.logger.WithFields(logrus.Fields{"owner": owner, "asset": asset, "amount": amount.String()})
	log.Info("🔐 Requesting approval")

	txHash, err := m.chain.SendApproval(ctx, owner, spender, asset, amount)
	if err != nil {
		if errors.Is(err, types.ErrUserRejected) || errors.Is(err, types.ErrChainError) {
			return types.AllowanceRecord{}, err
		}
		return types.AllowanceRecord{}, fmt.Errorf("%w: %v", types.ErrChainError, err)
	}

	if err := m.awaitFirstConfirmation(ctx, txHash, asset); err != nil {
		return types.AllowanceRecord{}, err
	}

	rec, err := m.Refresh(ctx, owner, spender, asset)
	if err != nil {
		return types.AllowanceRecord{}, fmt.Errorf("%w: reading allowance after approval: %v", types.ErrChainError, err)
	}
	rec.RequestedAmount = amount
	rec.Requesting = false
	log.WithField("tx", txHash).Info("✅ Approval confirmed")
	return rec, nil
}

func (m *Manager) awaitFirstConfirmation(ctx context.Context, txHash string, asset types.Asset) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := m.chain.WatchConfirmations(watchCtx, txHash, asset)
	if err != nil {
		return fmt.Errorf("%w: watching approval %s: %v", types.ErrChainError, txHash, err)
	}
	for conf := range stream {
		if conf.Err != nil {
			return fmt.Errorf("%w: approval %s: %v", types.ErrChainError, txHash, conf.Err)
		}
		if conf.Count >= 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: confirmation stream for %s ended", types.ErrChainError, txHash)
}

func requestResult(err error) string {
	if errors.Is(err, types.ErrUserRejected) {
		return "rejected"
	}
	return "failed"
}
