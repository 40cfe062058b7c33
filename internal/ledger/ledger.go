package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wrapbridge/engine/internal/metrics"
	"github.com/wrapbridge/engine/internal/types"
)

// Store persists transactions. Implementations return types.ErrNotFound for unknown ids
// and types.ErrConflict when the stored version differs from prevVersion.
type Store interface {
	Insert(ctx context.Context, tx types.Transaction) error
	Get(ctx context.Context, id string) (types.Transaction, error)
	Update(ctx context.Context, tx types.Transaction, prevVersion uint64) error
	// ListByOwner returns the owner's transactions in insertion order
	ListByOwner(ctx context.Context, owner string) ([]types.Transaction, error)
	// ListActive returns every non-terminal transaction in insertion order
	ListActive(ctx context.Context) ([]types.Transaction, error)
}

// Order of ListByOwner results
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Ledger is the only writer of durable transaction state.
// Writes to the same id are serialized by a per-id lock and an optimistic version check.
type Ledger struct {
	store  Store
	logger logrus.FieldLogger
	now    func() time.Time
	newID  func() string

	muMap map[string]*sync.Mutex // per-transaction locks
	mapMu sync.Mutex             // protects muMap

	subsMu      sync.RWMutex
	subscribers []func(types.Transaction)
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides the uuid-based id generator
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// New creates a Ledger over store
func New(store Store, logger logrus.FieldLogger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
		muMap:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) getLock(id string) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	if _, exists := l.muMap[id]; !exists {
		l.muMap[id] = &sync.Mutex{}
	}
	return l.muMap[id]
}

// Subscribe registers fn to be called with every committed record, in version order per id.
// fn runs on the writer's goroutine while the record's lock is held: it must not block or write to the ledger.
func (l *Ledger) Subscribe(fn func(types.Transaction)) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

func (l *Ledger) notify(tx types.Transaction) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for _, fn := range l.subscribers {
		fn(tx.Clone())
	}
}

// Create stores a new Draft transaction and returns it with its assigned id
func (l *Ledger) Create(ctx context.Context, draft types.Draft) (types.Transaction, error) {
	owner := types.NormalizeOwner(draft.Owner)
	if owner == "" {
		return types.Transaction{}, fmt.Errorf("%w: owner is required", types.ErrValidation)
	}
	if !draft.SourceAsset.IsValid() || !draft.DestAsset.IsValid() {
		return types.Transaction{}, fmt.Errorf("%w: %s -> %s", types.ErrUnsupportedPair, draft.SourceAsset, draft.DestAsset)
	}

	now := l.now()
	tx := types.Transaction{
		ID:          l.newID(),
		Owner:       owner,
		Direction:   draft.Direction,
		SourceAsset: draft.SourceAsset,
		DestAsset:   draft.DestAsset,
		Amount:      draft.Amount,
		DestAddress: draft.DestAddress,
		Status:      types.StatusDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	lock := l.getLock(tx.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.store.Insert(ctx, tx); err != nil {
		return types.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	l.logger.WithFields(logrus.Fields{"tx": tx.ID, "owner": owner}).Info("📝 Opened transaction")
	l.notify(tx)
	return tx.Clone(), nil
}

// Get returns a transaction by id
func (l *Ledger) Get(ctx context.Context, id string) (types.Transaction, error) {
	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return types.Transaction{}, err
	}
	return tx.Clone(), nil
}

// ListByOwner returns the owner's transactions, newest or oldest first
func (l *Ledger) ListByOwner(ctx context.Context, owner string, order Order) ([]types.Transaction, error) {
	owner = types.NormalizeOwner(owner)
	stored, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]types.Transaction, 0, len(stored))
	for _, tx := range stored {
		// a store must never mix owners, but the UI contract depends on it
		if tx.Owner != owner {
			continue
		}
		out = append(out, tx.Clone())
	}
	if order == NewestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// ListActive returns every non-terminal transaction, oldest first
func (l *Ledger) ListActive(ctx context.Context) ([]types.Transaction, error) {
	stored, err := l.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Transaction, 0, len(stored))
	for _, tx := range stored {
		if !tx.Status.IsTerminal() {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

// Update applies patch to the transaction if patch.ExpectedVersion is current and the result is legal.
// A stale ExpectedVersion fails with types.ErrConflict; the caller must re-read and retry.
func (l *Ledger) Update(ctx context.Context, id string, patch Patch) (types.Transaction, error) {
	// held through notify so subscribers see one id's versions in order
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.store.Get(ctx, id)
	if err != nil {
		return types.Transaction{}, err
	}
	if patch.ExpectedVersion != current.Version {
		metrics.ConflictsTotal.Inc()
		return types.Transaction{}, fmt.Errorf("%w: transaction %s is at version %d, expected %d", types.ErrConflict, id, current.Version, patch.ExpectedVersion)
	}

	next, err := patch.apply(current, l.now())
	if err != nil {
		return types.Transaction{}, fmt.Errorf("transaction %s: %w", id, err)
	}
	if err := l.store.Update(ctx, next, current.Version); err != nil {
		if errors.Is(err, types.ErrConflict) {
			metrics.ConflictsTotal.Inc()
		}
		return types.Transaction{}, err
	}

	if next.Status != current.Status {
		metrics.TransitionsTotal.WithLabelValues(string(current.Status), string(next.Status)).Inc()
		l.logger.WithFields(logrus.Fields{
			"tx":   id,
			"from": current.Status,
			"to":   next.Status,
		}).Info("🔄 Transaction status changed")
	}
	l.notify(next)
	return next.Clone(), nil
}
