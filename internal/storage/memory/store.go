package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/types"
)

// Store keeps transactions in process memory. It does not survive a restart and is used by tests and the memory driver.
type Store struct {
	mu      sync.RWMutex
	records map[string]types.Transaction
	order   []string            // insertion order
	byOwner map[string][]string // owner -> ids in insertion order
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]types.Transaction),
		byOwner: make(map[string][]string),
	}
}

// Load replaces the contents with records, keeping their order; the file store uses it on open
func (s *Store) Load(records []types.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]types.Transaction, len(records))
	s.order = s.order[:0]
	s.byOwner = make(map[string][]string)
	for _, tx := range records {
		s.records[tx.ID] = tx.Clone()
		s.order = append(s.order, tx.ID)
		s.byOwner[tx.Owner] = append(s.byOwner[tx.Owner], tx.ID)
	}
}

// Snapshot returns every record in insertion order
func (s *Store) Snapshot() []types.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Transaction, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

func (s *Store) Insert(_ context.Context, tx types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[tx.ID]; exists {
		return fmt.Errorf("%w: transaction %s already exists", types.ErrConflict, tx.ID)
	}
	s.records[tx.ID] = tx.Clone()
	s.order = append(s.order, tx.ID)
	s.byOwner[tx.Owner] = append(s.byOwner[tx.Owner], tx.ID)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.records[id]
	if !exists {
		return types.Transaction{}, fmt.Errorf("%w: transaction %s", types.ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *Store) Update(_ context.Context, tx types.Transaction, prevVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[tx.ID]
	if !exists {
		return fmt.Errorf("%w: transaction %s", types.ErrNotFound, tx.ID)
	}
	if current.Version != prevVersion {
		return fmt.Errorf("%w: transaction %s is at version %d, expected %d", types.ErrConflict, tx.ID, current.Version, prevVersion)
	}
	if current.Owner != tx.Owner {
		return fmt.Errorf("%w: owner of %s cannot change", types.ErrInvalidTransition, tx.ID)
	}
	s.records[tx.ID] = tx.Clone()
	return nil
}

func (s *Store) ListByOwner(_ context.Context, owner string) ([]types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byOwner[owner]
	out := make([]types.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id].Clone())
	}
	return out, nil
}

func (s *Store) ListActive(_ context.Context) ([]types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Transaction
	for _, id := range s.order {
		if tx := s.records[id]; !tx.Status.IsTerminal() {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

var _ ledger.Store = (*Store)(nil)
