package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/storage/memory"
	"github.com/wrapbridge/engine/internal/types"
)

// LedgerState is the on-disk layout of the ledger file
type LedgerState struct {
	Transactions []types.Transaction `json:"transactions"`
	LastUpdated  time.Time           `json:"lastUpdated"`
}

// Store is a ledger store persisted as a single JSON state file.
// Every write is staged on a copy, rewritten to disk through a temp file and rename,
// and only then becomes visible to reads.
type Store struct {
	path string

	mu  sync.RWMutex // guards mem; held for writing across a whole write
	mem *memory.Store
}

// Open loads the state file at path, creating it if it does not exist
func Open(path string) (*Store, error) {
	s := &Store{path: path, mem: memory.NewStore()}

	state, err := loadLedgerState(path)
	if err != nil {
		return nil, err
	}
	if state == nil {
		if err := s.save(s.mem); err != nil {
			return nil, fmt.Errorf("failed to create state file: %w", err)
		}
		return s, nil
	}
	s.mem.Load(state.Transactions)
	return s, nil
}

// loadLedgerState returns nil when the file does not exist yet
func loadLedgerState(path string) (*LedgerState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state LedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &state, nil
}

// save writes the contents of mem to disk
func (s *Store) save(mem *memory.Store) error {
	// Ensure directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	state := LedgerState{Transactions: mem.Snapshot(), LastUpdated: time.Now().UTC()}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// commit applies write to a copy of the current records and swaps the copy in once it is on disk
func (s *Store) commit(write func(*memory.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := memory.NewStore()
	staged.Load(s.mem.Snapshot())
	if err := write(staged); err != nil {
		return err
	}
	if err := s.save(staged); err != nil {
		return err
	}
	s.mem = staged
	return nil
}

func (s *Store) current() *memory.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem
}

func (s *Store) Insert(ctx context.Context, tx types.Transaction) error {
	return s.commit(func(staged *memory.Store) error {
		return staged.Insert(ctx, tx)
	})
}

func (s *Store) Get(ctx context.Context, id string) (types.Transaction, error) {
	return s.current().Get(ctx, id)
}

func (s *Store) Update(ctx context.Context, tx types.Transaction, prevVersion uint64) error {
	return s.commit(func(staged *memory.Store) error {
		return staged.Update(ctx, tx, prevVersion)
	})
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]types.Transaction, error) {
	return s.current().ListByOwner(ctx, owner)
}

func (s *Store) ListActive(ctx context.Context) ([]types.Transaction, error) {
	return s.current().ListActive(ctx)
}

var _ ledger.Store = (*Store)(nil)
