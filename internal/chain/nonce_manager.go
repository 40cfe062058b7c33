package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource is satisfied by ethclient.Client
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out sequential nonces per sender so concurrent approvals never collide
type NonceManager struct {
	mu     sync.Mutex
	source NonceSource
	nonces map[common.Address]uint64 // sender -> next nonce
}

// NewNonceManager creates a nonce manager over source
func NewNonceManager(source NonceSource) *NonceManager {
	return &NonceManager{
		source: source,
		nonces: make(map[common.Address]uint64),
	}
}

// Next returns the next available nonce for address
func (nm *NonceManager) Next(ctx context.Context, address common.Address) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	// Initialize nonce from network if not set
	if _, exists := nm.nonces[address]; !exists {
		nonce, err := nm.source.PendingNonceAt(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("failed to get pending nonce for %s: %w", address.Hex(), err)
		}
		nm.nonces[address] = nonce
	}

	current := nm.nonces[address]
	nm.nonces[address]++
	return current, nil
}

// Resync drops the cached nonce so the next call re-reads the pending nonce.
// Call it after a send fails, since the reserved nonce was never used.
func (nm *NonceManager) Resync(address common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.nonces, address)
}

// Reset clears stored nonces
func (nm *NonceManager) Reset() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.nonces = make(map[common.Address]uint64)
}
