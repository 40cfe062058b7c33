// Package chaintest provides an in-memory chain.Client for tests
package chaintest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wrapbridge/engine/internal/chain"
	"github.com/wrapbridge/engine/internal/types"
)

// Fake is a scriptable chain.Client. Approvals succeed by default, set the
// allowance to the approved amount and confirm immediately.
type Fake struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	allowances map[string]decimal.Decimal
	streams    map[string]chan chain.Confirmation
	approvals  map[string]bool

	// ApprovalErr is returned by SendApproval when set
	ApprovalErr error
	// ApprovalGate, when non-nil, blocks SendApproval until it is closed
	ApprovalGate chan struct{}

	balanceFailures int
	balanceErr      error

	ApprovalCalls  int
	AllowanceCalls int
	BalanceCalls   int
}

func New() *Fake {
	return &Fake{
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]decimal.Decimal),
		streams:    make(map[string]chan chain.Confirmation),
		approvals:  make(map[string]bool),
	}
}

func balanceKey(address string, asset types.Asset) string {
	return strings.ToLower(address) + "|" + string(asset)
}

func allowanceKey(owner, spender string, asset types.Asset) string {
	return strings.ToLower(owner) + "|" + strings.ToLower(spender) + "|" + string(asset)
}

// SetBalance sets the balance GetBalance reports
func (f *Fake) SetBalance(address string, asset types.Asset, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(address, asset)] = amount
}

// SetAllowance sets the allowance Allowance reports
func (f *Fake) SetAllowance(owner, spender string, asset types.Asset, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[allowanceKey(owner, spender, asset)] = amount
}

// FailBalance makes the next n GetBalance calls fail with err
func (f *Fake) FailBalance(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceFailures, f.balanceErr = n, err
}

// Push delivers a confirmation to whoever watches txHash
func (f *Fake) Push(txHash string, conf chain.Confirmation) {
	f.stream(txHash) <- conf
}

func (f *Fake) stream(txHash string) chan chain.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.streams[txHash]
	if !ok {
		ch = make(chan chain.Confirmation, 16)
		f.streams[txHash] = ch
	}
	return ch
}

// Calls returns the approval, allowance and balance call counts
func (f *Fake) Calls() (approvals, allowances, balances int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ApprovalCalls, f.AllowanceCalls, f.BalanceCalls
}

func (f *Fake) GetBalance(_ context.Context, address string, asset types.Asset) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BalanceCalls++
	if f.balanceFailures > 0 {
		f.balanceFailures--
		return decimal.Zero, f.balanceErr
	}
	return f.balances[balanceKey(address, asset)], nil
}

func (f *Fake) Allowance(_ context.Context, owner, spender string, asset types.Asset) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AllowanceCalls++
	return f.allowances[allowanceKey(owner, spender, asset)], nil
}

func (f *Fake) SendApproval(ctx context.Context, owner, spender string, asset types.Asset, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	f.ApprovalCalls++
	n := f.ApprovalCalls
	gate := f.ApprovalGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApprovalErr != nil {
		return "", f.ApprovalErr
	}
	hash := fmt.Sprintf("0x%064x", n)
	f.allowances[allowanceKey(owner, spender, asset)] = amount
	f.approvals[hash] = true
	return hash, nil
}

// WatchConfirmations confirms approvals at once; other hashes receive whatever Push sends
func (f *Fake) WatchConfirmations(_ context.Context, txHash string, _ types.Asset) (<-chan chain.Confirmation, error) {
	f.mu.Lock()
	approval := f.approvals[txHash]
	f.mu.Unlock()

	if approval {
		ch := make(chan chain.Confirmation, 1)
		ch <- chain.Confirmation{Count: 1}
		close(ch)
		return ch, nil
	}
	return f.stream(txHash), nil
}

var _ chain.Client = (*Fake)(nil)
