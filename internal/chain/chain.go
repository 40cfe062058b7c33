// Package chain reads balances and allowances and sends approvals on the
// native (UTXO) chains and the target EVM chain.
package chain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wrapbridge/engine/internal/types"
)

// Confirmation is one observation of a watched transaction
type Confirmation struct {
	Count       uint64
	BlockHeight uint64
	// Err is set when the transaction reverted or can no longer be found; the stream closes after it
	Err error
}

// Client is the chain surface the allowance manager and monitor depend on
type Client interface {
	GetBalance(ctx context.Context, address string, asset types.Asset) (decimal.Decimal, error)
	Allowance(ctx context.Context, owner, spender string, asset types.Asset) (decimal.Decimal, error)
	// SendApproval returns the approval tx hash once broadcast
	SendApproval(ctx context.Context, owner, spender string, asset types.Asset, amount decimal.Decimal) (string, error)
	// WatchConfirmations streams confirmation counts for txHash on the chain asset lives on until ctx is done
	WatchConfirmations(ctx context.Context, txHash string, asset types.Asset) (<-chan Confirmation, error)
}

// Router dispatches wrapped assets to the EVM client and native assets to their family's node
type Router struct {
	evm   Client
	nodes map[types.Asset]Client
}

// NewRouter creates a router; evm may be nil when no target chain is configured
func NewRouter(evm Client, nodes map[types.Asset]Client) *Router {
	if nodes == nil {
		nodes = make(map[types.Asset]Client)
	}
	return &Router{evm: evm, nodes: nodes}
}

func (r *Router) route(asset types.Asset) (Client, error) {
	if asset.IsWrapped() {
		if r.evm == nil {
			return nil, fmt.Errorf("%w: no target chain client configured", types.ErrTransientNetwork)
		}
		return r.evm, nil
	}
	node, ok := r.nodes[asset.Family()]
	if !ok {
		return nil, fmt.Errorf("%w: no %s node configured", types.ErrTransientNetwork, asset)
	}
	return node, nil
}

func (r *Router) GetBalance(ctx context.Context, address string, asset types.Asset) (decimal.Decimal, error) {
	c, err := r.route(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return c.GetBalance(ctx, address, asset)
}

func (r *Router) Allowance(ctx context.Context, owner, spender string, asset types.Asset) (decimal.Decimal, error) {
	if !asset.IsWrapped() {
		return decimal.Zero, fmt.Errorf("%w: %s has no allowance", types.ErrUnsupportedPair, asset)
	}
	c, err := r.route(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Allowance(ctx, owner, spender, asset)
}

func (r *Router) SendApproval(ctx context.Context, owner, spender string, asset types.Asset, amount decimal.Decimal) (string, error) {
	if !asset.IsWrapped() {
		return "", fmt.Errorf("%w: %s has no allowance", types.ErrUnsupportedPair, asset)
	}
	c, err := r.route(asset)
	if err != nil {
		return "", err
	}
	return c.SendApproval(ctx, owner, spender, asset, amount)
}

func (r *Router) WatchConfirmations(ctx context.Context, txHash string, asset types.Asset) (<-chan Confirmation, error) {
	c, err := r.route(asset)
	if err != nil {
		return nil, err
	}
	return c.WatchConfirmations(ctx, txHash, asset)
}

var _ Client = (*Router)(nil)
