package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/wrapbridge/engine/internal/types"
)

// Rule checks a draft before anything is written to the ledger
type Rule func(ctx context.Context, draft types.Draft) error

// AddRule appends a rule; rules run in the order they were added
func (o *Orchestrator) AddRule(rule Rule) {
	o.rules = append(o.rules, rule)
}

// AddDefaultRules installs the checks every conversion must pass
func (o *Orchestrator) AddDefaultRules() {
	o.AddRule(o.supportedPair)    // dest must be the counterpart of source
	o.AddRule(o.ownerIsWallet)    // owner is the EVM wallet holding the wrapped side
	o.AddRule(o.validDestination) // dest address format for the dest chain
	o.AddRule(o.ownerAllowed)     // optional owner allowlist
}

func (o *Orchestrator) runRules(ctx context.Context, draft types.Draft) error {
	for _, rule := range o.rules {
		if err := rule(ctx, draft); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) supportedPair(_ context.Context, draft types.Draft) error {
	return types.ValidatePair(draft.Direction, draft.SourceAsset, draft.DestAsset)
}

func (o *Orchestrator) ownerIsWallet(_ context.Context, draft types.Draft) error {
	if _, err := types.ToEVMAddress(draft.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	return nil
}

func (o *Orchestrator) validDestination(_ context.Context, draft types.Draft) error {
	return types.ValidateAddress(draft.DestAsset, draft.DestAddress, o.network)
}

func (o *Orchestrator) ownerAllowed(_ context.Context, draft types.Draft) error {
	if len(o.owners) == 0 {
		return nil
	}
	owner := types.NormalizeOwner(draft.Owner)
	for _, allowed := range o.owners {
		if strings.EqualFold(allowed, owner) {
			return nil
		}
	}
	return fmt.Errorf("%w: owner %s is not served by this bridge", types.ErrValidation, owner)
}
