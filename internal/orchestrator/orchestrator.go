// Package orchestrator drives each conversion through its state machine:
// Draft, AwaitingAllowance or AwaitingDeposit, Submitted, Confirming, and a terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/config"
	"github.com/wrapbridge/engine/internal/gateway"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/types"
)

// Quoter prices a conversion
type Quoter interface {
	Quote(ctx context.Context, source, dest types.Asset, amount decimal.Decimal) (types.Fees, error)
}

// Allowances reads and requests approvals
type Allowances interface {
	Refresh(ctx context.Context, owner, spender string, asset types.Asset) (types.AllowanceRecord, error)
	RequestAllowance(ctx context.Context, owner, spender string, asset types.Asset, amount decimal.Decimal) (types.AllowanceRecord, error)
}

// maxConflictRetries bounds re-read-and-retry after a stale ledger write
const maxConflictRetries = 3

// Orchestrator is the only component that decides status transitions
type Orchestrator struct {
	ledger     *ledger.Ledger
	quoter     Quoter
	allowances Allowances
	gateway    gateway.Service
	families   func(types.Asset) (config.FamilyConfig, error)
	network    types.Network
	owners     []string
	rules      []Rule
	logger     logrus.FieldLogger

	muMap map[string]*sync.Mutex // per-transaction locks
	mapMu sync.Mutex
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithNetwork selects mainnet or testnet address validation
func WithNetwork(n types.Network) Option {
	return func(o *Orchestrator) { o.network = n }
}

// WithFamilies overrides the per-family configuration lookup
func WithFamilies(lookup func(types.Asset) (config.FamilyConfig, error)) Option {
	return func(o *Orchestrator) { o.families = lookup }
}

// WithOwners restricts conversions to the listed wallets
func WithOwners(owners []string) Option {
	return func(o *Orchestrator) { o.owners = owners }
}

func New(l *ledger.Ledger, quoter Quoter, allowances Allowances, gw gateway.Service, logger logrus.FieldLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:     l,
		quoter:     quoter,
		allowances: allowances,
		gateway:    gw,
		families:   config.GetFamilyConfig,
		network:    types.Mainnet,
		logger:     logger,
		muMap:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.AddDefaultRules()
	return o
}

func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.mapMu.Lock()
	defer o.mapMu.Unlock()

	if _, exists := o.muMap[id]; !exists {
		o.muMap[id] = &sync.Mutex{}
	}
	return o.muMap[id]
}

// StartConversion validates and prices draft, opens it in the ledger and advances it out of Draft.
// Validation failures return before anything is written. A transaction that could not leave
// Draft because the gateway was unreachable stays in Draft and is resumed by the monitor.
func (o *Orchestrator) StartConversion(ctx context.Context, draft types.Draft) (types.Transaction, error) {
	if draft.Direction == "" {
		draft.Direction = types.DirectionFor(draft.SourceAsset)
	}
	if err := o.runRules(ctx, draft); err != nil {
		return types.Transaction{}, err
	}
	fees, err := o.quoter.Quote(ctx, draft.SourceAsset, draft.DestAsset, draft.Amount)
	if err != nil {
		return types.Transaction{}, err
	}

	tx, err := o.ledger.Create(ctx, draft)
	if err != nil {
		return types.Transaction{}, err
	}

	lock := o.lockFor(tx.ID)
	lock.Lock()
	defer lock.Unlock()

	// the monitor may have resumed it already
	if tx, err = o.ledger.Get(ctx, tx.ID); err != nil || tx.Status != types.StatusDraft {
		return tx, err
	}
	return o.leaveDraft(ctx, tx, &fees)
}

// leaveDraft freezes fees and moves a Draft to AwaitingDeposit (mint) or AwaitingAllowance (release)
func (o *Orchestrator) leaveDraft(ctx context.Context, tx types.Transaction, fees *types.Fees) (types.Transaction, error) {
	log := o.logger.WithField("tx", tx.ID)
	if fees == nil {
		quoted, err := o.quoter.Quote(ctx, tx.SourceAsset, tx.DestAsset, tx.Amount)
		if err != nil {
			if errors.Is(err, types.ErrValidation) {
				return o.fail(ctx, tx, fmt.Sprintf("quote no longer valid: %v", err))
			}
			return tx, err
		}
		fees = &quoted
	}

	if tx.Direction == types.ToTarget {
		addr, err := o.gateway.DepositAddress(ctx, tx)
		if err != nil {
			if errors.Is(err, types.ErrGatewayRejected) {
				failed, ferr := o.fail(ctx, tx, fmt.Sprintf("gateway refused a deposit address: %v", err))
				if ferr != nil {
					return failed, ferr
				}
				return failed, err
			}
			log.WithError(err).Warn("⚠️  Deposit address unavailable, will retry")
			return tx, nil
		}
		if err := types.ValidateAddress(tx.SourceAsset, addr, o.network); err != nil {
			return o.fail(ctx, tx, fmt.Sprintf("gateway returned an unusable deposit address: %v", err))
		}
		return o.ledger.Update(ctx, tx.ID, ledger.PatchFor(tx).
			WithFees(*fees).
			WithDepositAddress(addr).
			WithStatus(types.StatusAwaitingDeposit).
			WithNote("deposit address issued"))
	}

	tx, err := o.ledger.Update(ctx, tx.ID, ledger.PatchFor(tx).
		WithFees(*fees).
		WithStatus(types.StatusAwaitingAllowance))
	if err != nil {
		return tx, err
	}
	// an earlier approval may already cover the amount
	next, err := o.allowanceSufficient(ctx, tx)
	if err != nil {
		log.WithError(err).Warn("⚠️  Allowance check failed, monitor will retry")
		return tx, nil
	}
	return next, nil
}

// Cancel moves a transaction that has not moved funds to Cancelled
func (o *Orchestrator) Cancel(ctx context.Context, id string) (types.Transaction, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; ; attempt++ {
		tx, err := o.ledger.Get(ctx, id)
		if err != nil {
			return types.Transaction{}, err
		}
		if !tx.Status.Cancellable() {
			return tx, fmt.Errorf("%w: cannot cancel %s in status %s", types.ErrInvalidState, id, tx.Status)
		}
		next, err := o.ledger.Update(ctx, id, ledger.PatchFor(tx).WithStatus(types.StatusCancelled).WithNote("cancelled by user"))
		if errors.Is(err, types.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err == nil {
			o.logger.WithField("tx", id).Info("🚫 Transaction cancelled")
		}
		return next, err
	}
}

// RequestAllowance asks the owner's wallet to approve the adapter for the transaction amount and
// blocks until the approval confirms or is rejected. A rejection fails the transaction.
func (o *Orchestrator) RequestAllowance(ctx context.Context, id string) (types.Transaction, error) {
	tx, err := o.ledger.Get(ctx, id)
	if err != nil {
		return types.Transaction{}, err
	}
	if tx.Status != types.StatusAwaitingAllowance {
		return tx, fmt.Errorf("%w: %s is %s, not awaiting allowance", types.ErrInvalidState, id, tx.Status)
	}
	spender, err := o.spender(tx)
	if err != nil {
		return tx, err
	}

	// not under the transaction lock: the wallet may take arbitrarily long
	if _, err := o.allowances.RequestAllowance(ctx, tx.Owner, spender, tx.SourceAsset, tx.Amount); err != nil {
		if errors.Is(err, types.ErrAllowance) {
			failed, ferr := o.Advance(ctx, id, Event{Kind: EventAllowanceRejected, Observed: types.StatusAwaitingAllowance, Reason: err.Error()})
			if ferr != nil {
				return failed, ferr
			}
			return failed, err
		}
		return tx, err
	}
	return o.Advance(ctx, id, Event{Kind: EventAllowanceSufficient, Observed: types.StatusAwaitingAllowance})
}

func (o *Orchestrator) spender(tx types.Transaction) (string, error) {
	family, err := o.families(tx.SourceAsset)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrUnsupportedPair, err)
	}
	if family.AdapterAddress == "" {
		return "", fmt.Errorf("%w: no adapter configured for %s", types.ErrUnsupportedPair, tx.SourceAsset)
	}
	return family.AdapterAddress, nil
}

// allowanceSufficient re-reads the allowance from chain and moves to AwaitingDeposit when it covers the amount
func (o *Orchestrator) allowanceSufficient(ctx context.Context, tx types.Transaction) (types.Transaction, error) {
	spender, err := o.spender(tx)
	if err != nil {
		return tx, err
	}
	rec, err := o.allowances.Refresh(ctx, tx.Owner, spender, tx.SourceAsset)
	if err != nil {
		return tx, err
	}
	if !rec.Sufficient(tx.Amount) {
		return tx, nil
	}
	return o.ledger.Update(ctx, tx.ID, ledger.PatchFor(tx).
		WithStatus(types.StatusAwaitingDeposit).
		WithNote(fmt.Sprintf("allowance %s covers %s", rec.CurrentAllowance, tx.Amount)))
}

// fail moves tx to Failed with detail
func (o *Orchestrator) fail(ctx context.Context, tx types.Transaction, detail string) (types.Transaction, error) {
	o.logger.WithFields(logrus.Fields{"tx": tx.ID, "status": tx.Status}).Warn("❌ Transaction failed: " + detail)
	return o.ledger.Update(ctx, tx.ID, ledger.PatchFor(tx).Failed(detail))
}
