package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/gateway"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/types"
)

// EventKind names an observation fed to Advance
type EventKind string

const (
	EventResume              EventKind = "resume"
	EventAllowanceSufficient EventKind = "allowance_sufficient"
	EventAllowanceRejected   EventKind = "allowance_rejected"
	EventDepositDetected     EventKind = "deposit_detected"
	EventGatewayStatus       EventKind = "gateway_status"
	EventConfirmations       EventKind = "confirmations"
	EventReverted            EventKind = "reverted"
	EventTimeout             EventKind = "timeout"
)

// Event is an external observation about one transaction.
// Observed is the status the observer saw; an event whose Observed no longer
// matches the record is stale and dropped.
type Event struct {
	Kind     EventKind
	Observed types.Status

	// deposit_detected
	Amount decimal.Decimal

	// gateway_status
	GatewayState gateway.State
	GatewayToken string
	TxHash       string

	// confirmations
	Confirmations uint64
	BlockHeight   uint64

	Reason string
}

// Advance applies ev to transaction id. Stale events are dropped without error,
// malformed or inapplicable events fail the transaction, and terminal records
// return types.ErrInvalidState.
func (o *Orchestrator) Advance(ctx context.Context, id string, ev Event) (types.Transaction, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; ; attempt++ {
		tx, err := o.ledger.Get(ctx, id)
		if err != nil {
			return types.Transaction{}, err
		}
		if tx.Status.IsTerminal() {
			return tx, fmt.Errorf("%w: %s is already %s", types.ErrInvalidState, id, tx.Status)
		}
		if ev.Observed != "" && ev.Observed != tx.Status {
			o.logger.WithFields(logrus.Fields{
				"tx":       id,
				"event":    ev.Kind,
				"observed": ev.Observed,
				"status":   tx.Status,
			}).Debug("Dropping stale event")
			return tx, nil
		}

		next, err := o.apply(ctx, tx, ev)
		if errors.Is(err, types.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return next, err
	}
}

func (o *Orchestrator) apply(ctx context.Context, tx types.Transaction, ev Event) (types.Transaction, error) {
	switch {
	case ev.Kind == EventResume && tx.Status == types.StatusDraft:
		return o.leaveDraft(ctx, tx, nil)

	case ev.Kind == EventAllowanceSufficient && tx.Status == types.StatusAwaitingAllowance:
		return o.allowanceSufficient(ctx, tx)

	case ev.Kind == EventAllowanceRejected && tx.Status == types.StatusAwaitingAllowance:
		return o.fail(ctx, tx, "allowance request failed: "+reasonOr(ev.Reason, "rejected"))

	case ev.Kind == EventDepositDetected && tx.Status == types.StatusAwaitingDeposit:
		return o.depositDetected(ctx, tx, ev)

	case ev.Kind == EventGatewayStatus && (tx.Status == types.StatusSubmitted || tx.Status == types.StatusConfirming):
		return o.gatewayStatus(ctx, tx, ev)

	case ev.Kind == EventConfirmations && tx.Status == types.StatusConfirming:
		return o.confirmations(ctx, tx, ev)

	case ev.Kind == EventReverted && tx.Status == types.StatusConfirming:
		return o.fail(ctx, tx, "settlement transaction failed: "+reasonOr(ev.Reason, "reverted"))

	case ev.Kind == EventTimeout && (tx.Status == types.StatusSubmitted || tx.Status == types.StatusConfirming):
		return o.fail(ctx, tx, fmt.Sprintf("timed out in %s: %s", tx.Status, reasonOr(ev.Reason, "no progress")))
	}
	return o.fail(ctx, tx, fmt.Sprintf("unexpected %s event in status %s", ev.Kind, tx.Status))
}

func (o *Orchestrator) depositDetected(ctx context.Context, tx types.Transaction, ev Event) (types.Transaction, error) {
	if !ev.Amount.IsPositive() {
		return o.fail(ctx, tx, fmt.Sprintf("malformed deposit observation: amount %s", ev.Amount))
	}
	if ev.Amount.LessThan(tx.Amount) {
		// partial deposit, keep waiting for the rest
		return tx, nil
	}

	ref, err := o.gateway.Submit(ctx, tx)
	if err != nil {
		if errors.Is(err, types.ErrGatewayRejected) {
			failed, ferr := o.fail(ctx, tx, fmt.Sprintf("gateway rejected submission: %v", err))
			if ferr != nil {
				return failed, ferr
			}
			return failed, err
		}
		return tx, err
	}

	cursor := tx.Cursor
	cursor.BlockHeight = ev.BlockHeight
	next, err := o.ledger.Update(ctx, tx.ID, ledger.PatchFor(tx).
		WithStatus(types.StatusSubmitted).
		WithGatewayRef(ref).
		WithCursor(cursor).
		WithNote(fmt.Sprintf("deposit of %s detected", ev.Amount)))
	if err == nil {
		o.logger.WithFields(logrus.Fields{"tx": tx.ID, "ref": ref}).Info("📤 Submitted to gateway")
	}
	return next, err
}

func (o *Orchestrator) gatewayStatus(ctx context.Context, tx types.Transaction, ev Event) (types.Transaction, error) {
	cursor := tx.Cursor
	if ev.GatewayToken != "" {
		cursor.GatewayToken = ev.GatewayToken
	}

	switch ev.GatewayState {
	case gateway.StatePending:
		if cursor == tx.Cursor {
			return tx, nil
		}
		return o.ledger.Update(ctx, tx.ID, ledger.PatchFor(tx).WithCursor(cursor))

	case gateway.StateAccepted, gateway.StateConfirming, gateway.StateCompleted:
		// the settlement hash may arrive in a later report than the acceptance
		patch := ledger.PatchFor(tx).WithCursor(cursor)
		learnedHash := ev.TxHash != "" && tx.ConfirmTxHash == ""
		if learnedHash {
			patch = patch.WithConfirmTxHash(ev.TxHash)
		}
		if tx.Status == types.StatusConfirming {
			if cursor == tx.Cursor && !learnedHash {
				return tx, nil
			}
			return o.ledger.Update(ctx, tx.ID, patch)
		}
		return o.ledger.Update(ctx, tx.ID, patch.
			WithStatus(types.StatusConfirming).
			WithNote("gateway "+string(ev.GatewayState)))

	case gateway.StateRejected:
		return o.fail(ctx, tx, "gateway rejected: "+reasonOr(ev.Reason, "no reason given"))
	}
	return o.fail(ctx, tx, fmt.Sprintf("malformed gateway status %q", ev.GatewayState))
}

func (o *Orchestrator) confirmations(ctx context.Context, tx types.Transaction, ev Event) (types.Transaction, error) {
	if ev.Confirmations < tx.Cursor.Confirmations {
		return o.fail(ctx, tx, fmt.Sprintf("reorg: confirmations dropped from %d to %d", tx.Cursor.Confirmations, ev.Confirmations))
	}
	family, err := o.families(tx.SourceAsset)
	if err != nil {
		return tx, fmt.Errorf("%w: %v", types.ErrUnsupportedPair, err)
	}

	cursor := tx.Cursor
	cursor.Confirmations = ev.Confirmations
	if ev.BlockHeight > cursor.BlockHeight {
		cursor.BlockHeight = ev.BlockHeight
	}
	patch := ledger.PatchFor(tx).WithCursor(cursor)
	if ev.Confirmations >= family.RequiredConfirmations {
		patch = patch.WithStatus(types.StatusCompleted).
			WithNote(fmt.Sprintf("%d/%d confirmations", ev.Confirmations, family.RequiredConfirmations))
	} else if cursor == tx.Cursor {
		return tx, nil
	}

	next, err := o.ledger.Update(ctx, tx.ID, patch)
	if err == nil && next.Status == types.StatusCompleted {
		o.logger.WithField("tx", tx.ID).Info("✅ Transaction completed")
	}
	return next, err
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
