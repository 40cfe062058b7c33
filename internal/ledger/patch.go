package ledger

import (
	"fmt"
	"time"

	"github.com/wrapbridge/engine/internal/types"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	// ExpectedVersion must equal the stored version
	ExpectedVersion uint64

	Status         *types.Status
	Fees           *types.Fees
	GatewayRef     *string
	DepositAddress *string
	ConfirmTxHash  *string
	Cursor         *types.Cursor
	ErrorDetail    *string
	// Note is recorded in the audit trail when the status changes
	Note string
}

// PatchFor starts a patch against the given record version
func PatchFor(tx types.Transaction) Patch {
	return Patch{ExpectedVersion: tx.Version}
}

// WithStatus sets the target status
func (p Patch) WithStatus(s types.Status) Patch {
	p.Status = &s
	return p
}

// WithFees freezes fees; only legal while Draft
func (p Patch) WithFees(f types.Fees) Patch {
	p.Fees = &f
	return p
}

// WithGatewayRef sets the gateway handle; only legal on the move into Submitted
func (p Patch) WithGatewayRef(ref string) Patch {
	p.GatewayRef = &ref
	return p
}

// WithDepositAddress sets the gateway deposit address
func (p Patch) WithDepositAddress(addr string) Patch {
	p.DepositAddress = &addr
	return p
}

// WithConfirmTxHash sets the transaction hash whose confirmations are watched
func (p Patch) WithConfirmTxHash(hash string) Patch {
	p.ConfirmTxHash = &hash
	return p
}

// WithCursor replaces the monitoring cursor
func (p Patch) WithCursor(c types.Cursor) Patch {
	p.Cursor = &c
	return p
}

// Failed moves to Failed with detail
func (p Patch) Failed(detail string) Patch {
	s := types.StatusFailed
	p.Status = &s
	p.ErrorDetail = &detail
	p.Note = detail
	return p
}

// WithNote sets the audit note
func (p Patch) WithNote(note string) Patch {
	p.Note = note
	return p
}

func (p Patch) apply(current types.Transaction, now time.Time) (types.Transaction, error) {
	if current.Status.IsTerminal() {
		return types.Transaction{}, fmt.Errorf("%w: %s is terminal", types.ErrInvalidTransition, current.Status)
	}
	next := current.Clone()

	if p.Fees != nil {
		if current.Status != types.StatusDraft || current.Fees != nil {
			return types.Transaction{}, fmt.Errorf("%w: fees are frozen", types.ErrInvalidTransition)
		}
		fees := *p.Fees
		if !current.Amount.Sub(fees.ProtocolFee).Sub(fees.NetworkFee).Equal(fees.AmountAfterFees) {
			return types.Transaction{}, fmt.Errorf("%w: fees do not balance against amount %s", types.ErrInvalidAmount, current.Amount)
		}
		next.Fees = &fees
	}

	if p.Status != nil && *p.Status != current.Status {
		to := *p.Status
		if !types.CanTransition(current.Status, to) {
			return types.Transaction{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, current.Status, to)
		}
		next.Status = to
		next.History = append(next.History, types.StatusChange{
			From:   current.Status,
			To:     to,
			At:     now,
			Detail: p.Note,
		})
	}

	if p.GatewayRef != nil {
		if current.GatewayRef != "" {
			return types.Transaction{}, fmt.Errorf("%w: gatewayRef already set", types.ErrInvalidTransition)
		}
		if next.Status != types.StatusSubmitted || current.Status == types.StatusSubmitted || *p.GatewayRef == "" {
			return types.Transaction{}, fmt.Errorf("%w: gatewayRef is only set on the move into submitted", types.ErrInvalidTransition)
		}
		next.GatewayRef = *p.GatewayRef
	}

	if p.DepositAddress != nil {
		if current.DepositAddress != "" && current.DepositAddress != *p.DepositAddress {
			return types.Transaction{}, fmt.Errorf("%w: deposit address already set", types.ErrInvalidTransition)
		}
		next.DepositAddress = *p.DepositAddress
	}

	if p.ConfirmTxHash != nil {
		if current.ConfirmTxHash != "" && current.ConfirmTxHash != *p.ConfirmTxHash {
			return types.Transaction{}, fmt.Errorf("%w: confirmation tx hash already set", types.ErrInvalidTransition)
		}
		next.ConfirmTxHash = *p.ConfirmTxHash
	}

	if p.Cursor != nil {
		next.Cursor = *p.Cursor
	}

	switch {
	case next.Status == types.StatusFailed:
		if p.ErrorDetail == nil || *p.ErrorDetail == "" {
			return types.Transaction{}, fmt.Errorf("%w: failing requires an error detail", types.ErrInvalidTransition)
		}
		next.ErrorDetail = *p.ErrorDetail
	case p.ErrorDetail != nil:
		return types.Transaction{}, fmt.Errorf("%w: error detail is only valid when failing", types.ErrInvalidTransition)
	}

	if current.Status == types.StatusDraft && next.Status != types.StatusDraft && next.Status != types.StatusFailed {
		if next.Fees == nil {
			return types.Transaction{}, fmt.Errorf("%w: fees must be frozen before leaving draft", types.ErrInvalidTransition)
		}
		if !next.Amount.IsPositive() || next.Fees.AmountAfterFees.IsNegative() {
			return types.Transaction{}, fmt.Errorf("%w: amount %s leaves %s after fees", types.ErrInvalidAmount, next.Amount, next.Fees.AmountAfterFees)
		}
	}
	if next.Status == types.StatusSubmitted && next.GatewayRef == "" {
		return types.Transaction{}, fmt.Errorf("%w: submitted requires a gatewayRef", types.ErrInvalidTransition)
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}
