package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status of a Transaction in the conversion state machine
type Status string

const (
	StatusDraft             Status = "draft"
	StatusAwaitingDeposit   Status = "awaiting_deposit"
	StatusAwaitingAllowance Status = "awaiting_allowance"
	StatusSubmitted         Status = "submitted"
	StatusConfirming        Status = "confirming"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// transitions lists the legal next statuses for each status
var transitions = map[Status][]Status{
	StatusDraft:             {StatusAwaitingAllowance, StatusAwaitingDeposit, StatusFailed},
	StatusAwaitingAllowance: {StatusAwaitingDeposit, StatusFailed, StatusCancelled},
	StatusAwaitingDeposit:   {StatusSubmitted, StatusCancelled, StatusFailed},
	StatusSubmitted:         {StatusConfirming, StatusFailed},
	StatusConfirming:        {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok || s.IsTerminal()
}

// Cancellable reports whether a user may still cancel: no funds have moved yet
func (s Status) Cancellable() bool {
	return s == StatusAwaitingDeposit || s == StatusAwaitingAllowance
}

// CanTransition reports whether from -> to is a legal state machine edge
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fees is a frozen quote
type Fees struct {
	ProtocolFee     decimal.Decimal `json:"protocolFee"`
	NetworkFee      decimal.Decimal `json:"networkFee"`
	AmountAfterFees decimal.Decimal `json:"amountAfterFees"`
	// ExchangeRate between source and dest units, 1 for pegged pairs
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
}

// ReceiveAmount is the exchange-rate-adjusted amount the destination receives
func (f Fees) ReceiveAmount() decimal.Decimal {
	if f.ExchangeRate.IsZero() {
		return f.AmountAfterFees
	}
	return f.AmountAfterFees.Mul(f.ExchangeRate).Truncate(AssetDecimals)
}

// Cursor is the per-transaction monitoring position, persisted so a restart resumes
type Cursor struct {
	BlockHeight   uint64 `json:"blockHeight,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	GatewayToken  string `json:"gatewayToken,omitempty"`
}

// StatusChange is one entry of a Transaction's audit trail
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Draft is the user intent a Transaction is created from
type Draft struct {
	Direction   Direction       `json:"direction"`
	Owner       string          `json:"owner"`
	SourceAsset Asset           `json:"sourceAsset"`
	DestAsset   Asset           `json:"destAsset"`
	Amount      decimal.Decimal `json:"amount"`
	DestAddress string          `json:"destAddress"`
}

// Transaction is the unit of work tracked by the ledger
type Transaction struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	Direction      Direction       `json:"direction"`
	SourceAsset    Asset           `json:"sourceAsset"`
	DestAsset      Asset           `json:"destAsset"`
	Amount         decimal.Decimal `json:"amount"`
	DestAddress    string          `json:"destAddress"`
	Fees           *Fees           `json:"fees,omitempty"`
	Status         Status          `json:"status"`
	GatewayRef     string          `json:"gatewayRef,omitempty"`
	DepositAddress string          `json:"depositAddress,omitempty"`
	ConfirmTxHash  string          `json:"confirmTxHash,omitempty"`
	Cursor         Cursor          `json:"cursor"`
	ErrorDetail    string          `json:"errorDetail,omitempty"`
	History        []StatusChange  `json:"history,omitempty"`
	Version        uint64          `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share slices or pointers with the ledger
func (t Transaction) Clone() Transaction {
	out := t
	if t.Fees != nil {
		fees := *t.Fees
		out.Fees = &fees
	}
	if t.History != nil {
		out.History = append([]StatusChange(nil), t.History...)
	}
	return out
}

// EnteredAt returns when the transaction entered its current status
func (t Transaction) EnteredAt() time.Time {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].To == t.Status {
			return t.History[i].At
		}
	}
	return t.CreatedAt
}

// AllowanceRecord tracks an ERC20-style approval for (owner, spender, asset)
type AllowanceRecord struct {
	Owner            string          `json:"owner"`
	Spender          string          `json:"spender"`
	Asset            Asset           `json:"asset"`
	CurrentAllowance decimal.Decimal `json:"currentAllowance"`
	RequestedAmount  decimal.Decimal `json:"requestedAmount"`
	Requesting       bool            `json:"requesting"`
	CheckedAt        time.Time       `json:"checkedAt"`
}

// Sufficient reports whether the current allowance covers amount
func (r AllowanceRecord) Sufficient(amount decimal.Decimal) bool {
	return r.CurrentAllowance.GreaterThanOrEqual(amount)
}
