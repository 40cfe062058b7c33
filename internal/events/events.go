// Package events publishes ledger changes to downstream consumers
package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/types"
)

// TransactionUpdated is emitted after every committed ledger write
type TransactionUpdated struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Status      types.Status      `json:"status"`
	Version     uint64            `json:"version"`
	Transaction types.Transaction `json:"transaction"`
	At          time.Time         `json:"at"`
}

// NewTransactionUpdated builds the event for tx
func NewTransactionUpdated(tx types.Transaction) TransactionUpdated {
	return TransactionUpdated{
		ID:          tx.ID,
		Owner:       tx.Owner,
		Status:      tx.Status,
		Version:     tx.Version,
		Transaction: tx,
		At:          tx.UpdatedAt,
	}
}

// Publisher delivers events. Publish must not block on the network.
type Publisher interface {
	Publish(ctx context.Context, ev TransactionUpdated) error
}

// Forward publishes every ledger change through p
func Forward(l *ledger.Ledger, p Publisher, logger logrus.FieldLogger) {
	l.Subscribe(func(tx types.Transaction) {
		if err := p.Publish(context.Background(), NewTransactionUpdated(tx)); err != nil {
			logger.WithFields(logrus.Fields{"tx": tx.ID, "status": tx.Status}).WithError(err).Warn("Failed to publish transaction update")
		}
	})
}
