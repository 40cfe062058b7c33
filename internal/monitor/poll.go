package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/chain"
	"github.com/wrapbridge/engine/internal/metrics"
	"github.com/wrapbridge/engine/internal/orchestrator"
	"github.com/wrapbridge/engine/internal/types"
)

// confirmationStream is an open WatchConfirmations subscription for one transaction
type confirmationStream struct {
	hash   string
	ch     <-chan chain.Confirmation
	cancel context.CancelFunc
}

// observation is one event produced by a watcher, queued for the dispatcher
type observation struct {
	id string
	ev orchestrator.Event
}

// PollOnce observes transaction id once, retrying failed observations with exponential
// backoff, and applies any resulting event directly. When every attempt fails a Warning
// is emitted and the transaction is left as it was.
func (m *Monitor) PollOnce(ctx context.Context, id string) (types.Transaction, error) {
	tx, ev, err := m.observeOnce(ctx, id)
	if err != nil || ev == nil {
		return tx, err
	}
	return m.apply(ctx, id, *ev)
}

func (m *Monitor) observeOnce(ctx context.Context, id string) (types.Transaction, *orchestrator.Event, error) {
	tx, err := m.ledger.Get(ctx, id)
	if err != nil {
		return types.Transaction{}, nil, err
	}
	if tx.Status.IsTerminal() {
		m.dropStream(id)
		return tx, nil, nil
	}
	ev, err := m.observeWithRetry(ctx, tx)
	if ev != nil {
		ev.Observed = tx.Status
	}
	return tx, ev, err
}

// apply hands ev to the orchestrator
func (m *Monitor) apply(ctx context.Context, id string, ev orchestrator.Event) (types.Transaction, error) {
	next, err := m.advancer.Advance(ctx, id, ev)
	if err != nil {
		if errors.Is(err, types.ErrInvalidState) {
			m.dropStream(id)
			return next, nil
		}
		m.logger.WithFields(logrus.Fields{"tx": id, "event": ev.Kind}).WithError(err).Warn("⚠️  Failed to apply observation")
		return next, err
	}
	if next.Status != types.StatusConfirming {
		m.dropStream(id)
	}
	return next, nil
}

func (m *Monitor) observeWithRetry(ctx context.Context, tx types.Transaction) (*orchestrator.Event, error) {
	status := string(tx.Status)
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		start := time.Now()
		ev, err := m.observe(ctx, tx)
		metrics.PollDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		if err == nil {
			return ev, nil
		}
		lastErr = err
		metrics.PollFailuresTotal.WithLabelValues(status).Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < m.maxAttempts {
			if err := sleep(ctx, m.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	metrics.MonitorWarningsTotal.WithLabelValues(status).Inc()
	m.logger.WithFields(logrus.Fields{
		"tx":       tx.ID,
		"status":   tx.Status,
		"attempts": m.maxAttempts,
	}).WithError(lastErr).Warn("⚠️  Observation retries exhausted")

	warning := Warning{TxID: tx.ID, Owner: tx.Owner, Status: tx.Status, Attempts: m.maxAttempts, Err: lastErr, At: m.now()}
	select {
	case m.warnings <- warning:
	default:
	}
	return nil, lastErr
}

// backoff doubles the base delay per failed attempt, capped at one minute
func (m *Monitor) backoff(attempt int) time.Duration {
	d := m.retryBackoff
	for i := 1; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// observe makes one observation for tx's current status. A nil event means nothing changed.
func (m *Monitor) observe(ctx context.Context, tx types.Transaction) (*orchestrator.Event, error) {
	switch tx.Status {
	case types.StatusDraft:
		return &orchestrator.Event{Kind: orchestrator.EventResume}, nil

	case types.StatusAwaitingAllowance:
		return &orchestrator.Event{Kind: orchestrator.EventAllowanceSufficient}, nil

	case types.StatusAwaitingDeposit:
		return m.observeDeposit(ctx, tx)

	case types.StatusSubmitted:
		if ev := m.timedOut(tx); ev != nil {
			return ev, nil
		}
		return m.observeGateway(ctx, tx)

	case types.StatusConfirming:
		if ev := m.timedOut(tx); ev != nil {
			return ev, nil
		}
		// accepted but not yet broadcast: keep asking the gateway for the settlement hash
		if tx.ConfirmTxHash == "" {
			return m.observeGateway(ctx, tx)
		}
		return m.observeConfirmations(ctx, tx)
	}
	return nil, nil
}

func (m *Monitor) observeGateway(ctx context.Context, tx types.Transaction) (*orchestrator.Event, error) {
	report, err := m.gateway.Status(ctx, tx.GatewayRef, tx.Cursor.GatewayToken)
	if err != nil {
		return nil, err
	}
	return &orchestrator.Event{
		Kind:          orchestrator.EventGatewayStatus,
		GatewayState:  report.State,
		GatewayToken:  report.NextToken,
		TxHash:        report.TxHash,
		Confirmations: report.Confirmations,
		BlockHeight:   report.BlockHeight,
		Reason:        report.Reason,
	}, nil
}

// observeDeposit checks the balance funds are expected at: the gateway deposit address
// for a mint, the owner's wrapped balance for a release
func (m *Monitor) observeDeposit(ctx context.Context, tx types.Transaction) (*orchestrator.Event, error) {
	address := tx.Owner
	if tx.Direction == types.ToTarget {
		if tx.DepositAddress == "" {
			return nil, fmt.Errorf("%w: %s has no deposit address", types.ErrInvalidState, tx.ID)
		}
		address = tx.DepositAddress
	}
	balance, err := m.chain.GetBalance(ctx, address, tx.SourceAsset)
	if err != nil {
		return nil, err
	}
	if !balance.IsPositive() {
		return nil, nil
	}
	return &orchestrator.Event{Kind: orchestrator.EventDepositDetected, Amount: balance}, nil
}

func (m *Monitor) timedOut(tx types.Transaction) *orchestrator.Event {
	family, err := m.families(tx.SourceAsset)
	if err != nil || family.ConfirmTimeout <= 0 {
		return nil
	}
	if waited := m.now().Sub(tx.EnteredAt()); waited > family.ConfirmTimeout {
		return &orchestrator.Event{
			Kind:   orchestrator.EventTimeout,
			Reason: fmt.Sprintf("no progress for %s", waited.Truncate(time.Second)),
		}
	}
	return nil
}

// observeConfirmations drains the confirmation stream for the settlement hash and reports the latest count
func (m *Monitor) observeConfirmations(ctx context.Context, tx types.Transaction) (*orchestrator.Event, error) {
	stream, err := m.streamFor(tx)
	if err != nil {
		return nil, err
	}

	var latest chain.Confirmation
	got := false
drain:
	for {
		select {
		case conf, ok := <-stream.ch:
			if !ok {
				m.dropStream(tx.ID)
				break drain
			}
			if conf.Err != nil {
				return &orchestrator.Event{Kind: orchestrator.EventReverted, Reason: conf.Err.Error()}, nil
			}
			latest, got = conf, true
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			break drain
		}
	}
	if !got {
		return nil, nil
	}
	return &orchestrator.Event{
		Kind:          orchestrator.EventConfirmations,
		Confirmations: latest.Count,
		BlockHeight:   latest.BlockHeight,
	}, nil
}

func (m *Monitor) streamFor(tx types.Transaction) (*confirmationStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[tx.ID]; ok {
		if s.hash == tx.ConfirmTxHash {
			return s, nil
		}
		s.cancel()
		delete(m.streams, tx.ID)
	}
	if tx.ConfirmTxHash == "" {
		return nil, fmt.Errorf("%w: %s has no settlement hash", types.ErrInvalidState, tx.ID)
	}
	// the subscription outlives a single poll
	sctx, cancel := context.WithCancel(context.Background())
	ch, err := m.chain.WatchConfirmations(sctx, tx.ConfirmTxHash, tx.DestAsset)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &confirmationStream{hash: tx.ConfirmTxHash, ch: ch, cancel: cancel}
	m.streams[tx.ID] = s
	return s, nil
}

func (m *Monitor) dropStream(id string) {
	m.mu.Lock()
	s, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()

	if ok {
		s.cancel()
	}
}
