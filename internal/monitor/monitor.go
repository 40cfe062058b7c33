// Package monitor watches every non-terminal transaction and feeds what it observes
// on chain and at the gateway back to the orchestrator.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wrapbridge/engine/internal/chain"
	"github.com/wrapbridge/engine/internal/config"
	"github.com/wrapbridge/engine/internal/gateway"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/metrics"
	"github.com/wrapbridge/engine/internal/orchestrator"
	"github.com/wrapbridge/engine/internal/types"
)

// Advancer applies observations; implemented by *orchestrator.Orchestrator
type Advancer interface {
	Advance(ctx context.Context, id string, ev orchestrator.Event) (types.Transaction, error)
}

// Warning is emitted when an observation exhausted its retries. The transaction keeps its status.
type Warning struct {
	TxID     string
	Owner    string
	Status   types.Status
	Attempts int
	Err      error
	At       time.Time
}

// Monitor runs one watcher per active transaction
type Monitor struct {
	ledger   *ledger.Ledger
	advancer Advancer
	chain    chain.Client
	gateway  gateway.Service
	families func(types.Asset) (config.FamilyConfig, error)
	logger   logrus.FieldLogger
	now      func() time.Time

	syncInterval time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	owners       map[string]bool

	warnings     chan Warning
	observations chan observation

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	streams  map[string]*confirmationStream
	wg       sync.WaitGroup
}

// Option configures a Monitor
type Option func(*Monitor)

// WithSyncInterval sets how often the active set is re-read from the ledger
func WithSyncInterval(d time.Duration) Option {
	return func(m *Monitor) { m.syncInterval = d }
}

// WithRetry sets the attempts per observation and the base backoff between them
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(m *Monitor) {
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
		m.retryBackoff = backoff
	}
}

// WithFamilies overrides the per-family configuration lookup
func WithFamilies(lookup func(types.Asset) (config.FamilyConfig, error)) Option {
	return func(m *Monitor) { m.families = lookup }
}

// WithOwners restricts watching to the listed wallets
func WithOwners(owners []string) Option {
	return func(m *Monitor) {
		for _, owner := range owners {
			m.owners[strings.ToLower(types.NormalizeOwner(owner))] = true
		}
	}
}

// WithClock overrides time.Now for timeouts
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(l *ledger.Ledger, advancer Advancer, client chain.Client, gw gateway.Service, logger logrus.FieldLogger, opts ...Option) *Monitor {
	m := &Monitor{
		ledger:       l,
		advancer:     advancer,
		chain:        client,
		gateway:      gw,
		families:     config.GetFamilyConfig,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		syncInterval: 30 * time.Second,
		maxAttempts:  3,
		retryBackoff: 2 * time.Second,
		owners:       make(map[string]bool),
		warnings:     make(chan Warning, 64),
		observations: make(chan observation, 64),
		watchers:     make(map[string]context.CancelFunc),
		streams:      make(map[string]*confirmationStream),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Warnings delivers retry exhaustion notices. Notices are dropped when nobody reads them.
func (m *Monitor) Warnings() <-chan Warning {
	return m.warnings
}

// Watching returns the number of running watchers
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Run watches until ctx is cancelled. It picks up new transactions from ledger
// notifications and re-reads the active set every sync interval. Watchers only
// observe; a single dispatcher applies what they see, in arrival order.
func (m *Monitor) Run(ctx context.Context) error {
	updates := make(chan types.Transaction, 256)
	m.ledger.Subscribe(func(tx types.Transaction) {
		select {
		case updates <- tx:
		default:
			// the next sync picks it up
		}
	})

	m.logger.Info("📡 Starting transaction monitor...")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(m.syncInterval)
		defer ticker.Stop()
		for {
			if err := m.Sync(gctx); err != nil {
				m.logger.WithError(err).Warn("⚠️  Failed to load active transactions")
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case tx := <-updates:
				m.track(gctx, tx)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case obs := <-m.observations:
				_, _ = m.apply(gctx, obs.id, obs.ev)
			}
		}
	})

	err := g.Wait()
	m.stopAll()
	m.wg.Wait()
	m.logger.Info("🔄 Transaction monitor stopped")
	return err
}

// Sync starts watchers for every active transaction that lacks one
func (m *Monitor) Sync(ctx context.Context) error {
	active, err := m.ledger.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, tx := range active {
		m.track(ctx, tx)
	}
	return nil
}

func (m *Monitor) watches(tx types.Transaction) bool {
	if tx.Status.IsTerminal() {
		return false
	}
	return len(m.owners) == 0 || m.owners[strings.ToLower(tx.Owner)]
}

func (m *Monitor) track(ctx context.Context, tx types.Transaction) {
	if !m.watches(tx) {
		m.stop(tx.ID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.watchers[tx.ID]; running || ctx.Err() != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	m.watchers[tx.ID] = cancel
	metrics.WatchedTransactions.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.stop(tx.ID)
		m.watch(wctx, tx)
	}()
}

func (m *Monitor) stop(id string) {
	m.mu.Lock()
	cancel, running := m.watchers[id]
	delete(m.watchers, id)
	m.mu.Unlock()

	if running {
		cancel()
		metrics.WatchedTransactions.Dec()
	}
	m.dropStream(id)
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stop(id)
	}
}

// watch polls tx at its family's interval until it is terminal or ctx ends
func (m *Monitor) watch(ctx context.Context, tx types.Transaction) {
	interval := 10 * time.Second
	if family, err := m.families(tx.SourceAsset); err == nil && family.PollInterval > 0 {
		interval = family.PollInterval
	}
	log := m.logger.WithField("tx", tx.ID)
	log.Debug("👀 Watching transaction")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		current, ev, _ := m.observeOnce(ctx, tx.ID)
		if current.ID != "" && current.Status.IsTerminal() {
			log.WithField("status", current.Status).Debug("Watcher finished")
			return
		}
		if ev != nil {
			select {
			case m.observations <- observation{id: tx.ID, ev: *ev}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
