package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andrsolo/numgate/internal/config"
	"github.com/andrsolo/numgate/internal/sms"
)

// Sweeper evicts stale multipart reassembly buffers.
type Sweeper interface {
	Sweep() []sms.Message
}

// PartialSink receives messages whose remaining segments never arrived.
type PartialSink interface {
	DispatchPartial(ctx context.Context, msg sms.Message)
}

// WhitelistSource reloads provider IP rules from their backing store.
type WhitelistSource interface {
	Refresh(ctx context.Context) error
}

// OrphanStore back-fills provider attribution on unmatched messages.
type OrphanStore interface {
	EnrichOrphans(ctx context.Context, batch int) (int64, error)
}

// Manager owns the background loops: multipart sweep, IP whitelist
// refresh, and orphan enrichment.
type Manager struct {
	cfg              config.WorkerConfig
	sweeper          Sweeper
	sink             PartialSink
	whitelist        WhitelistSource
	whitelistRefresh time.Duration
	store            OrphanStore
	logger           *slog.Logger
}

func NewManager(
	cfg config.WorkerConfig,
	sweeper Sweeper,
	sink PartialSink,
	whitelist WhitelistSource,
	whitelistRefresh time.Duration,
	store OrphanStore,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:              cfg,
		sweeper:          sweeper,
		sink:             sink,
		whitelist:        whitelist,
		whitelistRefresh: whitelistRefresh,
		store:            store,
		logger:           logger,
	}
}

// Run launches the worker loops and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWorkerLoop(ctx, "concat-sweep", m.cfg.ConcatSweepInterval, 0, m.sweepConcat, m.logger)
	}()

	if m.whitelist != nil && m.whitelistRefresh > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorkerLoop(ctx, "whitelist-refresh", m.whitelistRefresh, 0, m.refreshWhitelist, m.logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWorkerLoop(ctx, "orphan-enrich", m.cfg.OrphanEnrichInterval, m.cfg.OrphanEnrichBatch, m.enrichOrphans, m.logger)
	}()

	wg.Wait()
}

// sweepConcat flushes expired reassembly buffers to the orphan sink so a
// lost segment still leaves a trace of what arrived.
func (m *Manager) sweepConcat(ctx context.Context, _ int) (int, error) {
	stale := m.sweeper.Sweep()
	for _, msg := range stale {
		m.sink.DispatchPartial(ctx, msg)
	}
	return len(stale), nil
}

func (m *Manager) refreshWhitelist(ctx context.Context, _ int) (int, error) {
	return 0, m.whitelist.Refresh(ctx)
}

func (m *Manager) enrichOrphans(ctx context.Context, batch int) (int, error) {
	n, err := m.store.EnrichOrphans(ctx, batch)
	return int(n), err
}
