package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-dev/conductor/internal/events"
)

// Pruneable is the journal surface the pruner needs.
type Pruneable interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// JournalPruner removes activity rows older than the retention window.
// It runs as a background goroutine within the daemon.
type JournalPruner struct {
	journal   Pruneable
	retention func() time.Duration
	interval  time.Duration
	audit     *events.Log
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewJournalPruner creates a pruner. retention is consulted on every run so
// a settings change applies without a restart.
func NewJournalPruner(journal Pruneable, retention func() time.Duration, interval time.Duration, audit *events.Log, logger *slog.Logger) *JournalPruner {
	ctx, cancel := context.WithCancel(context.Background())
	return &JournalPruner{
		journal:   journal,
		retention: retention,
		interval:  interval,
		audit:     audit,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs an initial prune and then prunes every interval.
func (p *JournalPruner) Start() {
	p.prune()

	p.wg.Add(1)
	go p.run()
}

// Stop gracefully stops the pruner.
func (p *JournalPruner) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *JournalPruner) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

// prune runs a single prune operation.
func (p *JournalPruner) prune() int64 {
	start := time.Now()
	cutoff := start.Add(-p.retention())
	n, err := p.journal.Prune(p.ctx, cutoff)
	if err != nil {
		p.logger.Warn("journal prune failed", "error", err)
		return 0
	}
	if n > 0 {
		p.logger.Info("journal pruned", "rows", n, "before", cutoff.Format(time.RFC3339), "took", time.Since(start).Round(time.Millisecond))
		_ = p.audit.Audit(events.TypeJournalPruned, "", map[string]interface{}{"rows": n})
	}
	return n
}
