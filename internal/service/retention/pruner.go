// Package retention trims old request-log rows on a fixed interval.
package retention

import (
	"time"

	"github.com/keyfleet/keyfleet/internal/adapter/observability"
	"github.com/keyfleet/keyfleet/internal/domain"
	obsctx "github.com/keyfleet/keyfleet/internal/observability"
)

// Pruner deletes request-log rows older than the retention horizon.
type Pruner struct {
	repo      domain.KeyRepository
	retention time.Duration
	interval  time.Duration
}

// New builds a Pruner keeping logs for retention and sweeping every interval.
func New(repo domain.KeyRepository, retention, interval time.Duration) *Pruner {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Pruner{repo: repo, retention: retention, interval: interval}
}

// PruneOnce runs a single sweep and returns how many rows were removed.
func (p *Pruner) PruneOnce(ctx domain.Context) (int64, error) {
	n, err := p.repo.PruneLogs(ctx, time.Now().UTC().Add(-p.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.RequestLogsPrunedTotal.Add(float64(n))
	}
	return n, nil
}

// Run sweeps immediately and then on every tick until the context ends.
func (p *Pruner) Run(ctx domain.Context) {
	lg := obsctx.LoggerFromContext(ctx)
	sweep := func() {
		n, err := p.PruneOnce(ctx)
		if err != nil {
			lg.Error("request log prune failed", "error", err)
			return
		}
		if n > 0 {
			lg.Info("pruned request logs", "rows", n)
		}
	}
	sweep()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
