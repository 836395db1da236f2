package filevault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultGCInterval         = 5 * time.Minute
	defaultStalenessThreshold = time.Hour
	defaultHistoryRetention   = 24 * time.Hour
	defaultGCBatchSize        = 500
	defaultGCLockWait         = 100 * time.Millisecond
)

// GCConfig holds configuration options for Collector.
type GCConfig struct {
	Interval           time.Duration // Time between sweeps (default: 5m)
	StalenessThreshold time.Duration // Age after which a pending record is abandoned (default: 1h)
	HistoryRetention   time.Duration // How long superseded versions are kept (default: 24h)
	NoHistory          bool          // Reclaim superseded versions on the next sweep
	BatchSize          int           // Records examined per category per sweep (default: 500)
	LockWait           time.Duration // How long to wait for a busy path lock (default: 100ms)
	Logger             *slog.Logger
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	PendingRemoved int `json:"pending_removed"`
	PendingSkipped int `json:"pending_skipped"`
	Reclaimed      int `json:"reclaimed"`
	Failed         int `json:"failed"`
}

// AuditReport lists records that need an operator.
type AuditReport struct {
	Checked   int          `json:"checked"`
	Unchecked int          `json:"unchecked"`
	Missing   []FileRecord `json:"missing"`
	Exhausted []FileRecord `json:"exhausted"`
}

// Collector reconciles the metadata store with the blob backends: it removes
// abandoned pending writes and reclaims the blobs of deleted and expired
// versions. Errors are logged and retried on the next sweep.
type Collector struct {
	engine *Engine
	cfg    GCConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewCollector(engine *Engine, cfg GCConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultGCInterval
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = defaultStalenessThreshold
	}
	if cfg.HistoryRetention <= 0 && !cfg.NoHistory {
		cfg.HistoryRetention = defaultHistoryRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultGCBatchSize
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultGCLockWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = engine.logger
	}
	return &Collector{engine: engine, cfg: cfg, logger: logger, now: time.Now}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		stats, err := c.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("gc sweep failed", "error", err)
		} else if stats != (SweepStats{}) {
			c.logger.Info("gc sweep finished",
				"pending_removed", stats.PendingRemoved,
				"pending_skipped", stats.PendingSkipped,
				"reclaimed", stats.Reclaimed,
				"failed", stats.Failed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one collection pass over stale pending records and reclaimable
// records. A failure on one record never stops the pass.
func (c *Collector) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}

	if err := c.sweepPending(ctx, &stats); err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}
	if err := c.sweepReclaimable(ctx, &stats); err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}
	return stats, nil
}

func (c *Collector) sweepPending(ctx context.Context, stats *SweepStats) error {
	e := c.engine

	listCtx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	stale, err := e.repo.ListPendingOlderThan(listCtx, c.cfg.StalenessThreshold, c.cfg.BatchSize)
	cancel()
	if err != nil {
		return fmt.Errorf("list stale pending: %w", err)
	}

	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}

		removed, err := c.removePending(ctx, rec)
		switch {
		case err != nil:
			stats.Failed++
			c.logger.Warn("gc: stale pending cleanup failed", "id", rec.ID, "path", rec.Path, "error", err)
		case removed:
			stats.PendingRemoved++
		default:
			stats.PendingSkipped++
		}
	}
	return nil
}

// removePending deletes an abandoned write. A write still in flight holds
// the path lock, so a busy lock means the record is skipped this time.
func (c *Collector) removePending(ctx context.Context, rec FileRecord) (bool, error) {
	e := c.engine

	lockCtx, cancelLock := context.WithTimeout(ctx, c.cfg.LockWait)
	unlock, err := e.locker.Lock(lockCtx, rec.Owner, rec.Path)
	cancelLock()
	if err != nil {
		return false, nil
	}
	defer unlock()

	cleanupCtx, cancel := context.WithTimeout(ctx, e.cfg.CleanupTimeout)
	defer cancel()

	backend, err := e.backendFor(rec.Backend)
	if err != nil {
		return false, err
	}
	if err := backend.Delete(cleanupCtx, rec.BlobKey); err != nil && !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("delete blob: %w", err)
	}
	if err := e.repo.DeletePending(cleanupCtx, rec.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete pending record: %w", err)
	}
	return true, nil
}

func (c *Collector) sweepReclaimable(ctx context.Context, stats *SweepStats) error {
	e := c.engine

	before := c.now().Add(-c.cfg.HistoryRetention)
	listCtx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	records, err := e.repo.ListReclaimable(listCtx, before, e.cfg.MaxAttempts, c.cfg.BatchSize)
	cancel()
	if err != nil {
		return fmt.Errorf("list reclaimable: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.reclaim(ctx, rec); err != nil {
			stats.Failed++
			c.logger.Warn("gc: reclaim failed", "id", rec.ID, "path", rec.Path, "error", err)
			continue
		}
		stats.Reclaimed++
	}
	return nil
}

// Audit checks every committed record against its backend and lists the
// records whose cleanup budget is exhausted. It never modifies anything.
func (c *Collector) Audit(ctx context.Context) (AuditReport, error) {
	e := c.engine
	report := AuditReport{Missing: []FileRecord{}, Exhausted: []FileRecord{}}

	for kind, backend := range e.backends {
		cursor := ""
		for {
			if err := ctx.Err(); err != nil {
				return report, fmt.Errorf("audit: %w", err)
			}

			listCtx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
			page, err := e.repo.ListByBackend(listCtx, kind, cursor, c.cfg.BatchSize)
			cancel()
			if err != nil {
				return report, fmt.Errorf("audit: list %s: %w", kind, classify(err))
			}

			for _, rec := range page.Items {
				exists, err := backend.Exists(ctx, rec.BlobKey)
				if err != nil {
					report.Unchecked++
					c.logger.Warn("audit: blob check failed", "id", rec.ID, "backend", kind, "error", err)
					continue
				}
				report.Checked++
				if !exists {
					report.Missing = append(report.Missing, rec)
				}
			}

			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	defer cancel()
	exhausted, err := e.repo.ListExhausted(listCtx, e.cfg.MaxAttempts, c.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("audit: list exhausted: %w", classify(err))
	}
	report.Exhausted = append(report.Exhausted, exhausted...)

	return report, nil
}
