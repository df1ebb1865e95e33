// Package maintenance implements the prune, compact, snapshot-GC, and
// audit-prune background loops. Each loop is single-flighted
// so an overrunning cycle never overlaps with the next timer tick, and
// debounced so a burst of external triggers collapses into one run.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/driftbase/syncd/internal/commitlog"
	"github.com/driftbase/syncd/internal/partition"
	"github.com/driftbase/syncd/internal/snapshot"
	"github.com/driftbase/syncd/internal/storage"
	"github.com/driftbase/syncd/internal/syncerr"
	"github.com/driftbase/syncd/internal/telemetry"
)

// CursorSource reports each partition's active client cursors, needed
// by the prune watermark calculation.
type CursorSource interface {
	OldestActiveCursor(ctx context.Context, pool *pgxpool.Pool, partitionID string, activeWindow time.Duration) (int64, bool, error)
}

// Config bounds the maintenance loops' behavior.
type Config struct {
	PruneInterval           time.Duration
	KeepNewestCommits       int64
	ActiveWindow            time.Duration
	FallbackMaxAge          time.Duration
	CompactFullHistoryAfter time.Duration
	SnapshotChunkTTL        time.Duration
	AuditMaxAge             time.Duration
	AuditMaxRows            int64
}

// Manager runs the maintenance loops for all active partitions.
type Manager struct {
	cfg       Config
	pools     *storage.PoolManager
	partitions *partition.Store
	commits   *commitlog.Store
	snapshots *snapshot.Store
	cursors   CursorSource
	telemetry telemetry.Recorder

	group singleflight.Group
	// limiter debounces externally-triggered runs (e.g. a burst of
	// notifyExternalDataChange calls) to at most one extra cycle per
	// window, on top of the regular timer-driven cadence.
	limiter *slidingwindow.Limiter
}

// NewManager builds a maintenance Manager.
func NewManager(cfg Config, pools *storage.PoolManager, partitions *partition.Store, commits *commitlog.Store, snapshots *snapshot.Store, cursors CursorSource, rec telemetry.Recorder) *Manager {
	if rec == nil {
		rec = telemetry.NewNoop()
	}
	limiter, _, _ := slidingwindow.NewLimiter(time.Minute, 1, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return &Manager{
		cfg:        cfg,
		pools:      pools,
		partitions: partitions,
		commits:    commits,
		snapshots:  snapshots,
		cursors:    cursors,
		telemetry:  rec,
		limiter:    limiter,
	}
}

// Run starts the periodic loop and blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce runs one maintenance cycle across every active partition,
// single-flighted so overlapping callers (the timer and an external
// trigger) share one in-flight cycle.
func (m *Manager) RunOnce(ctx context.Context) {
	_, _, _ = m.group.Do("cycle", func() (any, error) {
		partitions, err := m.partitions.ListActive(ctx)
		if err != nil {
			m.telemetry.Event(ctx, "maintenance.list_partitions_failed", telemetry.F("error", err.Error()))
			return nil, nil
		}
		for _, p := range partitions {
			pool := m.pools.Get(p.PartitionID)
			if pool == nil {
				continue
			}
			m.runPartition(ctx, p.PartitionID, pool)
		}
		return nil, nil
	})
}

// TriggerDebounced requests an out-of-cadence cycle, collapsing bursts
// within the debounce window into a single extra run.
func (m *Manager) TriggerDebounced(ctx context.Context) {
	if !m.limiter.Allow() {
		return
	}
	go m.RunOnce(ctx)
}

func (m *Manager) runPartition(ctx context.Context, partitionID string, pool *pgxpool.Pool) {
	if err := m.prune(ctx, pool, partitionID); err != nil {
		m.telemetry.Event(ctx, "maintenance.prune_failed", telemetry.F("partitionId", partitionID), telemetry.F("error", err.Error()))
	}
	if err := m.compact(ctx, pool, partitionID); err != nil {
		m.telemetry.Event(ctx, "maintenance.compact_failed", telemetry.F("partitionId", partitionID), telemetry.F("error", err.Error()))
	}
	if _, err := m.snapshots.CleanupExpired(ctx, pool, partitionID); err != nil {
		m.telemetry.Event(ctx, "maintenance.snapshot_gc_failed", telemetry.F("partitionId", partitionID), telemetry.F("error", err.Error()))
	}
	if err := m.auditPrune(ctx, pool, partitionID); err != nil {
		m.telemetry.Event(ctx, "maintenance.audit_prune_failed", telemetry.F("partitionId", partitionID), telemetry.F("error", err.Error()))
	}
}

// prune computes the retention watermark and deletes commits (and
// their cascading changes/table_commits) at or below it. The watermark is
// the oldest active client cursor within the active window, floored by
// keepNewestCommits so even a fully idle partition retains some
// history; when no client has an active cursor, it falls back to a
// fixed max-age retention instead of pruning everything.
func (m *Manager) prune(ctx context.Context, pool *pgxpool.Pool, partitionID string) error {
	latest, err := m.commits.LatestCommitSeq(ctx, pool, partitionID)
	if err != nil {
		return err
	}
	if latest == 0 {
		return nil
	}

	var watermark int64
	oldestActive, hasActive, err := m.cursors.OldestActiveCursor(ctx, pool, partitionID, m.cfg.ActiveWindow)
	if err != nil {
		return err
	}

	if hasActive {
		watermark = oldestActive
	} else {
		var err error
		watermark, err = m.fallbackWatermark(ctx, pool, partitionID)
		if err != nil {
			return err
		}
	}

	floor := latest - m.cfg.KeepNewestCommits
	if floor < 0 {
		floor = 0
	}
	if watermark > floor {
		watermark = floor
	}
	if watermark <= 0 {
		return nil
	}

	_, err = pool.Exec(ctx, `DELETE FROM sync_commits WHERE partition_id = $1 AND commit_seq <= $2`, partitionID, watermark)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("maintenance: prune: %w", err))
	}
	return nil
}

func (m *Manager) fallbackWatermark(ctx context.Context, pool *pgxpool.Pool, partitionID string) (int64, error) {
	var seq int64
	err := pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits
		 WHERE partition_id = $1 AND created_at < $2`,
		partitionID, time.Now().Add(-m.cfg.FallbackMaxAge),
	).Scan(&seq)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("maintenance: fallback watermark: %w", err))
	}
	return seq, nil
}

// compact collapses per-row history older than CompactFullHistoryAfter
// down to only the latest change per (table, rowId), since bootstraps
// only ever need the current row state, not its full history.
func (m *Manager) compact(ctx context.Context, pool *pgxpool.Pool, partitionID string) error {
	cutoff := time.Now().Add(-m.cfg.CompactFullHistoryAfter)

	_, err := pool.Exec(ctx, `
		DELETE FROM sync_changes c
		USING sync_commits sc
		WHERE c.commit_seq = sc.commit_seq
		  AND c.partition_id = $1
		  AND sc.created_at < $2
		  AND c.commit_seq < (
		      SELECT MAX(c2.commit_seq) FROM sync_changes c2
		      WHERE c2.partition_id = c.partition_id
		        AND c2.table_name = c.table_name
		        AND c2.row_id = c.row_id
		  )`, partitionID, cutoff)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("maintenance: compact: %w", err))
	}
	return nil
}

// auditPrune bounds the request/operation audit trail by both age and
// row count, whichever is reached first.
func (m *Manager) auditPrune(ctx context.Context, pool *pgxpool.Pool, partitionID string) error {
	_, err := pool.Exec(ctx,
		`DELETE FROM sync_request_events WHERE partition_id = $1 AND created_at < $2`,
		partitionID, time.Now().Add(-m.cfg.AuditMaxAge))
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("maintenance: audit prune by age: %w", err))
	}

	_, err = pool.Exec(ctx, `
		DELETE FROM sync_request_events
		WHERE partition_id = $1 AND id IN (
		    SELECT id FROM sync_request_events WHERE partition_id = $1
		    ORDER BY created_at DESC OFFSET $2
		)`, partitionID, m.cfg.AuditMaxRows)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("maintenance: audit prune by count: %w", err))
	}
	return nil
}
