// Package external implements the External-data Notification Hook:
// when a table is mutated outside the push pipeline —
// a bulk import, an administrative correction, a migration — callers
// use NotifyExternalDataChange to record a synthetic commit so every
// subscribed client is forced to re-bootstrap the affected tables
// instead of silently drifting from what the database actually holds.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbase/syncd/internal/commitlog"
	"github.com/driftbase/syncd/internal/realtime"
	"github.com/driftbase/syncd/internal/snapshot"
	"github.com/driftbase/syncd/internal/syncerr"
)

// Hook wires the commit log, snapshot chunk store, and realtime
// notifier together for external-data notifications.
type Hook struct {
	commits   *commitlog.Store
	snapshots *snapshot.Store
	notifier  *realtime.Registry
}

// NewHook builds an external-data notification Hook.
func NewHook(commits *commitlog.Store, snapshots *snapshot.Store, notifier *realtime.Registry) *Hook {
	return &Hook{commits: commits, snapshots: snapshots, notifier: notifier}
}

// Notification describes what changed outside the push pipeline.
type Notification struct {
	PartitionID string
	Tables      []string
	Reason      string
}

// NotifyExternalDataChange appends a synthetic commit attributed to
// commitlog.ExternalClientID touching the given tables, invalidates
// any cached bootstrap snapshot chunks for the partition (since a
// cached chunk's content no longer reflects the table's true state),
// and passes the commit to the realtime notifier. The synthetic commit
// carries no row changes and the notifier routes by the scope keys of
// a commit's changes, so no connection is woken by it; clients notice
// the forced-bootstrap signal on their next pull.
func (h *Hook) NotifyExternalDataChange(ctx context.Context, pool *pgxpool.Pool, n Notification) (int64, error) {
	if len(n.Tables) == 0 {
		return 0, syncerr.New(syncerr.CodeInvalidRequest, "external: at least one table is required")
	}

	meta, err := json.Marshal(map[string]string{"reason": n.Reason})
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageError, err)
	}

	clientCommitID := fmt.Sprintf("external-%d", time.Now().UnixNano())
	result, err := h.commits.Append(ctx, pool, n.PartitionID, "system", commitlog.ExternalClientID, clientCommitID, meta, nil, n.Tables)
	if err != nil {
		return 0, err
	}

	if err := h.snapshots.InvalidateTable(ctx, pool, n.PartitionID); err != nil {
		return 0, err
	}

	if h.notifier != nil {
		commits, err := h.commits.ReadCommits(ctx, pool, n.PartitionID, result.CommitSeq-1, nil, 1)
		if err == nil && len(commits) == 1 {
			h.notifier.NotifyCommit(n.PartitionID, commits[0])
		}
	}

	return result.CommitSeq, nil
}
