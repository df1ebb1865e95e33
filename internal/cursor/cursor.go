// Package cursor persists each client's sync position: how far it has read the commit log, and which
// scopes its last pull resolved to. The maintenance loop's prune task
// reads cursors back out to compute a safe retention watermark.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbase/syncd/internal/syncerr"
)

// Cursor is one client's recorded sync position within a partition.
type Cursor struct {
	PartitionID      string
	ClientID         string
	ActorID          string
	Position         int64
	EffectiveScopes  json.RawMessage
	UpdatedAt        time.Time
}

// Store persists ClientCursor rows.
type Store struct{}

// NewStore builds a cursor Store.
func NewStore() *Store { return &Store{} }

// Upsert records a client's new cursor position and the scopes its
// most recent pull resolved to, called after every successful pull.
func (s *Store) Upsert(ctx context.Context, pool *pgxpool.Pool, c Cursor) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, cursor, effective_scopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (partition_id, client_id) DO UPDATE SET
		  actor_id = EXCLUDED.actor_id,
		  cursor = EXCLUDED.cursor,
		  effective_scopes = EXCLUDED.effective_scopes,
		  updated_at = NOW()`,
		c.PartitionID, c.ClientID, c.ActorID, c.Position, c.EffectiveScopes)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("cursor: upsert: %w", err))
	}
	return nil
}

// Get returns a client's recorded cursor, or nil if it has never pulled.
func (s *Store) Get(ctx context.Context, pool *pgxpool.Pool, partitionID, clientID string) (*Cursor, error) {
	var c Cursor
	err := pool.QueryRow(ctx,
		`SELECT partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors WHERE partition_id = $1 AND client_id = $2`,
		partitionID, clientID,
	).Scan(&c.PartitionID, &c.ClientID, &c.ActorID, &c.Position, &c.EffectiveScopes, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("cursor: get: %w", err))
	}
	return &c, nil
}

// OldestActiveCursor returns the lowest cursor position among clients
// that have pulled within activeWindow, implementing
// maintenance.CursorSource. The bool is false when no client has
// pulled recently, signaling the caller to use its fallback retention
// policy instead.
func (s *Store) OldestActiveCursor(ctx context.Context, pool *pgxpool.Pool, partitionID string, activeWindow time.Duration) (int64, bool, error) {
	var seq *int64
	err := pool.QueryRow(ctx,
		`SELECT MIN(cursor) FROM sync_client_cursors WHERE partition_id = $1 AND updated_at > $2`,
		partitionID, time.Now().Add(-activeWindow),
	).Scan(&seq)
	if err != nil {
		return 0, false, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("cursor: oldest active: %w", err))
	}
	if seq == nil {
		return 0, false, nil
	}
	return *seq, true, nil
}

// RemoveStale deletes cursors that haven't been updated within maxAge.
// Nothing in this module calls it; OldestActiveCursor already ignores
// cursors older than its active window when the prune watermark is
// computed.
func (s *Store) RemoveStale(ctx context.Context, pool *pgxpool.Pool, partitionID string, maxAge time.Duration) error {
	_, err := pool.Exec(ctx,
		`DELETE FROM sync_client_cursors WHERE partition_id = $1 AND updated_at < $2`,
		partitionID, time.Now().Add(-maxAge))
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("cursor: remove stale: %w", err))
	}
	return nil
}
