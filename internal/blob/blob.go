// Package blob provides a concrete content-addressed BlobBackend for
// the snapshot chunk store (internal/snapshot), offloading chunk
// bodies above the store's inline size threshold into a table of their
// own (snapshot_chunk_blobs) instead of sync_snapshot_chunks.body.
package blob

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema bootstraps the blob table. Kept separate from
// storage.PartitionSchema since a backend is only needed by
// deployments that opt into out-of-line chunk storage.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshot_chunk_blobs (
    hash VARCHAR(71) PRIMARY KEY,
    data BYTEA NOT NULL
);
`

// Store is a pgx-backed snapshot.BlobBackend: chunk bodies are stored
// once per content hash and shared across every sync_snapshot_chunks
// row that references them.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a blob Store bound to the pool that holds the
// snapshot_chunk_blobs table; cmd/syncd-server passes the management
// database's pool, shared by every partition.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Put stores a chunk body under its content hash. A second Put for the
// same hash is a no-op: the body is already content-addressed and
// therefore identical.
func (s *Store) Put(ctx context.Context, hash string, body []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshot_chunk_blobs (hash, data) VALUES ($1, $2)
		 ON CONFLICT (hash) DO NOTHING`,
		hash, body,
	)
	if err != nil {
		return fmt.Errorf("blob: put %q: %w", hash, err)
	}
	return nil
}

// Get retrieves a chunk body by its content hash.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM snapshot_chunk_blobs WHERE hash = $1`, hash).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("blob: get %q: %w", hash, err)
	}
	return data, nil
}
