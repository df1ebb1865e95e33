// Package partition provides the data model and CRUD operations for
// sync partitions. A partition is a tenant/isolation boundary: every
// commit, change, cursor, subscription, and chunk is scoped to one
// partition, and no two partitions share state. Each partition is
// backed by its own tenant database, named by
// storage.SanitizePartitionDBName.
package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftbase/syncd/internal/storage"
)

// ErrNotFound is returned when a partition lookup finds no matching row.
var ErrNotFound = errors.New("partition: not found")

// DefaultPartitionID is used when the front end does not supply one
//.
const DefaultPartitionID = "default"

// Partition represents a single tenant/isolation boundary.
type Partition struct {
	ID          int       `json:"id"`
	PartitionID string    `json:"partitionId"`
	DBName      string    `json:"dbName"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Valid statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Store provides partition CRUD operations backed by PostgreSQL.
type Store struct {
	db *storage.ManagementDB
}

// NewStore creates a partition Store.
func NewStore(db *storage.ManagementDB) *Store {
	return &Store{db: db}
}

// Ensure returns the partition for partitionID, creating it (and its
// tenant database name) if it does not already exist. The caller is
// responsible for opening the tenant pool via storage.PoolManager.Add.
func (s *Store) Ensure(ctx context.Context, partitionID string) (*Partition, error) {
	existing, err := s.GetByID(ctx, partitionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.add(ctx, partitionID)
}

func (s *Store) add(ctx context.Context, partitionID string) (*Partition, error) {
	dbName := storage.SanitizePartitionDBName(partitionID)

	var p Partition
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO partitions (partition_id, db_name) VALUES ($1, $2)
		 RETURNING id, partition_id, db_name, status, created_at, updated_at`,
		partitionID, dbName,
	).Scan(&p.ID, &p.PartitionID, &p.DBName, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("partition: add %q: %w", partitionID, err)
	}
	return &p, nil
}

// List returns all partitions ordered by partition_id.
func (s *Store) List(ctx context.Context) ([]Partition, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, partition_id, db_name, status, created_at, updated_at
		 FROM partitions ORDER BY partition_id`)
	if err != nil {
		return nil, fmt.Errorf("partition: list: %w", err)
	}
	defer rows.Close()

	partitions := []Partition{} // empty slice, not nil (clean JSON: [] not null)
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.ID, &p.PartitionID, &p.DBName, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("partition: list scan: %w", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// ListActive returns only partitions with status "active".
func (s *Store) ListActive(ctx context.Context) ([]Partition, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, partition_id, db_name, status, created_at, updated_at
		 FROM partitions WHERE status = $1 ORDER BY partition_id`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("partition: list active: %w", err)
	}
	defer rows.Close()

	partitions := []Partition{}
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.ID, &p.PartitionID, &p.DBName, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("partition: list active scan: %w", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// GetByID returns a single partition by its identifier.
// Returns ErrNotFound if no partition matches.
func (s *Store) GetByID(ctx context.Context, partitionID string) (*Partition, error) {
	var p Partition
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, partition_id, db_name, status, created_at, updated_at
		 FROM partitions WHERE partition_id = $1`,
		partitionID,
	).Scan(&p.ID, &p.PartitionID, &p.DBName, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, partitionID)
	}
	if err != nil {
		return nil, fmt.Errorf("partition: get %q: %w", partitionID, err)
	}
	return &p, nil
}

// UpdateStatus changes a partition's status. Returns ErrNotFound if the
// partition does not exist.
func (s *Store) UpdateStatus(ctx context.Context, partitionID, status string) (*Partition, error) {
	var p Partition
	err := s.db.Pool.QueryRow(ctx,
		`UPDATE partitions SET status = $1, updated_at = NOW()
		 WHERE partition_id = $2
		 RETURNING id, partition_id, db_name, status, created_at, updated_at`,
		status, partitionID,
	).Scan(&p.ID, &p.PartitionID, &p.DBName, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, partitionID)
	}
	if err != nil {
		return nil, fmt.Errorf("partition: update status %q: %w", partitionID, err)
	}
	return &p, nil
}

// Remove deletes a partition by id and returns its db_name so the
// caller can drop the tenant database. Returns ErrNotFound if the
// partition does not exist.
func (s *Store) Remove(ctx context.Context, partitionID string) (dbName string, err error) {
	err = s.db.Pool.QueryRow(ctx,
		`DELETE FROM partitions WHERE partition_id = $1 RETURNING db_name`, partitionID,
	).Scan(&dbName)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, partitionID)
	}
	if err != nil {
		return "", fmt.Errorf("partition: remove %q: %w", partitionID, err)
	}
	return dbName, nil
}
