// Package storage manages the PostgreSQL connection pools backing the
// sync engine and bootstraps schema on startup. Every commit, change,
// cursor, subscription, and chunk is scoped to a partition; this
// package resolves a partition identifier to the pgx pool that holds
// its rows.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool with application-level helpers.
type DB struct {
	Pool *pgxpool.Pool
}

// Close shuts down the connection pool. Call this during graceful shutdown.
func (db *DB) Close() {
	db.Pool.Close()
}

// ManagementDB wraps the management database pool (partition registry).
type ManagementDB struct {
	Pool     *pgxpool.Pool
	connBase string // connection string template without database name
}

// OpenManagement connects to the management database, verifies the
// connection, and bootstraps the management schema.
func OpenManagement(ctx context.Context, connString, connBase string) (*ManagementDB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage: parse config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ManagementSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: bootstrap management schema: %w", err)
	}

	return &ManagementDB{Pool: pool, connBase: connBase}, nil
}

// Close shuts down the management database pool.
func (m *ManagementDB) Close() {
	m.Pool.Close()
}

// CreatePartitionDB creates a new PostgreSQL database for a partition.
// CREATE DATABASE cannot run inside a transaction, so this uses a
// direct query on the management pool.
func (m *ManagementDB) CreatePartitionDB(ctx context.Context, dbName string) error {
	// The name is generated internally (SanitizePartitionDBName), never
	// taken verbatim from user input, so direct identifier quoting is safe.
	_, err := m.Pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %q`, dbName))
	if err != nil {
		return fmt.Errorf("storage: create partition db %q: %w", dbName, err)
	}
	return nil
}

// DropPartitionDB drops a partition database. Used on partition removal.
func (m *ManagementDB) DropPartitionDB(ctx context.Context, dbName string) error {
	_, err := m.Pool.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %q`, dbName))
	if err != nil {
		return fmt.Errorf("storage: drop partition db %q: %w", dbName, err)
	}
	return nil
}

// PoolManager maps partition identifiers to tenant database connection
// pools. The core never caches connections across request boundaries
// — it borrows the pool for the duration of one push/pull
// call via Get.
type PoolManager struct {
	mu       sync.RWMutex
	pools    map[string]*pgxpool.Pool
	connBase string
}

// NewPoolManager creates an empty pool manager.
func NewPoolManager(connBase string) *PoolManager {
	return &PoolManager{
		pools:    make(map[string]*pgxpool.Pool),
		connBase: connBase,
	}
}

// Get returns the pool for a partition. Returns nil if not found.
func (pm *PoolManager) Get(partitionID string) *pgxpool.Pool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pools[partitionID]
}

// Add opens a connection pool for a partition database, bootstraps the
// partition schema, and registers it in the pool manager.
func (pm *PoolManager) Add(ctx context.Context, partitionID, dbName string) error {
	connStr := pm.connBase + "/" + dbName + "?sslmode=disable"

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return fmt.Errorf("storage: parse partition config for %q: %w", partitionID, err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: connect partition %q: %w", partitionID, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("storage: ping partition %q: %w", partitionID, err)
	}

	if _, err := pool.Exec(ctx, PartitionSchema); err != nil {
		pool.Close()
		return fmt.Errorf("storage: bootstrap partition schema for %q: %w", partitionID, err)
	}

	pm.mu.Lock()
	pm.pools[partitionID] = pool
	pm.mu.Unlock()

	return nil
}

// Remove closes and deregisters the pool for a partition.
func (pm *PoolManager) Remove(partitionID string) {
	pm.mu.Lock()
	if pool, ok := pm.pools[partitionID]; ok {
		pool.Close()
		delete(pm.pools, partitionID)
	}
	pm.mu.Unlock()
}

// Close shuts down all partition pools.
func (pm *PoolManager) Close() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for id, pool := range pm.pools {
		pool.Close()
		delete(pm.pools, id)
	}
}
