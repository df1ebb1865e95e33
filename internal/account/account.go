// Package account provides a reference actor store the bundled
// front end uses to authenticate sync clients. It is deliberately
// minimal — the sync engine core never depends on it, any identity
// provider that can hand out a partitionId/actorId pair can substitute
// for it in a real deployment.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftbase/syncd/internal/storage"
)

// Sentinel errors for actor operations.
var (
	ErrNotFound    = errors.New("account: not found")
	ErrActorTaken  = errors.New("account: actorId already taken")
)

// Valid statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Actor represents one authenticatable caller within a partition.
type Actor struct {
	ID          int       `json:"id"`
	ActorID     string    `json:"actorId"`
	PartitionID string    `json:"partitionId"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateParams holds the parameters for creating a new actor.
type CreateParams struct {
	ActorID     string
	PartitionID string
	Password    string // plaintext, will be hashed
}

// Store provides actor CRUD operations, backed by each partition's
// tenant database (the actors table lives alongside the sync tables it
// authenticates access to).
type Store struct {
	db *storage.DB
}

// NewStore creates an actor Store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Schema bootstraps the actors table. Not part of storage.PartitionSchema
// since the reference actor store is an optional front-end concern, not
// part of the sync engine core.
const Schema = `
CREATE TABLE IF NOT EXISTS actors (
    id           SERIAL PRIMARY KEY,
    actor_id     VARCHAR(255) UNIQUE NOT NULL,
    partition_id VARCHAR(253) NOT NULL,
    password     VARCHAR(255) NOT NULL,
    status       VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Create inserts a new actor, hashing its password.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Actor, error) {
	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, fmt.Errorf("account: create: %w", err)
	}

	var a Actor
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO actors (actor_id, partition_id, password)
		 VALUES ($1, $2, $3)
		 RETURNING id, actor_id, partition_id, status, created_at, updated_at`,
		p.ActorID, p.PartitionID, hash,
	).Scan(&a.ID, &a.ActorID, &a.PartitionID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("account: create %q: %w", p.ActorID, err)
	}
	return &a, nil
}

// GetByActorID returns an actor by its actorId.
func (s *Store) GetByActorID(ctx context.Context, actorID string) (*Actor, error) {
	var a Actor
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, actor_id, partition_id, status, created_at, updated_at
		 FROM actors WHERE actor_id = $1`,
		actorID,
	).Scan(&a.ID, &a.ActorID, &a.PartitionID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, actorID)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get %q: %w", actorID, err)
	}
	return &a, nil
}

// UpdateStatus changes an actor's status.
func (s *Store) UpdateStatus(ctx context.Context, actorID, status string) (*Actor, error) {
	var a Actor
	err := s.db.Pool.QueryRow(ctx,
		`UPDATE actors SET status = $1, updated_at = NOW()
		 WHERE actor_id = $2
		 RETURNING id, actor_id, partition_id, status, created_at, updated_at`,
		status, actorID,
	).Scan(&a.ID, &a.ActorID, &a.PartitionID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, actorID)
	}
	if err != nil {
		return nil, fmt.Errorf("account: update status %q: %w", actorID, err)
	}
	return &a, nil
}

// VerifyPassword checks the password for an actor. Returns the Actor
// on success or an error if the actorId is unknown or the password
// doesn't match.
func (s *Store) VerifyPassword(ctx context.Context, actorID, password string) (*Actor, error) {
	var a Actor
	var hash string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, actor_id, partition_id, password, status, created_at, updated_at
		 FROM actors WHERE actor_id = $1`,
		actorID,
	).Scan(&a.ID, &a.ActorID, &a.PartitionID, &hash, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, actorID)
	}
	if err != nil {
		return nil, fmt.Errorf("account: verify password %q: %w", actorID, err)
	}

	if err := CheckPassword(hash, password); err != nil {
		return nil, fmt.Errorf("account: invalid password for %q", actorID)
	}
	return &a, nil
}
