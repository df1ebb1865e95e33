// Package commitlog implements the Commit Log Store: the
// authoritative, per-partition append-only log. It assigns a strictly
// monotonic commitSeq via a Postgres BIGSERIAL sequence column and
// maintains the per-commit affected-tables index. A rolled-back insert
// still consumes a sequence value, so commitSeq can have holes; readers
// rely only on its ordering.
package commitlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbase/syncd/internal/syncerr"
)

// Op identifies a row-level effect.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// ExternalClientID marks synthetic commits produced by out-of-band data
// changes.
const ExternalClientID = "__external__"

// Change is one row-level effect inside a commit.
type Change struct {
	ChangeID    string            `json:"changeId"`
	CommitSeq   int64             `json:"commitSeq"`
	PartitionID string            `json:"partitionId"`
	Table       string            `json:"table"`
	RowID       string            `json:"rowId"`
	Op          Op                `json:"op"`
	RowJSON     json.RawMessage   `json:"rowJson,omitempty"`
	RowVersion  *int64            `json:"rowVersion,omitempty"`
	Scopes      map[string]string `json:"scopes"`
}

// Commit is one atomic, durable append to the partition's ordered log.
type Commit struct {
	CommitSeq      int64           `json:"commitSeq"`
	PartitionID    string          `json:"partitionId"`
	ActorID        string          `json:"actorId"`
	ClientID       string          `json:"clientId"`
	ClientCommitID string          `json:"clientCommitId"`
	CreatedAt      time.Time       `json:"createdAt"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	ResultJSON     json.RawMessage `json:"resultJson,omitempty"`
	ChangeCount    int             `json:"changeCount"`
	AffectedTables []string        `json:"affectedTables"`
	Changes        []Change        `json:"changes,omitempty"`
}

// NewChange is the input shape for appending a change; CommitSeq and
// PartitionID are assigned by Store.Append.
type NewChange struct {
	Table      string
	RowID      string
	Op         Op
	RowJSON    json.RawMessage
	RowVersion *int64
	Scopes     map[string]string
}

// Store provides commit log operations. It is stateless — every
// method receives the partition's tenant pool rather than holding one.
type Store struct {
	maxRetries int
}

// NewStore creates a commit log Store with bounded-retry defaults for
// serialization conflicts.
func NewStore() *Store {
	return &Store{maxRetries: 5}
}

// AppendResult is the outcome of Append.
type AppendResult struct {
	CommitSeq int64
	Deduped   bool
}

// Append inserts the Commit row, all Change rows, and one TableCommit
// row per distinct table touched, inside its own database transaction,
// retrying on serialization conflicts. If (partition, clientId,
// clientCommitId) already exists it returns the existing commitSeq
// with Deduped=true and performs no writes. affectedTables lets a
// caller record tables touched by a commit that carries no row-level
// changes (e.g. a synthetic external-data notification); when nil it
// is derived from changes.
func (s *Store) Append(ctx context.Context, pool *pgxpool.Pool, partitionID, actorID, clientID, clientCommitID string, meta json.RawMessage, changes []NewChange, affectedTables []string) (AppendResult, error) {
	var result AppendResult

	err := withSerializationRetry(ctx, s.maxRetries, func() error {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: begin tx: %w", err))
		}
		defer tx.Rollback(ctx)

		res, appendErr := appendInTx(ctx, tx, partitionID, actorID, clientID, clientCommitID, meta, changes, affectedTables)
		if appendErr != nil {
			return appendErr
		}

		if !res.Deduped {
			if err := tx.Commit(ctx); err != nil {
				if isSerializationFailure(err) {
					return syncerr.Wrap(syncerr.CodeStorageError, err).WithRetriable(true)
				}
				return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: commit tx: %w", err))
			}
		}

		result = res
		return nil
	})

	return result, err
}

// AppendInTx performs the same insert as Append but inside a
// caller-managed transaction, so the row mutations a handler applies
// and the commit-log entry recording them commit or roll back
// together. AppendInTx never commits or rolls back tx itself — the
// caller owns its lifecycle. It does not retry on serialization
// conflicts, since retrying would require replaying the caller's own
// row mutations too.
func (s *Store) AppendInTx(ctx context.Context, tx pgx.Tx, partitionID, actorID, clientID, clientCommitID string, meta json.RawMessage, changes []NewChange, affectedTables []string) (AppendResult, error) {
	return appendInTx(ctx, tx, partitionID, actorID, clientID, clientCommitID, meta, changes, affectedTables)
}

func appendInTx(ctx context.Context, tx pgx.Tx, partitionID, actorID, clientID, clientCommitID string, meta json.RawMessage, changes []NewChange, affectedTables []string) (AppendResult, error) {
	var existingSeq int64
	err := tx.QueryRow(ctx,
		`SELECT commit_seq FROM sync_commits
		 WHERE partition_id = $1 AND client_id = $2 AND client_commit_id = $3`,
		partitionID, clientID, clientCommitID,
	).Scan(&existingSeq)
	if err == nil {
		return AppendResult{CommitSeq: existingSeq, Deduped: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: dedupe check: %w", err))
	}

	tables := affectedTables
	if len(tables) == 0 {
		tableSet := map[string]struct{}{}
		for _, c := range changes {
			tableSet[c.Table] = struct{}{}
		}
		tables = make([]string, 0, len(tableSet))
		for t := range tableSet {
			tables = append(tables, t)
		}
	}

	var commitSeq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO sync_commits
		   (partition_id, actor_id, client_id, client_commit_id, meta, change_count, affected_tables)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING commit_seq`,
		partitionID, actorID, clientID, clientCommitID, meta, len(changes), tables,
	).Scan(&commitSeq)
	if err != nil {
		if isSerializationFailure(err) {
			return AppendResult{}, syncerr.Wrap(syncerr.CodeStorageError, err).WithRetriable(true)
		}
		return AppendResult{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: insert commit: %w", err))
	}

	for _, c := range changes {
		changeID := uuid.NewString()
		scopesJSON, marshalErr := json.Marshal(c.Scopes)
		if marshalErr != nil {
			return AppendResult{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: marshal scopes: %w", marshalErr))
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO sync_changes
			   (change_id, commit_seq, partition_id, table_name, row_id, op, row_json, row_version, scopes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			changeID, commitSeq, partitionID, c.Table, c.RowID, string(c.Op), c.RowJSON, c.RowVersion, scopesJSON,
		)
		if err != nil {
			return AppendResult{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: insert change: %w", err))
		}
	}

	for _, t := range tables {
		_, err = tx.Exec(ctx,
			`INSERT INTO sync_table_commits (commit_seq, partition_id, table_name) VALUES ($1, $2, $3)`,
			commitSeq, partitionID, t,
		)
		if err != nil {
			return AppendResult{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: insert table_commit: %w", err))
		}
	}

	return AppendResult{CommitSeq: commitSeq, Deduped: false}, nil
}

// SetResultJSON persists the full per-op result vector on a commit row
// for future idempotent replay.
func (s *Store) SetResultJSON(ctx context.Context, pool *pgxpool.Pool, partitionID string, commitSeq int64, resultJSON json.RawMessage) error {
	_, err := pool.Exec(ctx,
		`UPDATE sync_commits SET result_json = $1 WHERE partition_id = $2 AND commit_seq = $3`,
		resultJSON, partitionID, commitSeq)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: set result json: %w", err))
	}
	return nil
}

// GetByIdempotencyKey looks up an existing commit by its
// (partition, clientId, clientCommitId) idempotency key, including its
// persisted result_json, for push-pipeline replay.
func (s *Store) GetByIdempotencyKey(ctx context.Context, pool *pgxpool.Pool, partitionID, clientID, clientCommitID string) (*Commit, error) {
	var c Commit
	err := pool.QueryRow(ctx,
		`SELECT commit_seq, partition_id, actor_id, client_id, client_commit_id, created_at, meta, result_json, change_count, affected_tables
		 FROM sync_commits WHERE partition_id = $1 AND client_id = $2 AND client_commit_id = $3`,
		partitionID, clientID, clientCommitID,
	).Scan(&c.CommitSeq, &c.PartitionID, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.CreatedAt, &c.Meta, &c.ResultJSON, &c.ChangeCount, &c.AffectedTables)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: get by idempotency key: %w", err))
	}
	return &c, nil
}

// ReadCommits returns commits (with their changes) whose commitSeq is
// in (cursorExclusive, latest], optionally restricted to commits that
// touch at least one table in tableFilter, ascending by commitSeq, up
// to limit commits.
func (s *Store) ReadCommits(ctx context.Context, pool *pgxpool.Pool, partitionID string, cursorExclusive int64, tableFilter []string, limit int) ([]Commit, error) {
	var rows pgx.Rows
	var err error

	if len(tableFilter) > 0 {
		rows, err = pool.Query(ctx,
			`SELECT DISTINCT c.commit_seq, c.partition_id, c.actor_id, c.client_id, c.client_commit_id,
			        c.created_at, c.meta, c.result_json, c.change_count, c.affected_tables
			 FROM sync_commits c
			 JOIN sync_table_commits tc ON tc.partition_id = c.partition_id AND tc.commit_seq = c.commit_seq
			 WHERE c.partition_id = $1 AND c.commit_seq > $2 AND tc.table_name = ANY($3)
			 ORDER BY c.commit_seq ASC
			 LIMIT $4`,
			partitionID, cursorExclusive, tableFilter, limit)
	} else {
		rows, err = pool.Query(ctx,
			`SELECT commit_seq, partition_id, actor_id, client_id, client_commit_id,
			        created_at, meta, result_json, change_count, affected_tables
			 FROM sync_commits
			 WHERE partition_id = $1 AND commit_seq > $2
			 ORDER BY commit_seq ASC
			 LIMIT $3`,
			partitionID, cursorExclusive, limit)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: read commits: %w", err))
	}
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.CommitSeq, &c.PartitionID, &c.ActorID, &c.ClientID, &c.ClientCommitID,
			&c.CreatedAt, &c.Meta, &c.ResultJSON, &c.ChangeCount, &c.AffectedTables); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: scan commit: %w", err))
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageError, err)
	}

	if err := s.hydrateChanges(ctx, pool, partitionID, commits); err != nil {
		return nil, err
	}
	return commits, nil
}

func (s *Store) hydrateChanges(ctx context.Context, pool *pgxpool.Pool, partitionID string, commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}
	seqs := make([]int64, len(commits))
	index := make(map[int64]int, len(commits))
	for i, c := range commits {
		seqs[i] = c.CommitSeq
		index[c.CommitSeq] = i
	}

	rows, err := pool.Query(ctx,
		`SELECT change_id, commit_seq, partition_id, table_name, row_id, op, row_json, row_version, scopes
		 FROM sync_changes WHERE partition_id = $1 AND commit_seq = ANY($2)
		 ORDER BY commit_seq ASC, change_id ASC`,
		partitionID, seqs)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: read changes: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var ch Change
		var op string
		var scopesJSON []byte
		if err := rows.Scan(&ch.ChangeID, &ch.CommitSeq, &ch.PartitionID, &ch.Table, &ch.RowID, &op, &ch.RowJSON, &ch.RowVersion, &scopesJSON); err != nil {
			return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: scan change: %w", err))
		}
		ch.Op = Op(op)
		if len(scopesJSON) > 0 {
			if err := json.Unmarshal(scopesJSON, &ch.Scopes); err != nil {
				return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: unmarshal scopes: %w", err))
			}
		}
		i := index[ch.CommitSeq]
		commits[i].Changes = append(commits[i].Changes, ch)
	}
	return rows.Err()
}

// LatestCommitSeq returns the highest assigned commitSeq for a
// partition, or 0 if the partition has no commits yet.
func (s *Store) LatestCommitSeq(ctx context.Context, pool *pgxpool.Pool, partitionID string) (int64, error) {
	var seq int64
	err := pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = $1`,
		partitionID,
	).Scan(&seq)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: latest commit seq: %w", err))
	}
	return seq, nil
}

// OldestRetainedCommitSeq returns the lowest commitSeq still present
// for a partition, or 0 if the partition has no commits (i.e. nothing
// has been pruned away, or the log is empty).
func (s *Store) OldestRetainedCommitSeq(ctx context.Context, pool *pgxpool.Pool, partitionID string) (int64, error) {
	var seq int64
	err := pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(commit_seq), 0) FROM sync_commits WHERE partition_id = $1`,
		partitionID,
	).Scan(&seq)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: oldest retained commit seq: %w", err))
	}
	return seq, nil
}

// ExternalTables returns the set of tables touched by __external__
// commits with commitSeq > sinceExclusive, used by the pull pipeline's
// forced-bootstrap detection.
func (s *Store) ExternalTables(ctx context.Context, pool *pgxpool.Pool, partitionID string, sinceExclusive int64) (map[string]bool, error) {
	rows, err := pool.Query(ctx,
		`SELECT DISTINCT tc.table_name
		 FROM sync_commits c
		 JOIN sync_table_commits tc ON tc.partition_id = c.partition_id AND tc.commit_seq = c.commit_seq
		 WHERE c.partition_id = $1 AND c.client_id = $2 AND c.commit_seq > $3`,
		partitionID, ExternalClientID, sinceExclusive)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("commitlog: external tables: %w", err))
	}
	defer rows.Close()

	tables := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorageError, err)
		}
		tables[t] = true
	}
	return tables, rows.Err()
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" // serialization_failure
	}
	return false
}

// withSerializationRetry retries fn a bounded number of times with
// jittered backoff when it fails due to a Postgres serialization
// conflict.
func withSerializationRetry(ctx context.Context, maxRetries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		se, ok := syncerr.As(err)
		if !ok || !se.Retriable {
			return err
		}
		if attempt == maxRetries {
			break
		}
		backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
