// Package push implements the push pipeline: validate,
// dedupe by idempotency key, apply each operation transactionally
// through its table handler, attempt automatic merge on conflict,
// append the resulting commit in the same transaction, and notify
// realtime subscribers.
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbase/syncd/internal/commitlog"
	"github.com/driftbase/syncd/internal/handler"
	"github.com/driftbase/syncd/internal/merge"
	"github.com/driftbase/syncd/internal/syncerr"
	"github.com/driftbase/syncd/internal/telemetry"
)

// Notifier receives a freshly appended commit for realtime fan-out.
// Implemented by internal/realtime.Registry; kept as a narrow
// interface here so the push pipeline doesn't import the connection
// registry or gorilla/websocket directly.
type Notifier interface {
	NotifyCommit(partitionID string, commit commitlog.Commit)
}

// Request is one push call's full payload.
type Request struct {
	PartitionID    string
	ActorID        string
	ClientID       string
	ClientCommitID string
	SchemaVersion  int
	Meta           json.RawMessage
	Operations     []handler.Operation
}

// ResponseStatus is the overall outcome of a push call.
type ResponseStatus string

const (
	ResponseStatusApplied  ResponseStatus = "applied"
	ResponseStatusCached   ResponseStatus = "cached"
	ResponseStatusRejected ResponseStatus = "rejected"
)

// OpResult is the per-operation outcome reported back to the caller.
type OpResult struct {
	OpIndex          int              `json:"opIndex"`
	Table            string           `json:"table"`
	RowID            string           `json:"rowId"`
	Status           handler.OpStatus `json:"status"`
	AppliedRow       json.RawMessage  `json:"appliedRow,omitempty"`
	RowVersion       int64            `json:"rowVersion,omitempty"`
	ServerRow        json.RawMessage  `json:"serverRow,omitempty"`
	ConflictedFields []string         `json:"conflictedFields,omitempty"`
	RejectReason     string           `json:"rejectReason,omitempty"`
}

// Response is the full push result, cacheable verbatim as a commit's
// result_json for idempotent replay.
type Response struct {
	Status    ResponseStatus `json:"status"`
	CommitSeq int64          `json:"commitSeq,omitempty"`
	Deduped   bool           `json:"deduped"`
	Results   []OpResult     `json:"results"`
}

// Pipeline wires the commit log, handler registry, and realtime
// notifier together into the push operation.
type Pipeline struct {
	commits   *commitlog.Store
	handlers  *handler.Registry
	notifier  Notifier
	telemetry telemetry.Recorder
	minSchema int
	maxSchema int
}

// New builds a push Pipeline.
func New(commits *commitlog.Store, handlers *handler.Registry, notifier Notifier, rec telemetry.Recorder, minSchema, maxSchema int) *Pipeline {
	if rec == nil {
		rec = telemetry.NewNoop()
	}
	return &Pipeline{
		commits:   commits,
		handlers:  handlers,
		notifier:  notifier,
		telemetry: rec,
		minSchema: minSchema,
		maxSchema: maxSchema,
	}
}

// Push runs the full pipeline for one request.
func (p *Pipeline) Push(ctx context.Context, pool *pgxpool.Pool, req Request) (Response, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "push.Push",
		telemetry.F("partitionId", req.PartitionID), telemetry.F("clientId", req.ClientID))
	var err error
	defer func() { span.End(err) }()

	if req.SchemaVersion < p.minSchema || req.SchemaVersion > p.maxSchema {
		err = syncerr.New(syncerr.CodeSchemaVersionUnsupported,
			fmt.Sprintf("schema version %d not in supported range [%d, %d]", req.SchemaVersion, p.minSchema, p.maxSchema))
		return Response{}, err
	}
	if req.ClientID == "" || req.ClientCommitID == "" {
		err = syncerr.New(syncerr.CodeInvalidRequest, "clientId and clientCommitId are required")
		return Response{}, err
	}
	for _, op := range req.Operations {
		if _, ok := p.handlers.Get(op.Table); !ok {
			err = syncerr.New(syncerr.CodeUnknownTable, fmt.Sprintf("unknown table %q", op.Table))
			return Response{}, err
		}
	}

	if existing, lookupErr := p.commits.GetByIdempotencyKey(ctx, pool, req.PartitionID, req.ClientID, req.ClientCommitID); lookupErr != nil {
		err = lookupErr
		return Response{}, err
	} else if existing != nil {
		cached, cacheErr := replayCached(existing)
		if cacheErr != nil {
			err = cacheErr
			return Response{}, err
		}
		p.telemetry.Count("push.deduped", 1)
		return cached, nil
	}

	results := make([]OpResult, len(req.Operations))
	changes := make([]commitlog.NewChange, 0, len(req.Operations))
	rejected := false

	tx, err := pool.Begin(ctx)
	if err != nil {
		err = syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("push: begin tx: %w", err))
		return Response{}, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	for i, op := range req.Operations {
		h, _ := p.handlers.Get(op.Table)

		applyResult, applyErr := h.ApplyOperation(ctx, tx, req.ActorID, op)
		if applyErr != nil {
			err = syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("push: apply %s/%s: %w", op.Table, op.RowID, applyErr))
			return Response{}, err
		}

		if applyResult.Status == handler.StatusConflict {
			var resolution conflictResolution
			resolution, err = p.resolveConflict(ctx, tx, req.ActorID, h, op, applyResult)
			if err != nil {
				return Response{}, err
			}
			applyResult = resolution.ApplyResult

			if applyResult.Status == handler.StatusConflict {
				results[i] = OpResult{
					OpIndex:          i,
					Table:            op.Table,
					RowID:            op.RowID,
					Status:           handler.StatusConflict,
					ServerRow:        applyResult.ServerRow,
					ConflictedFields: resolution.conflictedFields,
				}
				p.telemetry.Count("push.conflict", 1, telemetry.F("table", op.Table))
				continue
			}
		}

		if applyResult.Status == handler.StatusRejected {
			results[i] = OpResult{
				OpIndex:      i,
				Table:        op.Table,
				RowID:        op.RowID,
				Status:       handler.StatusRejected,
				RejectReason: applyResult.RejectReason,
			}
			rejected = true
			continue
		}

		results[i] = OpResult{
			OpIndex:    i,
			Table:      op.Table,
			RowID:      op.RowID,
			Status:     handler.StatusApplied,
			AppliedRow: applyResult.AppliedRow,
			RowVersion: applyResult.RowVersion,
		}

		rowVersion := applyResult.RowVersion
		changes = append(changes, commitlog.NewChange{
			Table:      op.Table,
			RowID:      op.RowID,
			Op:         commitlog.Op(op.Op),
			RowJSON:    applyResult.AppliedRow,
			RowVersion: &rowVersion,
			Scopes:     applyResult.Scopes,
		})
	}

	if rejected {
		// A rejected operation aborts the whole batch: no mutation this
		// transaction applied is durable, and no commit is appended.
		p.telemetry.Count("push.rejected", 1, telemetry.F("partitionId", req.PartitionID))
		return Response{Status: ResponseStatusRejected, Results: results}, nil
	}

	appendResult, err := p.commits.AppendInTx(ctx, tx, req.PartitionID, req.ActorID, req.ClientID, req.ClientCommitID, req.Meta, changes, nil)
	if err != nil {
		return Response{}, err
	}

	if appendResult.Deduped {
		// A concurrent push already committed this idempotency key
		// between our lookup above and this transaction's insert
		// attempt; discard this attempt's mutations and replay the
		// winner's recorded result instead of double-applying.
		tx.Rollback(ctx)
		committed = true

		existing, lookupErr := p.commits.GetByIdempotencyKey(ctx, pool, req.PartitionID, req.ClientID, req.ClientCommitID)
		if lookupErr != nil {
			err = lookupErr
			return Response{}, err
		}
		cached, cacheErr := replayCached(existing)
		if cacheErr != nil {
			err = cacheErr
			return Response{}, err
		}
		p.telemetry.Count("push.deduped", 1)
		return cached, nil
	}

	if err = tx.Commit(ctx); err != nil {
		err = syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("push: commit tx: %w", err))
		return Response{}, err
	}
	committed = true

	response := Response{Status: ResponseStatusApplied, CommitSeq: appendResult.CommitSeq, Deduped: false, Results: results}

	resultJSON, marshalErr := json.Marshal(response)
	if marshalErr == nil {
		_ = p.commits.SetResultJSON(ctx, pool, req.PartitionID, appendResult.CommitSeq, resultJSON)
	}

	if p.notifier != nil {
		commit, readErr := p.commits.ReadCommits(ctx, pool, req.PartitionID, appendResult.CommitSeq-1, nil, 1)
		if readErr == nil && len(commit) == 1 {
			p.notifier.NotifyCommit(req.PartitionID, commit[0])
		}
	}
	p.telemetry.Count("push.committed", 1, telemetry.F("partitionId", req.PartitionID))

	return response, nil
}

// conflictResolution extends handler.ApplyResult with the merge
// library's field-level conflict names for an unresolved conflict;
// kept out of handler.ApplyResult itself since only this pipeline
// needs it.
type conflictResolution struct {
	handler.ApplyResult
	conflictedFields []string
}

// resolveConflict attempts automatic merge for handlers that opt in
// via handler.MergeableHandler, retrying ApplyOperation once with the
// merged payload. Handlers that don't implement MergeableHandler, or
// answer false from SupportsAutomerge, keep their simple
// version-number optimistic-locking conflict as-is.
func (p *Pipeline) resolveConflict(ctx context.Context, tx pgx.Tx, actorID string, h handler.TableHandler, op handler.Operation, applyResult handler.ApplyResult) (conflictResolution, error) {
	mh, ok := h.(handler.MergeableHandler)
	if !ok || !mh.SupportsAutomerge() {
		return conflictResolution{ApplyResult: applyResult}, nil
	}

	outcome, mergeErr := merge.ThreeWay(applyResult.BaseRow, applyResult.ServerRow, op.Payload)
	if mergeErr != nil {
		return conflictResolution{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("push: merge %s/%s: %w", op.Table, op.RowID, mergeErr))
	}
	if !outcome.Resolved() {
		return conflictResolution{ApplyResult: applyResult, conflictedFields: outcome.Conflicted}, nil
	}

	mergedJSON, marshalErr := json.Marshal(outcome.Merged)
	if marshalErr != nil {
		return conflictResolution{}, syncerr.Wrap(syncerr.CodeStorageError, marshalErr)
	}
	retryOp := op
	retryOp.Payload = mergedJSON
	retryOp.BaseVersion = &applyResult.ServerRowVersion

	retryResult, retryErr := h.ApplyOperation(ctx, tx, actorID, retryOp)
	if retryErr != nil {
		return conflictResolution{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("push: merge-retry %s/%s: %w", op.Table, op.RowID, retryErr))
	}
	return conflictResolution{ApplyResult: retryResult, conflictedFields: outcome.Conflicted}, nil
}

func replayCached(existing *commitlog.Commit) (Response, error) {
	var cached Response
	if existing != nil && len(existing.ResultJSON) > 0 {
		if err := json.Unmarshal(existing.ResultJSON, &cached); err != nil {
			return Response{}, syncerr.Wrap(syncerr.CodeStorageError, err)
		}
	}
	if existing != nil {
		cached.CommitSeq = existing.CommitSeq
	}
	cached.Deduped = true
	cached.Status = ResponseStatusCached
	return cached, nil
}
