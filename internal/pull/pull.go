// Package pull implements the pull pipeline: resolve a
// subscription's scopes, decide between incremental delivery and a
// paged bootstrap snapshot, detect forced re-bootstraps, and assemble
// a response per subscription while deduping rows a client would
// otherwise see twice across the subscriptions of one pull call.
package pull

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbase/syncd/internal/commitlog"
	"github.com/driftbase/syncd/internal/cursor"
	"github.com/driftbase/syncd/internal/handler"
	"github.com/driftbase/syncd/internal/scope"
	"github.com/driftbase/syncd/internal/snapshot"
	"github.com/driftbase/syncd/internal/syncerr"
	"github.com/driftbase/syncd/internal/telemetry"
)

// Mode distinguishes the two delivery strategies a pull response can use.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeBootstrap   Mode = "bootstrap"
)

// SubscriptionRequest is one table's worth of scope interest within a
// pull call. Every subscription in a request carries its own cursor
// and is resolved and delivered independently, so one pull call can
// freely mix a subscription that needs a fresh bootstrap with others
// that are purely incremental.
type SubscriptionRequest struct {
	ID        string // client-assigned; echoed back on the matching SubscriptionResponse
	Table     string
	ScopeKey  string              // pattern key, e.g. "org"
	ScopeVars map[string][]string // multi-valued variable bindings
	Cursor    int64               // exclusive; negative means "no prior cursor, bootstrap"
	RowCursor string              // pagination cursor within this subscription's in-progress bootstrap page
	RowLimit  int
}

// Request is a full pull call.
type Request struct {
	PartitionID   string
	ActorID       string
	ClientID      string
	Subscriptions []SubscriptionRequest
	DedupeRows    bool
}

// BootstrapState reports where a subscription's bootstrap snapshot stands.
type BootstrapState struct {
	AsOfCommitSeq int64  `json:"asOfCommitSeq"`
	IsFirstPage   bool   `json:"isFirstPage"`
	IsLastPage    bool   `json:"isLastPage"`
	NextRowCursor string `json:"nextRowCursor,omitempty"`
}

// SubscriptionResponse is one subscription's independent pull result.
type SubscriptionResponse struct {
	ID              string             `json:"id"`
	Table           string             `json:"table"`
	Mode            Mode               `json:"mode"`
	Cursor          int64              `json:"cursor"`
	Changes         []commitlog.Change `json:"changes,omitempty"`
	Rows            []json.RawMessage  `json:"rows,omitempty"`
	BootstrapState  *BootstrapState    `json:"bootstrapState,omitempty"`
	ForcedBootstrap bool               `json:"forcedBootstrap"`
}

// Response is the full pull result delivered to a client: one entry
// per requested subscription, in request order.
type Response struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// Pipeline wires the commit log, handler registry, and snapshot chunk
// store together into the pull operation.
type Pipeline struct {
	commits      *commitlog.Store
	handlers     *handler.Registry
	snapshots    *snapshot.Store
	cursors      *cursor.Store
	telemetry    telemetry.Recorder
	defaultLimit int
}

// New builds a pull Pipeline.
func New(commits *commitlog.Store, handlers *handler.Registry, snapshots *snapshot.Store, cursors *cursor.Store, rec telemetry.Recorder) *Pipeline {
	if rec == nil {
		rec = telemetry.NewNoop()
	}
	return &Pipeline{commits: commits, handlers: handlers, snapshots: snapshots, cursors: cursors, telemetry: rec, defaultLimit: 500}
}

// Pull runs the full pipeline for one request, resolving and
// delivering every subscription independently.
func (p *Pipeline) Pull(ctx context.Context, pool *pgxpool.Pool, req Request) (Response, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "pull.Pull",
		telemetry.F("partitionId", req.PartitionID), telemetry.F("clientId", req.ClientID))
	var err error
	defer func() { span.End(err) }()

	oldestRetained, err := p.commits.OldestRetainedCommitSeq(ctx, pool, req.PartitionID)
	if err != nil {
		return Response{}, err
	}

	subResponses := make([]SubscriptionResponse, 0, len(req.Subscriptions))
	effectiveScopes := make(map[string][]string, len(req.Subscriptions))
	minCursor := int64(-1)
	seen := map[string]struct{}{}

	for _, sub := range req.Subscriptions {
		h, ok := p.handlers.Get(sub.Table)
		if !ok {
			err = syncerr.New(syncerr.CodeUnknownTable, fmt.Sprintf("unknown table %q", sub.Table))
			return Response{}, err
		}
		registry, _ := p.handlers.ScopesFor(sub.Table)

		resolvedVars, resolveErr := h.ResolveScopes(ctx, req.ActorID, sub.ScopeVars)
		if resolveErr != nil {
			err = syncerr.Wrap(syncerr.CodeForbidden, resolveErr)
			return Response{}, err
		}

		keys, expandErr := registry.ExpandSubscription(sub.ScopeKey, resolvedVars)
		if expandErr != nil {
			err = syncerr.Wrap(syncerr.CodeInvalidRequest, expandErr)
			return Response{}, err
		}

		forced, forcedErr := p.forcedBootstrap(ctx, pool, req.PartitionID, sub, oldestRetained)
		if forcedErr != nil {
			err = forcedErr
			return Response{}, err
		}
		needsBootstrap := sub.Cursor < 0 || forced

		var subResp SubscriptionResponse
		if needsBootstrap {
			subResp, err = p.bootstrapOne(ctx, pool, req, sub, keys, forced)
		} else {
			subResp, err = p.incrementalOne(ctx, pool, req, sub, keys, seen)
		}
		if err != nil {
			return Response{}, err
		}

		subResponses = append(subResponses, subResp)
		effectiveScopes[sub.Table] = keys
		if minCursor < 0 || subResp.Cursor < minCursor {
			minCursor = subResp.Cursor
		}
	}

	if p.cursors != nil && req.ClientID != "" && minCursor >= 0 {
		marshaled, marshalErr := json.Marshal(effectiveScopes)
		if marshalErr == nil {
			_ = p.cursors.Upsert(ctx, pool, cursor.Cursor{
				PartitionID:     req.PartitionID,
				ClientID:        req.ClientID,
				ActorID:         req.ActorID,
				Position:        minCursor,
				EffectiveScopes: marshaled,
			})
		}
	}

	return Response{Subscriptions: subResponses}, nil
}

// forcedBootstrap reports whether a subscription already past its
// initial bootstrap (Cursor >= 0) must re-bootstrap anyway: either
// because its cursor has fallen behind the oldest commit still
// retained, or because an external-data notification touched its
// table since that cursor.
func (p *Pipeline) forcedBootstrap(ctx context.Context, pool *pgxpool.Pool, partitionID string, sub SubscriptionRequest, oldestRetained int64) (bool, error) {
	if sub.Cursor < 0 {
		return false, nil
	}
	if oldestRetained > 0 && sub.Cursor < oldestRetained {
		return true, nil
	}
	externalTables, err := p.commits.ExternalTables(ctx, pool, partitionID, sub.Cursor)
	if err != nil {
		return false, err
	}
	return externalTables[sub.Table], nil
}

func (p *Pipeline) incrementalOne(ctx context.Context, pool *pgxpool.Pool, req Request, sub SubscriptionRequest, keys []string, seen map[string]struct{}) (SubscriptionResponse, error) {
	keySet := scope.KeySet(keys)

	commits, err := p.commits.ReadCommits(ctx, pool, req.PartitionID, sub.Cursor, []string{sub.Table}, p.defaultLimit)
	if err != nil {
		return SubscriptionResponse{}, err
	}

	var changes []commitlog.Change
	newCursor := sub.Cursor

	for _, c := range commits {
		newCursor = c.CommitSeq
		for _, ch := range c.Changes {
			if ch.Table != sub.Table {
				continue
			}
			changeScopes := make([]string, 0, len(ch.Scopes))
			for _, v := range ch.Scopes {
				changeScopes = append(changeScopes, v)
			}
			if !scope.MatchesAny(changeScopes, keySet) {
				continue
			}
			if req.DedupeRows {
				dedupeKey := ch.Table + "\x00" + ch.RowID
				if _, dup := seen[dedupeKey]; dup {
					continue
				}
				seen[dedupeKey] = struct{}{}
			}
			changes = append(changes, ch)
		}
	}

	p.telemetry.Count("pull.incremental", 1, telemetry.F("partitionId", req.PartitionID), telemetry.F("table", sub.Table))
	return SubscriptionResponse{
		ID:      sub.ID,
		Table:   sub.Table,
		Mode:    ModeIncremental,
		Cursor:  newCursor,
		Changes: changes,
	}, nil
}

func (p *Pipeline) bootstrapOne(ctx context.Context, pool *pgxpool.Pool, req Request, sub SubscriptionRequest, keys []string, forced bool) (SubscriptionResponse, error) {
	asOf, err := p.commits.LatestCommitSeq(ctx, pool, req.PartitionID)
	if err != nil {
		return SubscriptionResponse{}, err
	}

	h, _ := p.handlers.Get(sub.Table)
	limit := sub.RowLimit
	if limit <= 0 {
		limit = p.defaultLimit
	}

	var rows []json.RawMessage
	isLastPage := true
	nextRowCursor := ""

	for _, scopeKey := range keys {
		key := snapshot.Key{
			PartitionID:   req.PartitionID,
			ScopeKey:      scopeKey,
			Scope:         sub.Table,
			AsOfCommitSeq: asOf,
			RowCursor:     sub.RowCursor,
			RowLimit:      limit,
			Encoding:      "json-row-frame-v1",
			Compression:   "gzip",
		}

		var page handler.SnapshotPage
		chunk, chunkErr := p.snapshots.FindOrStore(ctx, pool, key, func(ctx context.Context) ([]json.RawMessage, error) {
			tx, beginErr := pool.Begin(ctx)
			if beginErr != nil {
				return nil, beginErr
			}
			defer tx.Rollback(ctx)
			var snapErr error
			page, snapErr = h.Snapshot(ctx, tx, scopeKey, asOf, sub.RowCursor, limit)
			if snapErr != nil {
				return nil, snapErr
			}
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return nil, commitErr
			}
			return page.Rows, nil
		})
		if chunkErr != nil {
			return SubscriptionResponse{}, chunkErr
		}

		chunkRows, readErr := p.snapshots.ReadRows(ctx, chunk)
		if readErr != nil {
			return SubscriptionResponse{}, readErr
		}
		rows = append(rows, chunkRows...)

		if page.NextCursor != "" {
			isLastPage = false
			nextRowCursor = page.NextCursor
		}
	}

	p.telemetry.Count("pull.bootstrap", 1, telemetry.F("partitionId", req.PartitionID), telemetry.F("table", sub.Table), telemetry.F("forced", forced))

	return SubscriptionResponse{
		ID:              sub.ID,
		Table:           sub.Table,
		Mode:            ModeBootstrap,
		Cursor:          asOf,
		Rows:            rows,
		ForcedBootstrap: forced,
		BootstrapState: &BootstrapState{
			AsOfCommitSeq: asOf,
			IsFirstPage:   sub.RowCursor == "",
			IsLastPage:    isLastPage,
			NextRowCursor: nextRowCursor,
		},
	}, nil
}
