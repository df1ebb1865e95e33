// Package handler defines the Handler Registry and the TableHandler
// contract. Each syncable table registers exactly one
// handler with the registry; the push and pull pipelines never touch
// SQL for a specific table directly — they dispatch through the
// handler interface, keeping transport concerns separate from
// per-table storage logic.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/driftbase/syncd/internal/scope"
)

// OpStatus is the per-operation outcome the push pipeline reports back
// to the caller.
type OpStatus string

const (
	StatusApplied  OpStatus = "applied"
	StatusConflict OpStatus = "conflict"
	StatusRejected OpStatus = "rejected"
)

// Operation is one client-submitted row mutation inside a push request.
type Operation struct {
	Table       string          `json:"table"`
	RowID       string          `json:"row_id"`
	Op          string          `json:"op"` // "upsert" | "delete"
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *int64          `json:"base_version,omitempty"`
}

// ApplyResult is what a TableHandler returns for one Operation.
type ApplyResult struct {
	Status           OpStatus
	AppliedRow       json.RawMessage
	RowVersion       int64
	ServerRow        json.RawMessage // for StatusConflict: the current server row
	ServerRowVersion int64           // for StatusConflict: the current server row_version
	BaseRow          json.RawMessage // for StatusConflict on a MergeableHandler: the row content BaseVersion referred to
	RejectReason     string          // for StatusRejected
	Scopes           map[string]string
}

// SnapshotPage is one page of rows returned by a handler's Snapshot
// method during bootstrap.
type SnapshotPage struct {
	Rows       []json.RawMessage
	NextCursor string // empty when this is the last page
}

// TableHandler is the contract every syncable table must implement.
// Implementations own their table's schema, conflict semantics, and
// scope derivation; the core engine never hardcodes a table name.
type TableHandler interface {
	// Table returns the table name this handler owns.
	Table() string

	// ScopePatterns returns the scope patterns rows of this table can
	// be tagged with, e.g. []scope.Pattern{scope.MustParse(
	// "org:{orgId}")}.
	ScopePatterns() []scope.Pattern

	// ResolveScopes resolves concrete scope variable bindings for a
	// bootstrap/pull request against this table, given the caller's
	// identity and any request-supplied scope hints (e.g. an orgId the
	// client is asking to sync). Used by the pull pipeline to turn a
	// subscription request into canonical scope keys via scope.Registry.
	ResolveScopes(ctx context.Context, actorID string, requested map[string][]string) (map[string][]string, error)

	// ExtractScopes derives the scope tags a specific row belongs to.
	// The push pipeline does not call it: it tags each Change with the
	// Scopes that ApplyOperation returns in its ApplyResult.
	ExtractScopes(ctx context.Context, row json.RawMessage) (map[string]string, error)

	// Snapshot returns one page of this table's rows as of a fixed
	// commitSeq, ordered by a stable row cursor, restricted to rows
	// matching scopeKey. Deterministic across repeated calls with the
	// same arguments — required for content-addressed chunk caching.
	Snapshot(ctx context.Context, tx pgx.Tx, scopeKey string, asOfCommitSeq int64, rowCursor string, limit int) (SnapshotPage, error)

	// ApplyOperation applies a single client-submitted operation
	// transactionally, detecting conflicts against BaseVersion and
	// reporting the current server row on StatusConflict so the push
	// pipeline can attempt automatic resolution.
	ApplyOperation(ctx context.Context, tx pgx.Tx, actorID string, op Operation) (ApplyResult, error)
}

// MergeableHandler is an optional extension of TableHandler for
// handlers that support field-level automatic merge on conflict, as
// opposed to simple version-number optimistic locking. When a
// handler doesn't implement this interface, or SupportsAutomerge
// returns false, the push pipeline reports conflicts as-is without
// attempting merge.ThreeWay.
type MergeableHandler interface {
	TableHandler

	// SupportsAutomerge reports whether this handler wants the push
	// pipeline to attempt a three-way merge before surfacing a
	// conflict to the caller. Handlers that answer true must populate
	// ApplyResult.BaseRow on StatusConflict.
	SupportsAutomerge() bool
}

// Registry maps table names to their one registered handler.
type Registry struct {
	handlers map[string]TableHandler
	scopes   map[string]*scope.Registry
}

// NewRegistry builds an empty handler Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]TableHandler),
		scopes:   make(map[string]*scope.Registry),
	}
}

// Register adds a handler for its table. Returns an error if another
// handler is already registered for the same table.
func (r *Registry) Register(h TableHandler) error {
	table := h.Table()
	if _, exists := r.handlers[table]; exists {
		return fmt.Errorf("handler: table %q already has a registered handler", table)
	}
	r.handlers[table] = h
	r.scopes[table] = scope.NewRegistry(h.ScopePatterns())
	return nil
}

// Get returns the handler for a table, or false if none is registered.
func (r *Registry) Get(table string) (TableHandler, bool) {
	h, ok := r.handlers[table]
	return h, ok
}

// ScopesFor returns the scope pattern registry for a table, or false
// if the table is unknown.
func (r *Registry) ScopesFor(table string) (*scope.Registry, bool) {
	s, ok := r.scopes[table]
	return s, ok
}

// Tables returns the names of all registered tables.
func (r *Registry) Tables() []string {
	tables := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tables = append(tables, t)
	}
	return tables
}
