package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/driftbase/syncd/internal/handler"
	"github.com/driftbase/syncd/internal/scope"
)

// itemsHandler is a reference TableHandler for a single org-scoped
// "items" table, registered at startup so the server has at least one
// syncable table out of the box. Real deployments register their own
// handlers the same way, one per table, before calling Server.Start.
type itemsHandler struct{}

func (itemsHandler) Table() string { return "items" }

// SupportsAutomerge reports false: items uses plain version-number
// optimistic locking, so a conflict is reported to the caller as-is
// rather than run through the field-level merge core.
func (itemsHandler) SupportsAutomerge() bool { return false }

func (itemsHandler) ScopePatterns() []scope.Pattern {
	return []scope.Pattern{scope.MustParse("org:{orgId}")}
}

func (itemsHandler) ResolveScopes(ctx context.Context, actorID string, requested map[string][]string) (map[string][]string, error) {
	orgIDs, ok := requested["orgId"]
	if !ok || len(orgIDs) == 0 {
		return nil, fmt.Errorf("items: orgId is required")
	}
	return map[string][]string{"orgId": orgIDs}, nil
}

func (itemsHandler) ExtractScopes(ctx context.Context, row json.RawMessage) (map[string]string, error) {
	var r struct {
		OrgID string `json:"orgId"`
	}
	if err := json.Unmarshal(row, &r); err != nil {
		return nil, fmt.Errorf("items: extract scopes: %w", err)
	}
	return map[string]string{"org": "org:" + r.OrgID}, nil
}

func (itemsHandler) Snapshot(ctx context.Context, tx pgx.Tx, scopeKey string, asOfCommitSeq int64, rowCursor string, limit int) (handler.SnapshotPage, error) {
	rows, err := tx.Query(ctx, `
		SELECT row_id, row_json, row_version FROM items_rows
		WHERE scope_key = $1 AND row_id > $2
		ORDER BY row_id ASC
		LIMIT $3`,
		scopeKey, rowCursor, limit+1)
	if err != nil {
		return handler.SnapshotPage{}, fmt.Errorf("items: snapshot query: %w", err)
	}
	defer rows.Close()

	var page handler.SnapshotPage
	var lastRowID string
	count := 0
	for rows.Next() {
		if count == limit {
			page.NextCursor = lastRowID
			break
		}
		var rowID string
		var rowJSON json.RawMessage
		var rowVersion int64
		if err := rows.Scan(&rowID, &rowJSON, &rowVersion); err != nil {
			return handler.SnapshotPage{}, fmt.Errorf("items: snapshot scan: %w", err)
		}
		page.Rows = append(page.Rows, rowJSON)
		lastRowID = rowID
		count++
	}
	return page, rows.Err()
}

func (itemsHandler) ApplyOperation(ctx context.Context, tx pgx.Tx, actorID string, op handler.Operation) (handler.ApplyResult, error) {
	var currentJSON json.RawMessage
	var currentVersion int64
	err := tx.QueryRow(ctx, `SELECT row_json, row_version FROM items_rows WHERE row_id = $1`, op.RowID).
		Scan(&currentJSON, &currentVersion)
	exists := err == nil
	if err != nil && err != pgx.ErrNoRows {
		return handler.ApplyResult{}, fmt.Errorf("items: apply lookup: %w", err)
	}

	expectedVersion := int64(0)
	if op.BaseVersion != nil {
		expectedVersion = *op.BaseVersion
	}
	if exists && expectedVersion != currentVersion {
		return handler.ApplyResult{
			Status:           handler.StatusConflict,
			ServerRow:        currentJSON,
			ServerRowVersion: currentVersion,
		}, nil
	}

	if op.Op == "delete" {
		if exists {
			if _, err := tx.Exec(ctx, `DELETE FROM items_rows WHERE row_id = $1`, op.RowID); err != nil {
				return handler.ApplyResult{}, fmt.Errorf("items: delete: %w", err)
			}
		}
		return handler.ApplyResult{Status: handler.StatusApplied, RowVersion: currentVersion + 1}, nil
	}

	var r struct {
		OrgID string `json:"orgId"`
	}
	if err := json.Unmarshal(op.Payload, &r); err != nil {
		return handler.ApplyResult{Status: handler.StatusRejected, RejectReason: "invalid row JSON"}, nil
	}
	scopeKey := "org:" + r.OrgID
	newVersion := currentVersion + 1

	_, err = tx.Exec(ctx, `
		INSERT INTO items_rows (row_id, scope_key, row_json, row_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (row_id) DO UPDATE SET scope_key = EXCLUDED.scope_key, row_json = EXCLUDED.row_json, row_version = EXCLUDED.row_version`,
		op.RowID, scopeKey, op.Payload, newVersion)
	if err != nil {
		return handler.ApplyResult{}, fmt.Errorf("items: upsert: %w", err)
	}

	return handler.ApplyResult{
		Status:     handler.StatusApplied,
		AppliedRow: op.Payload,
		RowVersion: newVersion,
		Scopes:     map[string]string{"org": scopeKey},
	}, nil
}

// itemsSchema bootstraps the demo table's backing storage alongside
// the core sync tables.
const itemsSchema = `
CREATE TABLE IF NOT EXISTS items_rows (
    row_id      VARCHAR(255) PRIMARY KEY,
    scope_key   VARCHAR(255) NOT NULL,
    row_json    JSONB NOT NULL,
    row_version BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_items_rows_scope ON items_rows(scope_key, row_id);
`
