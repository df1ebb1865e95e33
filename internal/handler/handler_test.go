package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbase/syncd/internal/scope"
)

type stubHandler struct {
	table string
}

func (s stubHandler) Table() string { return s.table }
func (s stubHandler) ScopePatterns() []scope.Pattern {
	return []scope.Pattern{scope.MustParse("org:{orgId}")}
}
func (s stubHandler) ResolveScopes(ctx context.Context, actorID string, requested map[string][]string) (map[string][]string, error) {
	return requested, nil
}
func (s stubHandler) ExtractScopes(ctx context.Context, row json.RawMessage) (map[string]string, error) {
	return nil, nil
}
func (s stubHandler) Snapshot(ctx context.Context, tx pgx.Tx, scopeKey string, asOfCommitSeq int64, rowCursor string, limit int) (SnapshotPage, error) {
	return SnapshotPage{}, nil
}
func (s stubHandler) ApplyOperation(ctx context.Context, tx pgx.Tx, actorID string, op Operation) (ApplyResult, error) {
	return ApplyResult{Status: StatusApplied}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubHandler{table: "items"}))

	h, ok := r.Get("items")
	assert.True(t, ok)
	assert.Equal(t, "items", h.Table())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterDuplicateTableFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubHandler{table: "items"}))
	err := r.Register(stubHandler{table: "items"})
	assert.Error(t, err)
}

func TestTablesAndScopesFor(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubHandler{table: "items"}))
	require.NoError(t, r.Register(stubHandler{table: "boards"}))

	assert.ElementsMatch(t, []string{"items", "boards"}, r.Tables())

	sr, ok := r.ScopesFor("items")
	require.True(t, ok)
	_, ok = sr.Lookup("org")
	assert.True(t, ok)

	_, ok = r.ScopesFor("unknown")
	assert.False(t, ok)
}
