package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreeWayServerWinsWhenClientUnchanged(t *testing.T) {
	base := json.RawMessage(`{"title":"a","count":1}`)
	server := json.RawMessage(`{"title":"a","count":2}`)
	client := json.RawMessage(`{"title":"a","count":1}`)

	outcome, err := ThreeWay(base, server, client)
	require.NoError(t, err)
	assert.True(t, outcome.Resolved())
	assert.Equal(t, float64(2), outcome.Merged["count"])
}

func TestThreeWayClientWinsWhenServerUnchanged(t *testing.T) {
	base := json.RawMessage(`{"title":"a"}`)
	server := json.RawMessage(`{"title":"a"}`)
	client := json.RawMessage(`{"title":"b"}`)

	outcome, err := ThreeWay(base, server, client)
	require.NoError(t, err)
	assert.True(t, outcome.Resolved())
	assert.Equal(t, "b", outcome.Merged["title"])
}

func TestThreeWayAgreementIsNotAConflict(t *testing.T) {
	base := json.RawMessage(`{"title":"a"}`)
	server := json.RawMessage(`{"title":"b"}`)
	client := json.RawMessage(`{"title":"b"}`)

	outcome, err := ThreeWay(base, server, client)
	require.NoError(t, err)
	assert.True(t, outcome.Resolved())
	assert.Equal(t, "b", outcome.Merged["title"])
}

func TestThreeWayGenuineConflict(t *testing.T) {
	base := json.RawMessage(`{"title":"a"}`)
	server := json.RawMessage(`{"title":"b"}`)
	client := json.RawMessage(`{"title":"c"}`)

	outcome, err := ThreeWay(base, server, client)
	require.NoError(t, err)
	assert.False(t, outcome.Resolved())
	assert.Contains(t, outcome.Conflicted, "title")
	assert.Equal(t, "b", outcome.Merged["title"])
}

func TestThreeWayIsIdempotent(t *testing.T) {
	base := json.RawMessage(`{"title":"a","n":1}`)
	server := json.RawMessage(`{"title":"b","n":1}`)
	client := json.RawMessage(`{"title":"a","n":2}`)

	first, err := ThreeWay(base, server, client)
	require.NoError(t, err)
	require.True(t, first.Resolved())

	mergedJSON, err := json.Marshal(first.Merged)
	require.NoError(t, err)

	second, err := ThreeWay(base, mergedJSON, mergedJSON)
	require.NoError(t, err)
	assert.True(t, second.Resolved())
	assert.Equal(t, first.Merged, second.Merged)
}
