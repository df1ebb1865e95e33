package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndCanonicalKey(t *testing.T) {
	p, err := Parse("org:{orgId}")
	require.NoError(t, err)

	key, err := p.CanonicalKey(map[string]string{"orgId": "acme"})
	require.NoError(t, err)
	assert.Equal(t, "org:acme", key)

	_, err = p.CanonicalKey(map[string]string{"other": "x"})
	assert.Error(t, err)
}

func TestParseMultiVar(t *testing.T) {
	p, err := Parse("board:{orgId}:{boardId}")
	require.NoError(t, err)

	key, err := p.CanonicalKey(map[string]string{"orgId": "acme", "boardId": "42"})
	require.NoError(t, err)
	assert.Equal(t, "board:acme:42", key)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)
}

func TestRegistryExpandSubscriptionCartesianProduct(t *testing.T) {
	r := NewRegistry([]Pattern{MustParse("board:{orgId}:{boardId}")})

	keys, err := r.ExpandSubscription("board", map[string][]string{
		"orgId":   {"acme", "globex"},
		"boardId": {"1", "2"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"board:acme:1", "board:acme:2", "board:globex:1", "board:globex:2",
	}, keys)
}

func TestRegistryExpandSubscriptionUnknownPattern(t *testing.T) {
	r := NewRegistry([]Pattern{MustParse("org:{orgId}")})
	_, err := r.ExpandSubscription("nope", map[string][]string{"x": {"1"}})
	assert.Error(t, err)
}

func TestMatchesAny(t *testing.T) {
	subscribed := KeySet([]string{"org:acme", "org:globex"})

	assert.True(t, MatchesAny([]string{"org:acme"}, subscribed))
	assert.False(t, MatchesAny([]string{"org:initech"}, subscribed))
	assert.False(t, MatchesAny(nil, subscribed))
}
