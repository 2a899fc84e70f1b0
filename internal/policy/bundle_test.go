package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefog/agentd/internal/policy"
)

func TestGetUnknownKeyReturnsDefault(t *testing.T) {
	b := policy.NewBundle()
	assert.Equal(t, 42, b.Get(policy.GroupLPP, "NOT_A_KEY", 42))
}

func TestGetDefaults(t *testing.T) {
	b := policy.NewBundle()
	assert.EqualValues(t, 1, b.Get(policy.GroupLPP, "BACKUP_MINIMUM", -1))
	assert.EqualValues(t, 30, b.Get(policy.GroupLPP, "MAX_TTL", -1))
	assert.Equal(t, true, b.Get(policy.GroupLRP, "REELECTION_ALLOWED", false))
	assert.EqualValues(t, 2000, b.Get(policy.GroupLMR, "RAM_MIN", -1))
}

func TestSetGroupJSONFiltersUnknownKeys(t *testing.T) {
	b := policy.NewBundle()
	err := b.SetGroupJSON(policy.GroupLPP, []byte(`{"BACKUP_MINIMUM":2,"NOT_A_KEY":"x"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 2, b.Get(policy.GroupLPP, "BACKUP_MINIMUM", -1))
	assert.Equal(t, -1, b.Get(policy.GroupLPP, "NOT_A_KEY", -1))
}

func TestSetGroupJSONMalformedDoesNotMutate(t *testing.T) {
	b := policy.NewBundle()
	err := b.SetGroupJSON(policy.GroupLPP, []byte(`not json`))
	require.Error(t, err)
	assert.EqualValues(t, 1, b.Get(policy.GroupLPP, "BACKUP_MINIMUM", -1))
}

func TestOpaqueGroupRoundTrip(t *testing.T) {
	b := policy.NewBundle()
	require.NoError(t, b.SetGroupJSON(policy.GroupPLSP, []byte(`{"anything":"goes","n":3}`)))
	assert.Equal(t, "goes", b.Get(policy.GroupPLSP, "anything", nil))
	assert.EqualValues(t, 3, b.Get(policy.GroupPLSP, "n", nil))
}

// TestRoundTripIsNoOp checks invariant 4 from spec.md §8: SetGroupJSON(g,
// GetGroupJSON(g)) must not change observable state.
func TestRoundTripIsNoOp(t *testing.T) {
	b := policy.NewBundle()
	for _, g := range policy.Groups() {
		before, err := b.GetGroupJSON(g)
		require.NoError(t, err)
		require.NoError(t, b.SetGroupJSON(g, before))
		after, err := b.GetGroupJSON(g)
		require.NoError(t, err)
		assert.JSONEq(t, string(before), string(after))
	}
}
