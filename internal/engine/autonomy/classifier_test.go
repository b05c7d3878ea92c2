package autonomy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"agentrelay/internal/domain"
)

func TestClassifyKnownAction(t *testing.T) {
	c, err := ClassifyAction("  Merge_Pull_Request ")
	require.NoError(t, err)
	assert.Equal(t, "merge_pull_request", c.ActionType)
	assert.Equal(t, T5, c.Tier)
	assert.True(t, c.IsKnownAction)
	assert.Equal(t, 5, c.TierDetails.RequiredLevel)
}

func TestClassifyUnknownDefaultsToModify(t *testing.T) {
	c, err := ClassifyAction("totally_unknown")
	require.NoError(t, err)
	assert.Equal(t, T3, c.Tier)
	assert.False(t, c.IsKnownAction)
	assert.Equal(t, "Modify", c.TierDetails.Name)

	lvl, err := RequiredDialLevel("totally_unknown")
	require.NoError(t, err)
	assert.Equal(t, 3, lvl)

	for _, level := range []int{1, 2} {
		dec, err := IsActionPermitted(level, "totally_unknown")
		require.NoError(t, err)
		assert.False(t, dec.Permitted, "level %d", level)
	}
	dec, err := IsActionPermitted(3, "totally_unknown")
	require.NoError(t, err)
	assert.True(t, dec.Permitted)
}

func TestClassifyRejectsEmpty(t *testing.T) {
	_, err := ClassifyAction("   ")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = RequiredDialLevel("")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestIsActionPermittedRejectsLevelOutOfRange(t *testing.T) {
	for _, level := range []int{0, 6, -1} {
		_, err := IsActionPermitted(level, "read_file")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "level %d", level)
	}
}

func TestDecisionReasonPhrasing(t *testing.T) {
	dec, err := IsActionPermitted(5, "read_file")
	require.NoError(t, err)
	assert.Equal(t, `Action "read_file" (T1 Observe) is permitted: effective dial level 5 meets required level 1.`, dec.Reason)

	dec, err = IsActionPermitted(2, "deploy_production")
	require.NoError(t, err)
	assert.Equal(t, `Action "deploy_production" (T5 Merge/Deploy) is blocked: effective dial level 2 is below required level 5.`, dec.Reason)
}

func TestCatalogIntrospection(t *testing.T) {
	all := AllActions()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		assert.LessOrEqual(t, prev.RequiredLevel, cur.RequiredLevel)
	}

	summary := GetTierSummary()
	require.Len(t, summary, 5)
	total := 0
	for i, s := range summary {
		assert.Equal(t, Tiers[i], s.Tier)
		assert.Equal(t, i+1, s.RequiredLevel)
		assert.Len(t, s.Actions, s.ActionCount)
		total += s.ActionCount
	}
	assert.Equal(t, len(all), total)

	assert.Contains(t, ActionsByTier(T1), "read_file")
	assert.NotContains(t, ActionsByTier(T1), "merge_pull_request")
	assert.True(t, IsValidActionType("READ_FILE"))
	assert.False(t, IsValidActionType("totally_unknown"))
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"T1": T1, "t4": T4, "5": T5, " t2 ": T2} {
		got, err := ParseTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseTier("T9")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, "unclassified", TierUnclassified.String())
	assert.Equal(t, T3, TierUnclassified.Resolve())
}

func TestPropertyPermissionIsMonotonic(t *testing.T) {
	names := make([]string, 0)
	for _, a := range AllActions() {
		names = append(names, a.ActionType)
	}
	rapid.Check(t, func(rt *rapid.T) {
		action := rapid.OneOf(
			rapid.SampledFrom(names),
			rapid.StringMatching(`[a-z_]{1,20}`),
		).Draw(rt, "action")
		if strings.TrimSpace(action) == "" {
			return
		}
		level := rapid.IntRange(MinLevel, MaxLevel).Draw(rt, "level")

		dec, err := IsActionPermitted(level, action)
		require.NoError(rt, err)
		require.Equal(rt, level >= dec.RequiredLevel, dec.Permitted)
		if level < MaxLevel {
			higher, err := IsActionPermitted(level+1, action)
			require.NoError(rt, err)
			if dec.Permitted {
				require.True(rt, higher.Permitted)
			}
		}
		if !IsValidActionType(action) {
			require.Equal(rt, T3, dec.Tier)
			require.False(rt, dec.IsKnownAction)
		}
	})
}
