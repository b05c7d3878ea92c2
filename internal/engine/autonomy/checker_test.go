package autonomy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/domain"
	"agentrelay/internal/repo"
)

func TestCheckerRequiresFields(t *testing.T) {
	c := NewChecker(NewDial(repo.NewMemory(), nil, nil, nil), nil)
	full := CheckRequest{RepoOwner: "o", RepoName: "r", AgentSlug: "bot", ActionType: "read_file"}

	for _, mutate := range []func(*CheckRequest){
		func(r *CheckRequest) { r.RepoOwner = "" },
		func(r *CheckRequest) { r.RepoName = "" },
		func(r *CheckRequest) { r.AgentSlug = "" },
		func(r *CheckRequest) { r.ActionType = "" },
	} {
		req := full
		mutate(&req)
		_, err := c.Check(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	}

	res, err := c.Check(context.Background(), full)
	require.NoError(t, err)
	assert.True(t, res.Permitted)
}

func TestCheckerAttachesTierDetails(t *testing.T) {
	ctx := context.Background()
	dial := NewDial(repo.NewMemory(), nil, nil, nil)
	_, err := dial.SetDialLevel(ctx, "o", "r", 4, "admin")
	require.NoError(t, err)
	c := NewChecker(dial, nil)

	res, err := c.Check(ctx, CheckRequest{
		RepoOwner: "o", RepoName: "r", AgentSlug: "bot",
		ActionType: "approve_pull_request", EnvTier: "staging",
	})
	require.NoError(t, err)
	assert.True(t, res.Permitted)
	assert.Equal(t, "bot", res.AgentSlug)
	assert.Equal(t, T4, res.TierDetails.Tier)
	assert.Equal(t, "Execute", res.TierDetails.Name)
	assert.Equal(t, 4, res.EffectiveLevel)
	assert.Equal(t, "staging", res.Environment)

	res, err = c.Check(ctx, CheckRequest{
		RepoOwner: "o", RepoName: "r", AgentSlug: "bot",
		ActionType: "approve_pull_request", EnvTier: "production",
	})
	require.NoError(t, err)
	assert.False(t, res.Permitted)
}
