package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"agentrelay/internal/domain"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]domain.Status]bool{
		{domain.StatusPending, domain.StatusActive}:   true,
		{domain.StatusPending, domain.StatusFailed}:   true,
		{domain.StatusActive, domain.StatusCompleted}: true,
		{domain.StatusActive, domain.StatusFailed}:    true,
	}
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			want := allowed[[2]domain.Status{from, to}]
			assert.Equal(t, want, IsValidTransition(from, to), "%s -> %s", from, to)
			if want {
				assert.NoError(t, ValidateTransition(from, to))
			} else {
				assert.ErrorIs(t, ValidateTransition(from, to), domain.ErrInvalidTransition)
			}
		}
	}
}

func TestNextStates(t *testing.T) {
	assert.Equal(t, []domain.Status{domain.StatusActive, domain.StatusFailed}, NextStates(domain.StatusPending))
	assert.Equal(t, []domain.Status{domain.StatusCompleted, domain.StatusFailed}, NextStates(domain.StatusActive))
	assert.Empty(t, NextStates(domain.StatusCompleted))
	assert.Empty(t, NextStates(domain.StatusFailed))

	next := NextStates(domain.StatusPending)
	next[0] = domain.StatusCompleted
	assert.Equal(t, domain.StatusActive, NextStates(domain.StatusPending)[0])
}

func TestValidateTransitionTerminalMessage(t *testing.T) {
	err := ValidateTransition(domain.StatusCompleted, domain.StatusActive)
	var te *domain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Terminal)
	assert.Contains(t, err.Error(), "cannot transition from terminal state")

	err = ValidateTransition(domain.StatusPending, domain.StatusCompleted)
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Terminal)
	assert.NotContains(t, err.Error(), "terminal state")
}

func TestTimestampFieldAndDefaultReason(t *testing.T) {
	assert.Equal(t, TimestampAcknowledged, TimestampFieldFor(domain.StatusPending))
	assert.Equal(t, TimestampInProgress, TimestampFieldFor(domain.StatusActive))
	assert.Equal(t, TimestampCompleted, TimestampFieldFor(domain.StatusCompleted))
	assert.Equal(t, TimestampNone, TimestampFieldFor(domain.StatusFailed))

	assert.Equal(t, "created", DefaultReason(domain.StatusPending))
	assert.Equal(t, "agent_accepted", DefaultReason(domain.StatusActive))
	assert.Equal(t, "work_completed", DefaultReason(domain.StatusCompleted))
	assert.Equal(t, "error:unknown", DefaultReason(domain.StatusFailed))
}

// Random walks only ever follow table edges and stop at terminal states.
func TestPropertyWalksStayOnTable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		state := domain.StatusPending
		steps := rapid.IntRange(0, 10).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			to := rapid.SampledFrom(domain.Statuses).Draw(rt, "to")
			err := ValidateTransition(state, to)
			if IsTerminalState(state) {
				require.Error(rt, err)
				continue
			}
			if err == nil {
				require.Contains(rt, NextStates(state), to)
				state = to
			} else {
				require.NotContains(rt, NextStates(state), to)
			}
		}
		require.Contains(rt, domain.Statuses, state)
	})
}
