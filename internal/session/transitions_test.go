package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// TestNext walks the full monotonic chain.
func TestNext(t *testing.T) {
	order := []model.SessionState{
		model.StatePlanned,
		model.StateStarted,
		model.StateInProgress,
		model.StateTesting,
		model.StateClosing,
		model.StateCompleted,
	}

	state := InitialState()
	assert.Equal(t, model.StatePlanned, state)

	for i := 0; i < len(order)-1; i++ {
		next, ok := Next(order[i])
		require.True(t, ok, "state %s should have a successor", order[i])
		assert.Equal(t, order[i+1], next)
	}

	_, ok := Next(model.StateCompleted)
	assert.False(t, ok, "completed is terminal")
}

// TestGuardTransition_OnlyImmediateSuccessor rejects skips, backward moves
// and transitions out of the terminal state, each as a conflict.
func TestGuardTransition_OnlyImmediateSuccessor(t *testing.T) {
	assert.NoError(t, GuardTransition(model.StatePlanned, model.StateStarted))
	assert.NoError(t, GuardTransition(model.StateClosing, model.StateCompleted))

	tests := []struct {
		name     string
		from, to model.SessionState
	}{
		{"skip", model.StatePlanned, model.StateInProgress},
		{"backward", model.StateTesting, model.StateStarted},
		{"self", model.StateStarted, model.StateStarted},
		{"from terminal", model.StateCompleted, model.StatePlanned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := GuardTransition(tt.from, tt.to)
			require.Error(t, err)
			assert.True(t, model.IsConflict(err))
		})
	}
}

// TestGuardClose accepts closure only from the closing state and only with
// a valid closure type.
func TestGuardClose(t *testing.T) {
	assert.NoError(t, GuardClose(model.StateClosing, model.ClosureComplete))
	assert.NoError(t, GuardClose(model.StateClosing, model.ClosureAbandon))

	err := GuardClose(model.StateTesting, model.ClosureComplete)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	err = GuardClose(model.StateClosing, model.ClosureType("DONE"))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
}

// TestApplyTransition records timestamps only on the two transitions that
// have effects.
func TestApplyTransition(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	effects := ApplyTransition(model.StateStarted, now)
	require.NotNil(t, effects.StartedAt)
	assert.Equal(t, now, *effects.StartedAt)
	assert.Nil(t, effects.CompletedAt)

	effects = ApplyTransition(model.StateCompleted, now)
	assert.Nil(t, effects.StartedAt)
	require.NotNil(t, effects.CompletedAt)
	assert.Equal(t, now, *effects.CompletedAt)

	effects = ApplyTransition(model.StateTesting, now)
	assert.Nil(t, effects.StartedAt)
	assert.Nil(t, effects.CompletedAt)
}

// TestSessionID verifies the composite identifier format.
func TestSessionID(t *testing.T) {
	created := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	sprint := &model.Sprint{Name: "auth hardening"}

	assert.Equal(t, "20260831-ah-feature-auth", SessionID(created, sprint, "feature-auth"))
}
