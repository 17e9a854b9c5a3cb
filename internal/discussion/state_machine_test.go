package discussion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.consensus/internal/models"
)

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, models.PhaseIdle, sm.Current())
	assert.False(t, sm.IsActive())

	path := []models.Phase{
		models.PhaseInitializing,
		models.PhaseTurnA,
		models.PhaseTurnB,
		models.PhaseConsensusA,
		models.PhaseConsensusB,
		models.PhaseTurnA, // next round
		models.PhaseTurnB,
		models.PhaseConsensusA,
		models.PhaseConsensusB,
		models.PhaseCompleted,
	}
	for _, phase := range path {
		require.NoError(t, sm.Transition(phase))
	}

	assert.Equal(t, models.PhaseCompleted, sm.Current())
	assert.True(t, sm.IsTerminal())
	assert.False(t, sm.IsActive())
	assert.Len(t, sm.Log(), len(path))
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	illegal := []struct {
		from models.Phase
		to   models.Phase
	}{
		{models.PhaseIdle, models.PhaseTurnA},
		{models.PhaseIdle, models.PhaseCompleted},
		{models.PhaseInitializing, models.PhaseTurnB},
		{models.PhaseInitializing, models.PhaseAborted},
		{models.PhaseTurnA, models.PhaseConsensusA},
		{models.PhaseTurnA, models.PhaseCompleted},
		{models.PhaseTurnB, models.PhaseConsensusB},
		{models.PhaseConsensusA, models.PhaseTurnA},
		{models.PhaseConsensusA, models.PhaseCompleted},
		{models.PhaseConsensusB, models.PhaseTurnB},
		{models.PhaseCompleted, models.PhaseIdle},
		{models.PhaseCompleted, models.PhaseTurnA},
		{models.PhaseError, models.PhaseTurnA},
		{models.PhaseAborted, models.PhaseInitializing},
	}

	for _, tc := range illegal {
		sm := &StateMachine{current: tc.from}
		err := sm.Transition(tc.to)

		var ste *models.StateTransitionError
		require.ErrorAsf(t, err, &ste, "%s -> %s should be rejected", tc.from, tc.to)
		assert.Equal(t, tc.from, ste.From)
		assert.Equal(t, tc.to, ste.To)
		assert.Equal(t, tc.from, sm.Current(), "failed transition must not change state")
	}
}

func TestStateMachineActivePhases(t *testing.T) {
	active := []models.Phase{
		models.PhaseInitializing,
		models.PhaseTurnA,
		models.PhaseTurnB,
		models.PhaseConsensusA,
		models.PhaseConsensusB,
	}
	for _, phase := range active {
		sm := &StateMachine{current: phase}
		assert.Truef(t, sm.IsActive(), "%s should be active", phase)
		assert.Falsef(t, sm.IsTerminal(), "%s should not be terminal", phase)
	}
}

func TestStateMachineErrorFromAnyActivePhase(t *testing.T) {
	for _, phase := range []models.Phase{
		models.PhaseInitializing,
		models.PhaseTurnA,
		models.PhaseTurnB,
		models.PhaseConsensusA,
		models.PhaseConsensusB,
	} {
		sm := &StateMachine{current: phase}
		require.NoErrorf(t, sm.Transition(models.PhaseError), "%s -> error", phase)
	}
}

func TestStateMachineReset(t *testing.T) {
	t.Run("from error", func(t *testing.T) {
		sm := &StateMachine{current: models.PhaseError}
		require.NoError(t, sm.Reset())
		assert.Equal(t, models.PhaseIdle, sm.Current())
		assert.Empty(t, sm.Log())
	})

	t.Run("from aborted", func(t *testing.T) {
		sm := &StateMachine{current: models.PhaseAborted}
		require.NoError(t, sm.Reset())
		assert.Equal(t, models.PhaseIdle, sm.Current())
	})

	t.Run("from idle is a no-op", func(t *testing.T) {
		sm := NewStateMachine()
		require.NoError(t, sm.Reset())
		assert.Equal(t, models.PhaseIdle, sm.Current())
	})

	t.Run("completed cannot reset", func(t *testing.T) {
		sm := &StateMachine{current: models.PhaseCompleted}
		require.Error(t, sm.Reset())
		assert.Equal(t, models.PhaseCompleted, sm.Current())
	})

	t.Run("active cannot reset", func(t *testing.T) {
		sm := &StateMachine{current: models.PhaseTurnA}
		require.Error(t, sm.Reset())
	})
}

func TestStateMachineCanTransition(t *testing.T) {
	sm := NewStateMachine()
	assert.True(t, sm.CanTransition(models.PhaseInitializing))
	assert.False(t, sm.CanTransition(models.PhaseTurnA))
}
