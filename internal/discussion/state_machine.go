package discussion

import (
	"sync"
	"time"

	"dev.helix.consensus/internal/models"
)

// Transition is one recorded state change.
type Transition struct {
	From models.Phase `json:"from"`
	To   models.Phase `json:"to"`
	At   time.Time    `json:"at"`
}

// allowedTransitions encodes the discussion lifecycle. Everything not listed
// raises a StateTransitionError.
var allowedTransitions = map[models.Phase][]models.Phase{
	models.PhaseIdle:         {models.PhaseInitializing},
	models.PhaseInitializing: {models.PhaseTurnA, models.PhaseError},
	models.PhaseTurnA:        {models.PhaseTurnB, models.PhaseError, models.PhaseAborted},
	models.PhaseTurnB:        {models.PhaseConsensusA, models.PhaseTurnA, models.PhaseError, models.PhaseAborted},
	models.PhaseConsensusA:   {models.PhaseConsensusB, models.PhaseError, models.PhaseAborted},
	models.PhaseConsensusB:   {models.PhaseTurnA, models.PhaseCompleted, models.PhaseError, models.PhaseAborted},
	models.PhaseCompleted:    {},
	models.PhaseError:        {models.PhaseIdle},
	models.PhaseAborted:      {models.PhaseIdle},
}

// StateMachine gates every phase transition of a discussion and records a
// transition log. It holds no domain data.
type StateMachine struct {
	mu      sync.RWMutex
	current models.Phase
	log     []Transition
}

// NewStateMachine starts in the idle phase.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: models.PhaseIdle}
}

// Current returns the current phase.
func (sm *StateMachine) Current() models.Phase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransition reports whether moving to the target phase is permitted.
func (sm *StateMachine) CanTransition(to models.Phase) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return canTransition(sm.current, to)
}

// Transition moves to the target phase or fails with StateTransitionError.
func (sm *StateMachine) Transition(to models.Phase) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !canTransition(sm.current, to) {
		return &models.StateTransitionError{From: sm.current, To: to}
	}

	sm.log = append(sm.log, Transition{From: sm.current, To: to, At: time.Now()})
	sm.current = to
	return nil
}

// IsActive reports whether a discussion is in flight.
func (sm *StateMachine) IsActive() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.current {
	case models.PhaseIdle, models.PhaseCompleted, models.PhaseError, models.PhaseAborted:
		return false
	}
	return true
}

// IsTerminal reports whether the machine reached a terminal phase.
// Completed never leaves; error and aborted only reset back to idle.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.current {
	case models.PhaseCompleted, models.PhaseError, models.PhaseAborted:
		return true
	}
	return false
}

// Reset returns an error/aborted machine to idle and clears the log.
// Resetting from idle is a no-op.
func (sm *StateMachine) Reset() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current == models.PhaseIdle {
		sm.log = nil
		return nil
	}
	if !canTransition(sm.current, models.PhaseIdle) {
		return &models.StateTransitionError{From: sm.current, To: models.PhaseIdle}
	}
	sm.current = models.PhaseIdle
	sm.log = nil
	return nil
}

// Log returns a copy of the transition log.
func (sm *StateMachine) Log() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]Transition, len(sm.log))
	copy(out, sm.log)
	return out
}

func canTransition(from, to models.Phase) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
