package discussion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.consensus/internal/events"
	"dev.helix.consensus/internal/llm"
	"dev.helix.consensus/internal/models"
)

// AbortReason is the payload of the aborted terminal event.
const AbortReason = "User requested abort"

// Snapshot is the read-only view of a run handed to status queries. External
// observers see only events and snapshots, never the live state.
type Snapshot struct {
	ID             string                  `json:"id"`
	Phase          models.Phase            `json:"phase"`
	CurrentRound   int                     `json:"currentRound"`
	Rounds         []models.Round          `json:"rounds"`
	TokenTotals    models.TokenTotals      `json:"tokenTotals"`
	StoppingReason models.StoppingReason   `json:"stoppingReason,omitempty"`
	FinalConsensus *models.FinalConsensus  `json:"finalConsensus,omitempty"`
	Error          *models.DiscussionError `json:"error,omitempty"`
	StartedAt      *time.Time              `json:"startedAt,omitempty"`
	CompletedAt    *time.Time              `json:"completedAt,omitempty"`
}

// Orchestrator drives one discussion at a time: the round loop, the
// transcript, the overall deadline, abort, and event emission. The round loop
// runs on the caller's goroutine; Abort and Snapshot are safe from others.
type Orchestrator struct {
	registry *llm.Registry
	bus      *events.Bus
	logger   *logrus.Logger

	mu             sync.Mutex
	machine        *StateMachine
	id             string
	config         models.DiscussionConfig
	transcript     *Transcript
	totals         models.TokenTotals
	currentRound   int
	stoppingReason models.StoppingReason
	finalConsensus *models.FinalConsensus
	lastError      *models.DiscussionError
	startedAt      time.Time
	completedAt    time.Time

	cancelRun      context.CancelFunc
	abortRequested bool
	timedOut       bool
}

// NewOrchestrator wires an orchestrator to the provider registry and event bus.
func NewOrchestrator(registry *llm.Registry, bus *events.Bus, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		registry: registry,
		bus:      bus,
		logger:   logger,
		machine:  NewStateMachine(),
	}
}

// ID returns the id of the current (or last) run.
func (o *Orchestrator) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// IsActive reports whether a run is in flight.
func (o *Orchestrator) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.IsActive()
}

// Snapshot returns a copy of the run state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		ID:             o.id,
		Phase:          o.machine.Current(),
		CurrentRound:   o.currentRound,
		TokenTotals:    o.totals,
		StoppingReason: o.stoppingReason,
		FinalConsensus: o.finalConsensus,
		Error:          o.lastError,
	}
	if o.transcript != nil {
		snap.Rounds = o.transcript.Rounds()
	}
	if !o.startedAt.IsZero() {
		t := o.startedAt
		snap.StartedAt = &t
	}
	if !o.completedAt.IsZero() {
		t := o.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

// Abort trips the run's cancellation source. Idempotent; only effective while
// a run is active.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.machine.IsActive() || o.cancelRun == nil {
		return
	}
	if o.abortRequested || o.timedOut {
		return
	}
	o.abortRequested = true
	o.cancelRun()
}

// Start runs a discussion to its terminal event. It blocks on the caller's
// goroutine and returns nil for every run that produced a terminal event,
// including aborted and errored ones; the error return covers only refusals
// to start (invalid config, already active).
func (o *Orchestrator) Start(ctx context.Context, config models.DiscussionConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.machine.IsActive() {
		o.mu.Unlock()
		return models.ErrDiscussionActive
	}
	// Completed never leaves; a finished orchestrator gets a fresh machine.
	if o.machine.Current() == models.PhaseCompleted {
		o.machine = NewStateMachine()
	} else if err := o.machine.Reset(); err != nil {
		o.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	o.id = uuid.New().String()
	o.config = config
	o.transcript = NewTranscript()
	o.totals = models.TokenTotals{}
	o.currentRound = 0
	o.stoppingReason = ""
	o.finalConsensus = nil
	o.lastError = nil
	o.startedAt = time.Now()
	o.completedAt = time.Time{}
	o.cancelRun = cancel
	o.abortRequested = false
	o.timedOut = false

	machine := o.machine
	id := o.id
	o.mu.Unlock()

	defer cancel()

	timer := time.AfterFunc(config.Options.TotalTimeout, func() {
		o.mu.Lock()
		if o.machine == machine && o.machine.IsActive() && !o.abortRequested {
			o.timedOut = true
		}
		o.mu.Unlock()
		cancel()
	})
	defer timer.Stop()

	o.run(runCtx, machine, id, config)
	return nil
}

// run executes the lifecycle. Every exit path emits exactly one terminal event.
func (o *Orchestrator) run(ctx context.Context, machine *StateMachine, id string, config models.DiscussionConfig) {
	if err := machine.Transition(models.PhaseInitializing); err != nil {
		o.fail(machine, id, err, "", 0, models.StopError)
		return
	}

	sideA, sideB, err := o.resolveSides(ctx, config)
	if err != nil {
		o.fail(machine, id, err, "", 0, models.StopModelUnavailable)
		return
	}

	o.emit(events.NewEvent(events.EventDiscussionStarted, id, events.DiscussionStartedData{
		Config: events.ConfigSnapshot{
			Prompt:  config.Prompt,
			ModelA:  config.ParticipantA,
			ModelB:  config.ParticipantB,
			Options: config.Options,
		},
	}))

	executorA := NewTurnExecutor(sideA.Provider, sideA.Limiter, o.logger)
	executorB := NewTurnExecutor(sideB.Provider, sideB.Limiter, o.logger)
	detector := NewConsensusDetector(sideA, sideB, o.logger)

	for round := 1; round <= config.Options.MaxIterations; round++ {
		o.mu.Lock()
		o.currentRound = round
		o.transcript.BeginRound(round)
		o.mu.Unlock()

		o.emit(events.NewEvent(events.EventRoundStarted, id, events.RoundStartedData{RoundNumber: round}))

		if done := o.runTurn(ctx, machine, id, models.PhaseTurnA, executorA, sideA.Participant, round); done {
			return
		}
		if done := o.runTurn(ctx, machine, id, models.PhaseTurnB, executorB, sideB.Participant, round); done {
			return
		}

		if err := machine.Transition(models.PhaseConsensusA); err != nil {
			o.fail(machine, id, err, "", round, models.StopError)
			return
		}
		o.emit(events.NewEvent(events.EventConsensusCheckStarted, id, events.ConsensusCheckStartedData{RoundNumber: round}))

		o.mu.Lock()
		history := o.transcript.History()
		o.mu.Unlock()

		result, err := detector.Check(ctx, config, round, history, func(vote models.ConsensusVote) {
			o.emit(events.NewEvent(events.EventConsensusVote, id, events.ConsensusVoteData{Vote: vote}))
			if vote.Role == models.RoleA {
				// B's vote is next; the phase follows.
				_ = machine.Transition(models.PhaseConsensusB)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				o.finishCancelled(machine, id)
				return
			}
			o.fail(machine, id, err, "", round, models.StopError)
			return
		}

		o.mu.Lock()
		o.transcript.SetConsensus(result)
		currentRound := *o.transcript.CurrentRound()
		o.mu.Unlock()

		o.emit(events.NewEvent(events.EventConsensusResult, id, events.ConsensusResultData{Result: *result}))
		o.emit(events.NewEvent(events.EventRoundCompleted, id, events.RoundCompletedData{Round: currentRound}))

		if result.IsUnanimous {
			o.mu.Lock()
			o.stoppingReason = models.StopConsensusReached
			o.finalConsensus = &models.FinalConsensus{
				Solution:           result.FinalSolution,
				AchievedAtRound:    round,
				ModelAContribution: currentRound.TurnA.Content,
				ModelBContribution: currentRound.TurnB.Content,
			}
			o.mu.Unlock()
			break
		}
		// Not unanimous: the machine stays in consensus-B; the next round's
		// A-turn (or the completed transition below) moves it on.
	}

	o.mu.Lock()
	if o.stoppingReason == "" {
		o.stoppingReason = models.StopMaxIterations
	}
	stoppingReason := o.stoppingReason
	finalConsensus := o.finalConsensus
	totals := o.totals
	o.completedAt = time.Now()
	duration := o.completedAt.Sub(o.startedAt)
	o.mu.Unlock()

	if err := machine.Transition(models.PhaseCompleted); err != nil {
		o.fail(machine, id, err, "", 0, models.StopError)
		return
	}

	o.emit(events.NewEvent(events.EventDiscussionCompleted, id, events.DiscussionCompletedData{
		StoppingReason:  stoppingReason,
		FinalConsensus:  finalConsensus,
		TotalTokensUsed: totals,
		DurationMs:      duration.Milliseconds(),
	}))

	o.logger.WithFields(logrus.Fields{
		"discussion_id":   id,
		"stopping_reason": stoppingReason,
		"rounds":          o.currentRound,
		"duration_ms":     duration.Milliseconds(),
	}).Info("Discussion completed")
}

// runTurn moves the machine into the turn phase and executes one side's turn.
// It returns true when the run has terminated (cancelled or failed).
func (o *Orchestrator) runTurn(
	ctx context.Context,
	machine *StateMachine,
	id string,
	phase models.Phase,
	executor *TurnExecutor,
	participant models.Participant,
	round int,
) bool {
	if err := machine.Transition(phase); err != nil {
		o.fail(machine, id, err, participant.Role, round, models.StopError)
		return true
	}

	o.emit(events.NewEvent(events.EventTurnStarted, id, events.TurnStartedData{
		Role:        participant.Role,
		ModelID:     participant.ModelID,
		ProviderID:  participant.ProviderID,
		RoundNumber: round,
	}))

	o.mu.Lock()
	history := o.transcript.History()
	config := o.config
	o.mu.Unlock()

	systemPrompt, messages := BuildTurnMessages(participant.Role, config, round, history)

	result, err := executor.Execute(ctx, &TurnRequest{
		Role:         participant.Role,
		Participant:  participant,
		RoundNumber:  round,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Options:      config.Options,
		OnChunk: func(chunk string, role models.Role) {
			o.emit(events.NewEvent(events.EventTurnChunk, id, events.TurnChunkData{Role: role, Chunk: chunk}))
		},
	})
	if err != nil {
		o.fail(machine, id, err, participant.Role, round, models.StopError)
		return true
	}
	if result.Cancelled {
		o.finishCancelled(machine, id)
		return true
	}

	o.mu.Lock()
	o.transcript.AppendTurn(result.Turn)
	o.totals.AddFor(participant.Role, result.Turn.TokenUsage)
	o.mu.Unlock()

	o.emit(events.NewEvent(events.EventTurnCompleted, id, events.TurnCompletedData{Turn: *result.Turn}))
	return false
}

// resolveSides looks up both providers and verifies they are usable.
func (o *Orchestrator) resolveSides(ctx context.Context, config models.DiscussionConfig) (ConsensusSide, ConsensusSide, error) {
	var zero ConsensusSide

	resolve := func(p models.Participant) (ConsensusSide, error) {
		provider, err := o.registry.Get(p.ProviderID)
		if err != nil {
			return zero, models.NewDiscussionError(models.ErrCodeInitializationFailed,
				fmt.Sprintf("provider %s is not available", p.ProviderID), err)
		}
		if err := provider.Initialize(ctx, ""); err != nil {
			return zero, models.NewDiscussionError(models.ErrCodeInitializationFailed,
				fmt.Sprintf("provider %s failed to initialize", p.ProviderID), err)
		}
		return ConsensusSide{
			Participant: p,
			Provider:    provider,
			Limiter:     o.registry.Limiter(p.ProviderID),
		}, nil
	}

	sideA, err := resolve(config.ParticipantA)
	if err != nil {
		return zero, zero, err
	}
	sideB, err := resolve(config.ParticipantB)
	if err != nil {
		return zero, zero, err
	}
	return sideA, sideB, nil
}

// fail centralizes error termination: classify, move to error, emit the
// terminal discussion-error event.
func (o *Orchestrator) fail(machine *StateMachine, id string, err error, role models.Role, round int, reason models.StoppingReason) {
	derr := classifyError(err)
	if derr.Role == "" {
		derr.Role = role
	}
	if derr.RoundNumber == 0 {
		derr.RoundNumber = round
	}

	_ = machine.Transition(models.PhaseError)

	o.mu.Lock()
	o.stoppingReason = reason
	o.lastError = derr
	o.completedAt = time.Now()
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"discussion_id": id,
		"code":          derr.Code,
		"role":          derr.Role,
		"round":         derr.RoundNumber,
	}).WithError(err).Error("Discussion failed")

	o.emit(events.NewEvent(events.EventDiscussionError, id, events.DiscussionErrorData{Error: derr}))
}

// finishCancelled terminates a cancelled run as either timeout or abort.
func (o *Orchestrator) finishCancelled(machine *StateMachine, id string) {
	o.mu.Lock()
	timedOut := o.timedOut
	o.mu.Unlock()

	if timedOut {
		o.mu.Lock()
		total := o.config.Options.TotalTimeout
		o.mu.Unlock()
		o.fail(machine, id, models.NewDiscussionError(models.ErrCodeDiscussionTimeout,
			fmt.Sprintf("discussion exceeded total timeout of %s", total), nil),
			"", 0, models.StopTimeout)
		return
	}

	_ = machine.Transition(models.PhaseAborted)

	o.mu.Lock()
	o.stoppingReason = models.StopUserAbort
	o.completedAt = time.Now()
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{"discussion_id": id}).Info("Discussion aborted")

	o.emit(events.NewEvent(events.EventDiscussionAborted, id, events.DiscussionAbortedData{Reason: AbortReason}))
}

// classifyError maps any run error onto a DiscussionError.
func classifyError(err error) *models.DiscussionError {
	var tte *models.TurnTimeoutError
	if errors.As(err, &tte) {
		return &models.DiscussionError{
			Code:        models.ErrCodeTurnTimeout,
			Message:     tte.Error(),
			Role:        tte.Role,
			RoundNumber: tte.Round,
			Recoverable: false,
			Cause:       err,
		}
	}

	var ste *models.StateTransitionError
	if errors.As(err, &ste) {
		return models.NewDiscussionError(models.ErrCodeStateInvalid, ste.Error(), err)
	}

	var de *models.DiscussionError
	if errors.As(err, &de) {
		return de
	}

	if pf, ok := models.AsProviderFailure(err); ok {
		return models.NewDiscussionError(models.ErrCodeTurnFailed, pf.Error(), err)
	}

	return models.NewDiscussionError(models.ErrCodeUnknown, err.Error(), err)
}

func (o *Orchestrator) emit(event *events.Event) {
	o.bus.Publish(event)
}
