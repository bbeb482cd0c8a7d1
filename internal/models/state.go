package models

import "fmt"

// IterationState is the fine-grained processing stage of an optimization run
type IterationState string

const (
	IterationStateIdle                 IterationState = "idle"
	IterationStateRunningTests         IterationState = "running_tests"
	IterationStateEvaluating           IterationState = "evaluating"
	IterationStateExtractingRules      IterationState = "extracting_rules"
	IterationStateReflecting           IterationState = "reflecting"
	IterationStateOptimizing           IterationState = "optimizing"
	IterationStateCompleted            IterationState = "completed"
	IterationStateFailed               IterationState = "failed"
	IterationStateUserStopped          IterationState = "user_stopped"
	IterationStateMaxIterationsReached IterationState = "max_iterations_reached"
)

var iterationStates = map[IterationState]bool{
	IterationStateIdle:                 true,
	IterationStateRunningTests:         true,
	IterationStateEvaluating:           true,
	IterationStateExtractingRules:      true,
	IterationStateReflecting:           true,
	IterationStateOptimizing:           true,
	IterationStateCompleted:            true,
	IterationStateFailed:               true,
	IterationStateUserStopped:          true,
	IterationStateMaxIterationsReached: true,
}

// IsValid reports whether s is a known iteration state
func (s IterationState) IsValid() bool {
	return iterationStates[s]
}

// IsTerminal reports whether the run has finished in this state
func (s IterationState) IsTerminal() bool {
	switch s {
	case IterationStateCompleted, IterationStateFailed, IterationStateUserStopped, IterationStateMaxIterationsReached:
		return true
	}
	return false
}

// RunControlState governs whether the orchestration loop may proceed at all
type RunControlState string

const (
	RunControlIdle    RunControlState = "idle"
	RunControlRunning RunControlState = "running"
	RunControlPaused  RunControlState = "paused"
	RunControlStopped RunControlState = "stopped"
)

var runControlTransitions = map[RunControlState][]RunControlState{
	RunControlIdle:    {RunControlIdle, RunControlRunning},
	RunControlRunning: {RunControlRunning, RunControlPaused, RunControlStopped, RunControlIdle},
	RunControlPaused:  {RunControlPaused, RunControlRunning, RunControlStopped},
	RunControlStopped: {RunControlStopped, RunControlIdle},
}

// IsValid reports whether s is a known run control state
func (s RunControlState) IsValid() bool {
	_, ok := runControlTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is legal
func (s RunControlState) CanTransitionTo(next RunControlState) bool {
	for _, allowed := range runControlTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TryTransitionTo moves s to next, leaving s untouched when the move is illegal
func (s *RunControlState) TryTransitionTo(next RunControlState) error {
	if !s.CanTransitionTo(next) {
		return &TransitionError{From: *s, To: next}
	}
	*s = next
	return nil
}

// TransitionError is returned for an illegal RunControlState transition
type TransitionError struct {
	From RunControlState
	To   RunControlState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid run control transition from %s to %s", e.From, e.To)
}

// TerminationReason explains why an optimization run ended
type TerminationReason string

const (
	TerminationAllTestsPassed       TerminationReason = "all_tests_passed"
	TerminationPassThresholdReached TerminationReason = "pass_threshold_reached"
	TerminationMaxIterationsReached TerminationReason = "max_iterations_reached"
	TerminationOptimizerConverged   TerminationReason = "optimizer_converged"
	TerminationUserStopped          TerminationReason = "user_stopped"
)
