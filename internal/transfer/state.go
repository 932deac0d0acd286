package transfer

import (
	"errors"
	"fmt"
)

// TaskState is the workflow state of a download task.
type TaskState string

const (
	StateIdle       TaskState = "Idle"
	StatePrepared   TaskState = "Prepared"
	StateRunning    TaskState = "Running"
	StateCompleted  TaskState = "Completed"
	StateCancelling TaskState = "Cancelling"
	StateCancelled  TaskState = "Cancelled"
	StateFailed     TaskState = "Failed"
)

// ErrInvalidTransition is returned for a state change the machine forbids.
var ErrInvalidTransition = errors.New("invalid task state transition")

var transitions = map[TaskState][]TaskState{
	StateIdle:       {StatePrepared, StateFailed},
	StatePrepared:   {StatePrepared, StateRunning, StateIdle, StateFailed},
	StateRunning:    {StateCompleted, StateCancelling, StateFailed},
	StateCancelling: {StateCancelled, StateFailed},
	StateCompleted:  {StateIdle, StatePrepared, StateFailed},
	StateCancelled:  {StateIdle, StatePrepared, StateFailed},
	StateFailed:     {StateIdle, StatePrepared, StateFailed},
}

// CanTransition reports whether s may move to next.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next, or ErrInvalidTransition.
func (s TaskState) Transition(next TaskState) (TaskState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// Terminal reports whether no further work happens in s without a new prepare.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}
