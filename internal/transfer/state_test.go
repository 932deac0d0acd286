package transfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskState_Transitions(t *testing.T) {
	allowed := [][2]TaskState{
		{StateIdle, StatePrepared},
		{StatePrepared, StateRunning},
		{StatePrepared, StatePrepared},
		{StateRunning, StateCompleted},
		{StateRunning, StateCancelling},
		{StateCancelling, StateCancelled},
		{StateCancelling, StateFailed},
		{StateRunning, StateFailed},
		{StateCancelled, StatePrepared},
	}
	for _, tr := range allowed {
		assert.True(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]TaskState{
		{StateIdle, StateRunning},
		{StateRunning, StateCancelled},
		{StateCompleted, StateRunning},
		{StateCancelling, StateRunning},
	}
	for _, tr := range forbidden {
		_, err := tr[0].Transition(tr[1])
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", tr[0], tr[1])
	}
}

func TestTaskState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateCancelling.Terminal())
	assert.False(t, StateRunning.Terminal())
}
