package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineErrorWrapping(t *testing.T) {
	inner := fmt.Errorf("agent said no: %w", ErrPermanent)
	err := &EngineError{Op: "engine.StartExecution", Kind: "agent", StepID: "deploy", Attempt: 2, Err: inner}

	assert.Equal(t, "engine.StartExecution [step deploy attempt 2]: agent said no: permanent agent error", err.Error())
	require.ErrorIs(t, err, ErrPermanent)

	var ee *EngineError
	require.ErrorAs(t, error(err), &ee)
	assert.Equal(t, "deploy", ee.StepID)
}

func TestRetryClassification(t *testing.T) {
	retryable := []error{ErrAgentBusy, ErrAgentTimeout, ErrTransient, ErrStepTimeout, ErrNotificationFailed}
	for _, err := range retryable {
		assert.True(t, IsRetryable(err), err.Error())
		assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", err)), err.Error())
	}

	permanent := []error{ErrPermanent, ErrExpression, ErrNoGatewayMatch, ErrSubProcessTooDeep, ErrDependencyFailed}
	for _, err := range permanent {
		assert.True(t, IsPermanent(err), err.Error())
		assert.False(t, IsRetryable(err), err.Error())
	}

	// Circuit-open is neither: it is handled before the retry loop.
	assert.False(t, IsRetryable(ErrCircuitOpen))
	assert.False(t, IsPermanent(ErrCircuitOpen))
	assert.True(t, IsCircuitOpen(fmt.Errorf("dispatch: %w", ErrCircuitOpen)))
	assert.False(t, IsCircuitOpen(errors.New("other")))
}

func TestExecutionIDsSortable(t *testing.T) {
	a := NewExecutionID()
	b := NewExecutionID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids from one process are monotonic")
}
