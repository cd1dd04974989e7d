package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 50, cfg.MaxGlobalExecutions)
	assert.Equal(t, 3, cfg.MaxPerProcessExecutions)
	assert.Equal(t, 3, cfg.AgentQueueMax)
	assert.Equal(t, 3, cfg.CircuitFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitCooldown)
	assert.Equal(t, 24*time.Hour, cfg.MaxExecutionAge)
	assert.Equal(t, 300*time.Second, cfg.DefaultStepTimeout)
	assert.Equal(t, 5, cfg.SubProcessMaxDepth)
	assert.Equal(t, 1<<20, cfg.OutputVariableMaxBytes)
	require.NoError(t, cfg.Validate())
}

func TestConfigOptionsOverrideEnv(t *testing.T) {
	t.Setenv("TRINITY_MAX_GLOBAL_EXECUTIONS", "10")
	t.Setenv("TRINITY_CIRCUIT_COOLDOWN_SECONDS", "120")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxGlobalExecutions)
	assert.Equal(t, 120*time.Second, cfg.CircuitCooldown)

	// Options win over environment.
	cfg, err = NewConfig(WithMaxGlobalExecutions(7))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxGlobalExecutions)
	assert.Equal(t, 120*time.Second, cfg.CircuitCooldown)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero global cap", WithMaxGlobalExecutions(0)},
		{"zero per-process cap", WithMaxPerProcessExecutions(0)},
		{"zero queue bound", WithAgentQueueMax(0)},
		{"zero circuit threshold", WithCircuitFailureThreshold(0)},
		{"zero sub-process depth", WithSubProcessMaxDepth(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestMalformedEnvIgnored(t *testing.T) {
	t.Setenv("TRINITY_MAX_GLOBAL_EXECUTIONS", "not-a-number")
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxGlobalExecutions)
}
