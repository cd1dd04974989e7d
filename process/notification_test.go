package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
)

func TestTimerFires(t *testing.T) {
	def := &definition.Definition{
		Name:    "delayed",
		Version: "1",
		Steps: []definition.Step{
			{ID: "wait", Type: definition.StepTimer, Duration: definition.Duration(50 * time.Millisecond)},
			agentStep("after", "worker", "go", "wait"),
		},
	}
	h := newHarness(t, nil, def)

	started := time.Now()
	id := h.start(ref(def), nil)
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionSucceeded, exec.Status)
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	wait := h.step(id, "wait")
	assert.Equal(t, StepSucceeded, wait.Status)
	require.NotNil(t, wait.FireAt)
	out, ok := wait.Output.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, out["fired_at"])

	assert.Equal(t, StepSucceeded, h.step(id, "after").Status)
}

func TestNotificationDelivery(t *testing.T) {
	def := &definition.Definition{
		Name:    "announce",
		Version: "1",
		Steps: []definition.Step{
			agentStep("work", "worker", "do {{input.task}}"),
			{ID: "notify", Type: definition.StepNotification, DependsOn: []string{"work"},
				Channels:   []string{"slack", "email"},
				Recipients: []string{"team@example.com"},
				Message:    "Done: {{steps.work.output}}"},
		},
	}
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"task": "deploy"})
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionSucceeded, exec.Status)

	notify := h.step(id, "notify")
	assert.Equal(t, StepSucceeded, notify.Status)
	out, ok := notify.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), out["accepted"])

	sent := h.notifier.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent, "slack|Done: ok")
	assert.Contains(t, sent, "email|Done: ok")
}

// When every channel refuses, the step fails and so does the execution.
func TestNotificationAllChannelsFail(t *testing.T) {
	def := &definition.Definition{
		Name:    "announce-down",
		Version: "1",
		Steps: []definition.Step{
			{ID: "notify", Type: definition.StepNotification,
				Channels:   []string{"slack"},
				Recipients: []string{"team@example.com"},
				Message:    "hello"},
		},
	}
	h := newHarness(t, nil, def)
	h.notifier.setRefuse(true)

	id := h.start(ref(def), nil)
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionFailed, exec.Status)
	notify := h.step(id, "notify")
	assert.Equal(t, StepFailed, notify.Status)
	assert.Contains(t, notify.Error, core.ErrNotificationFailed.Error())
}

// Notification failures retry like any transient error, then exhaust the
// budget.
func TestNotificationRetryBudget(t *testing.T) {
	def := &definition.Definition{
		Name:    "announce-flaky",
		Version: "1",
		Steps: []definition.Step{
			{ID: "notify", Type: definition.StepNotification,
				Channels:   []string{"slack"},
				Recipients: []string{"team@example.com"},
				Message:    "hello",
				Retry: &definition.Retry{
					MaxAttempts:  3,
					InitialDelay: definition.Duration(time.Millisecond),
				}},
		},
	}
	h := newHarness(t, nil, def)
	h.notifier.setRefuse(true)

	id := h.start(ref(def), nil)
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Equal(t, 3, h.step(id, "notify").Attempt)
	assert.Len(t, h.events(id, EventStepRetrying), 2)
}
