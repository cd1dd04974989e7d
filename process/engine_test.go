package process

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/dispatch"
)

func contentPipeline() *definition.Definition {
	return &definition.Definition{
		Name:    "content-pipeline",
		Version: "1.0.0",
		Steps: []definition.Step{
			agentStep("research", "researcher", "Research {{input.topic}}"),
			agentStep("write", "writer", "Write an article from: {{steps.research.output}}", "research"),
			agentStep("review", "reviewer", "Review: {{steps.write.output}}", "write"),
		},
		Outputs: []definition.Output{
			{Name: "final", Source: "{{steps.review.output}}"},
			{Name: "topic", Source: "{{input.topic}}"},
		},
	}
}

func TestSequentialPipeline(t *testing.T) {
	def := contentPipeline()
	h := newHarness(t, nil, def)

	h.agent.respond(func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
		switch req.Agent {
		case "researcher":
			return &dispatch.TaskResponse{Response: "ten key findings", Cost: 0.25}, nil
		case "writer":
			return &dispatch.TaskResponse{Response: "ARTICLE", Cost: 0.50}, nil
		default:
			return &dispatch.TaskResponse{Response: "Summary of ARTICLE", Cost: 0.25}, nil
		}
	})

	id := h.start(ref(def), map[string]interface{}{"topic": "quantum computing"})
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionSucceeded, exec.Status)
	assert.Equal(t, "Summary of ARTICLE", exec.Outputs["final"])
	assert.Equal(t, "quantum computing", exec.Outputs["topic"])
	assert.InDelta(t, 1.0, exec.Cost, 1e-9)
	require.NotNil(t, exec.CompletedAt)

	// Upstream outputs flow into downstream messages.
	require.Equal(t, 3, h.agent.callCount())
	assert.Equal(t, "Research quantum computing", h.agent.call(0).Message)
	assert.Equal(t, "Write an article from: ten key findings", h.agent.call(1).Message)
	assert.Equal(t, "Review: ARTICLE", h.agent.call(2).Message)

	// Every call carries attribution and a per-attempt idempotency key.
	first := h.agent.call(0)
	assert.Equal(t, id, first.Headers["X-Trinity-Execution-Id"])
	assert.Equal(t, "manual", first.Headers["X-Trinity-Origin-Kind"])
	assert.Equal(t, operator.ID, first.Headers["X-Trinity-Origin-User"])
	assert.Equal(t, fmt.Sprintf("%s:research:1", id), first.Headers["X-Trinity-Idempotency-Key"])

	for _, stepID := range []string{"research", "write", "review"} {
		rec := h.step(id, stepID)
		assert.Equal(t, StepSucceeded, rec.Status, stepID)
		assert.Equal(t, 1, rec.Attempt, stepID)
		assert.NotNil(t, rec.CompletedAt, stepID)
	}

	assert.Len(t, h.events(id, EventExecutionStarted), 1)
	assert.Len(t, h.events(id, EventExecutionCompleted), 1)
	assert.Len(t, h.events(id, EventStepCompleted), 3)
}

func TestParallelJoinDependencyFailure(t *testing.T) {
	def := &definition.Definition{
		Name:    "fan-in",
		Version: "1",
		Steps: []definition.Step{
			agentStep("left", "steady", "left side"),
			agentStep("right", "flaky", "right side"),
			agentStep("join", "steady", "merge {{steps.left.output}} {{steps.right.output}}", "left", "right"),
		},
	}
	h := newHarness(t, nil, def)
	h.agent.respond(func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
		if req.Agent == "flaky" {
			return nil, fmt.Errorf("agent rejected request: %w", core.ErrPermanent)
		}
		return &dispatch.TaskResponse{Response: "ok"}, nil
	})

	id := h.start(ref(def), nil)
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "step right failed")

	assert.Equal(t, StepSucceeded, h.step(id, "left").Status)
	assert.Equal(t, StepFailed, h.step(id, "right").Status)

	join := h.step(id, "join")
	assert.Equal(t, StepFailed, join.Status)
	assert.Contains(t, join.Error, core.ErrDependencyFailed.Error())
}

// A condition-false skip satisfies downstream joins; the dependent step still
// runs and sees the skipped step's output as missing.
func TestConditionSkipSatisfiesJoin(t *testing.T) {
	def := &definition.Definition{
		Name:    "conditional",
		Version: "1",
		Steps: []definition.Step{
			agentStep("draft", "writer", "draft it"),
			{ID: "polish", Type: definition.StepAgentTask, Agent: "writer",
				Message: "polish it", DependsOn: []string{"draft"},
				Condition: "input.polish == true"},
			agentStep("publish", "publisher", "publish [{{steps.polish.output}}]", "polish"),
		},
	}
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"polish": false})
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionSucceeded, exec.Status)
	polish := h.step(id, "polish")
	assert.Equal(t, StepSkipped, polish.Status)
	assert.Equal(t, SkipCondition, polish.SkipReason)
	assert.Equal(t, StepSucceeded, h.step(id, "publish").Status)

	// The skipped step's output interpolates to the empty string.
	last := h.agent.call(h.agent.callCount() - 1)
	assert.Equal(t, "publish []", last.Message)
}

// A condition referencing missing data is false, not an error: the step is
// skipped and the execution still succeeds.
func TestConditionOnMissingDataSkips(t *testing.T) {
	def := &definition.Definition{
		Name:    "missing-data",
		Version: "1",
		Steps: []definition.Step{
			{ID: "only", Type: definition.StepAgentTask, Agent: "a", Message: "m",
				Condition: "input.absent"},
		},
	}
	h := newHarness(t, nil, def)

	id := h.start(ref(def), nil)
	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionSucceeded, exec.Status)
	only := h.step(id, "only")
	assert.Equal(t, StepSkipped, only.Status)
	assert.Equal(t, SkipCondition, only.SkipReason)
	assert.Equal(t, 0, h.agent.callCount())
}

func TestOversizeOutputDropped(t *testing.T) {
	def := &definition.Definition{
		Name:    "chatty",
		Version: "1",
		Steps:   []definition.Step{agentStep("talk", "talker", "say a lot")},
		Outputs: []definition.Output{
			{Name: "huge", Source: "{{steps.talk.output}}"},
			{Name: "small", Source: "{{input.tag}}"},
		},
	}
	h := newHarness(t, nil, def)
	h.cfg.OutputVariableMaxBytes = 64
	h.agent.respond(func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
		return &dispatch.TaskResponse{Response: strings.Repeat("x", 4096)}, nil
	})

	id := h.start(ref(def), map[string]interface{}{"tag": "v1"})
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionSucceeded, exec.Status)
	_, present := exec.Outputs["huge"]
	assert.False(t, present, "oversize output must be dropped, not truncated")
	assert.Equal(t, "v1", exec.Outputs["small"])
}

func TestConcurrencyLimits(t *testing.T) {
	def := &definition.Definition{
		Name:    "slow",
		Version: "1",
		Steps:   []definition.Step{agentStep("work", "worker", "work")},
	}
	h := newHarness(t, []core.Option{
		core.WithMaxGlobalExecutions(1),
		core.WithMaxPerProcessExecutions(1),
	}, def)

	release := make(chan struct{})
	h.agent.respond(func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
		<-release
		return &dispatch.TaskResponse{Response: "done"}, nil
	})

	id := h.start(ref(def), nil)
	h.awaitStepStatus(id, "work", StepRunning)

	_, err := h.engine.StartExecution(context.Background(), ref(def), nil, Origin{Kind: OriginManual}, operator)
	require.ErrorIs(t, err, core.ErrLimitExceeded)

	close(release)
	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionSucceeded, exec.Status)

	// Capacity freed: the next submission is admitted.
	id2 := h.start(ref(def), nil)
	h.awaitTerminal(id2)
}

// A definition's config.max_concurrent overrides the engine-wide
// per-process cap.
func TestDefinitionConcurrencyOverride(t *testing.T) {
	def := &definition.Definition{
		Name:    "serialized",
		Version: "1",
		Config:  &definition.Config{MaxConcurrent: 1},
		Steps:   []definition.Step{agentStep("work", "worker", "work")},
	}
	h := newHarness(t, []core.Option{core.WithMaxPerProcessExecutions(3)}, def)

	release := make(chan struct{})
	h.agent.respond(func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
		<-release
		return &dispatch.TaskResponse{Response: "done"}, nil
	})

	id := h.start(ref(def), nil)
	h.awaitStepStatus(id, "work", StepRunning)

	_, err := h.engine.StartExecution(context.Background(), ref(def), nil, Origin{Kind: OriginManual}, operator)
	require.ErrorIs(t, err, core.ErrLimitExceeded)

	close(release)
	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionSucceeded, exec.Status)

	id2 := h.start(ref(def), nil)
	h.awaitTerminal(id2)
}

func TestStartExecutionAuthz(t *testing.T) {
	def := contentPipeline()
	h := newHarness(t, nil, def)

	_, err := h.engine.StartExecution(context.Background(), ref(def), nil, Origin{Kind: OriginManual}, viewer)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.engine.StartExecution(context.Background(), definition.Ref{Name: "no-such", Version: "1"}, nil, Origin{Kind: OriginManual}, operator)
	require.ErrorIs(t, err, core.ErrDefinitionNotFound)
}

func TestStepRoleRestrictions(t *testing.T) {
	def := &definition.Definition{
		Name:    "restricted",
		Version: "1",
		Steps: []definition.Step{
			{ID: "deploy", Type: definition.StepAgentTask, Agent: "deployer",
				Message: "ship it", Roles: []string{"admin"}},
		},
	}
	h := newHarness(t, nil, def)

	_, err := h.engine.StartExecution(context.Background(), ref(def), nil, Origin{Kind: OriginManual}, operator)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	id, err := h.engine.StartExecution(context.Background(), ref(def), nil, Origin{Kind: OriginManual}, admin)
	require.NoError(t, err)
	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionSucceeded, exec.Status)
}

func TestCancelExecution(t *testing.T) {
	def := &definition.Definition{
		Name:    "cancellable",
		Version: "1",
		Steps:   []definition.Step{agentStep("work", "worker", "work forever")},
	}
	h := newHarness(t, nil, def)
	h.agent.respond(func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second): // cancelled long before
			return &dispatch.TaskResponse{Response: "never"}, nil
		}
	})

	id := h.start(ref(def), nil)
	h.awaitStepStatus(id, "work", StepRunning)

	require.NoError(t, h.engine.CancelExecution(context.Background(), id, operator))

	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionCancelled, exec.Status)
	assert.Equal(t, StepCancelled, h.step(id, "work").Status)

	// Cancelling a terminal execution is rejected.
	err := h.engine.CancelExecution(context.Background(), id, operator)
	require.ErrorIs(t, err, core.ErrTerminalState)

	// The in-flight agent call got a best-effort cancel.
	require.Eventually(t, func() bool { return h.agent.cancelCount() > 0 },
		2*time.Second, 5*time.Millisecond)
}

// Awaiting steps are cancelled immediately on cancel; only running steps
// get the grace period.
func TestCancelStopsAwaitingStepsImmediately(t *testing.T) {
	def := &definition.Definition{
		Name:    "mixed",
		Version: "1",
		Steps: []definition.Step{
			agentStep("work", "worker", "work"),
			{ID: "wait", Type: definition.StepTimer, Duration: definition.Duration(time.Hour)},
		},
	}
	h := newHarness(t, []core.Option{core.WithCancelGracePeriod(2 * time.Second)}, def)

	// The agent ignores cancellation, so the drain holds for the full grace
	// period.
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.agent.respond(func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
		<-block
		return &dispatch.TaskResponse{Response: "late"}, nil
	})

	id := h.start(ref(def), nil)
	h.awaitStepStatus(id, "work", StepRunning)
	h.awaitStepStatus(id, "wait", StepAwaiting)

	start := time.Now()
	require.NoError(t, h.engine.CancelExecution(context.Background(), id, operator))

	h.awaitStepStatus(id, "wait", StepCancelled)
	assert.Less(t, time.Since(start), time.Second, "timer cancel must not wait out the grace period")

	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionCancelled, exec.Status)
	assert.Equal(t, StepCancelled, h.step(id, "work").Status)
}

// Waiting on an already-terminal execution returns immediately and leaves
// no waiter registered.
func TestWaitForExecutionAlreadyTerminal(t *testing.T) {
	def := &definition.Definition{
		Name:    "quick",
		Version: "1",
		Steps:   []definition.Step{agentStep("s", "a", "m")},
	}
	h := newHarness(t, nil, def)

	id := h.start(ref(def), nil)
	h.awaitTerminal(id)

	exec, err := h.engine.waitForExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, exec.Status)

	h.engine.mu.Lock()
	_, registered := h.engine.waiters[id]
	h.engine.mu.Unlock()
	assert.False(t, registered, "early return must unregister its waiter")
}

func TestListExecutionsFilter(t *testing.T) {
	def := contentPipeline()
	other := &definition.Definition{
		Name:    "other",
		Version: "1",
		Steps:   []definition.Step{agentStep("s", "a", "m")},
	}
	h := newHarness(t, nil, def, other)

	id1 := h.start(ref(def), map[string]interface{}{"topic": "a"})
	id2 := h.start(ref(other), nil)
	h.awaitTerminal(id1)
	h.awaitTerminal(id2)

	page, err := h.engine.ListExecutions(context.Background(), Filter{Definition: "content-pipeline"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, id1, page.Executions[0].ID)

	page, err = h.engine.ListExecutions(context.Background(), Filter{Status: ExecutionSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = h.engine.ListExecutions(context.Background(), Filter{PageSize: 1, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Executions, 1)
}
