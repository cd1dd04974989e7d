package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
)

func approvalDef(timeout definition.Duration, action definition.TimeoutAction) *definition.Definition {
	return &definition.Definition{
		Name:    "release-gate",
		Version: "1",
		Steps: []definition.Step{
			agentStep("build", "builder", "build {{input.tag}}"),
			{ID: "review", Type: definition.StepHumanApproval, DependsOn: []string{"build"},
				Title:         "Release {{input.tag}}",
				Description:   "Build output: {{steps.build.output}}",
				Approvers:     []string{operator.Email},
				Timeout:       timeout,
				TimeoutAction: action},
			{ID: "ship", Type: definition.StepAgentTask, Agent: "shipper",
				Message: "ship it", DependsOn: []string{"review"},
				Condition: `steps.review.output.decision == 'approved'`},
		},
		Outputs: []definition.Output{
			{Name: "review_decision", Source: "{{steps.review.output.decision}}"},
		},
	}
}

func TestApprovalApproved(t *testing.T) {
	def := approvalDef(definition.Duration(time.Hour), "")
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"tag": "v2.1"})
	rec := h.awaitStepStatus(id, "review", StepAwaiting)
	require.NotEmpty(t, rec.ApprovalID)
	require.NotNil(t, rec.Deadline)

	task, err := h.store.GetApproval(context.Background(), rec.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, "Release v2.1", task.Title)
	assert.Equal(t, "Build output: ok", task.Description)
	assert.Equal(t, []string{operator.Email}, task.Approvers)

	decided, err := h.engine.DecideApproval(context.Background(), rec.ApprovalID, true, "lgtm", operator)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, decided.Status)
	assert.Equal(t, operator.Email, decided.DecidedBy)

	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionSucceeded, exec.Status)
	assert.Equal(t, "approved", exec.Outputs["review_decision"])

	review := h.step(id, "review")
	assert.Equal(t, StepSucceeded, review.Status)
	out, ok := review.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "approved", out["decision"])
	assert.Equal(t, operator.Email, out["approved_by"])
	assert.Equal(t, "lgtm", out["comments"])

	assert.Equal(t, StepSucceeded, h.step(id, "ship").Status)
	assert.Len(t, h.events(id, EventApprovalCreated), 1)
	assert.Len(t, h.events(id, EventApprovalDecided), 1)
}

// Rejection is still a successful step; downstream conditions route on the
// decision.
func TestApprovalRejected(t *testing.T) {
	def := approvalDef(definition.Duration(time.Hour), "")
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"tag": "v2.1"})
	rec := h.awaitStepStatus(id, "review", StepAwaiting)

	_, err := h.engine.DecideApproval(context.Background(), rec.ApprovalID, false, "not yet", operator)
	require.NoError(t, err)

	exec := h.awaitTerminal(id)
	assert.Equal(t, ExecutionSucceeded, exec.Status)
	assert.Equal(t, "rejected", exec.Outputs["review_decision"])
	assert.Equal(t, StepSucceeded, h.step(id, "review").Status)

	ship := h.step(id, "ship")
	assert.Equal(t, StepSkipped, ship.Status)
	assert.Equal(t, SkipCondition, ship.SkipReason)
}

func TestApprovalAuthz(t *testing.T) {
	def := approvalDef(definition.Duration(time.Hour), "")
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"tag": "v1"})
	rec := h.awaitStepStatus(id, "review", StepAwaiting)

	// Viewers cannot decide at all.
	_, err := h.engine.DecideApproval(context.Background(), rec.ApprovalID, true, "", viewer)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	// Operators must be on the approver list.
	stranger := Actor{ID: "u-eve", Email: "eve@example.com", Role: RoleOperator}
	_, err = h.engine.DecideApproval(context.Background(), rec.ApprovalID, true, "", stranger)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	// Admins bypass the list.
	_, err = h.engine.DecideApproval(context.Background(), rec.ApprovalID, true, "", admin)
	require.NoError(t, err)

	// A second decision is rejected.
	_, err = h.engine.DecideApproval(context.Background(), rec.ApprovalID, false, "", operator)
	require.ErrorIs(t, err, core.ErrAlreadyDecided)

	h.awaitTerminal(id)
}

func TestApprovalTimeoutSkips(t *testing.T) {
	def := approvalDef(definition.Duration(50*time.Millisecond), definition.TimeoutSkip)
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"tag": "v1"})
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionSucceeded, exec.Status)
	review := h.step(id, "review")
	assert.Equal(t, StepSkipped, review.Status)
	assert.Equal(t, SkipTimeout, review.SkipReason)

	task, err := h.store.GetApproval(context.Background(), review.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalExpired, task.Status)

	// The skipped approval has no decision, so the ship condition is false.
	ship := h.step(id, "ship")
	assert.Equal(t, StepSkipped, ship.Status)
	assert.Equal(t, SkipCondition, ship.SkipReason)
}

// timeout_action approve synthesizes a decision and the flow proceeds as if
// approved, flagged as timed out.
func TestApprovalTimeoutApproves(t *testing.T) {
	def := approvalDef(definition.Duration(50*time.Millisecond), definition.TimeoutApprove)
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"tag": "v1"})
	exec := h.awaitTerminal(id)

	assert.Equal(t, ExecutionSucceeded, exec.Status)
	review := h.step(id, "review")
	assert.Equal(t, StepSucceeded, review.Status)
	out, ok := review.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "approved", out["decision"])
	assert.Equal(t, true, out["timed_out"])

	assert.Equal(t, StepSucceeded, h.step(id, "ship").Status)
}

// Deciding an expired approval is AlreadyDecided, not a late win.
func TestApprovalDecisionAfterExpiry(t *testing.T) {
	def := approvalDef(definition.Duration(50*time.Millisecond), definition.TimeoutSkip)
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"tag": "v1"})
	review := h.awaitStepStatus(id, "review", StepSkipped)
	h.awaitTerminal(id)

	_, err := h.engine.DecideApproval(context.Background(), review.ApprovalID, true, "", operator)
	require.ErrorIs(t, err, core.ErrAlreadyDecided)
}

func TestApproverNotification(t *testing.T) {
	def := approvalDef(definition.Duration(time.Hour), "")
	h := newHarness(t, nil, def)

	id := h.start(ref(def), map[string]interface{}{"tag": "v1"})
	rec := h.awaitStepStatus(id, "review", StepAwaiting)

	// Approver notification is async and best-effort.
	require.Eventually(t, func() bool { return h.approvals.notified() > 0 },
		2*time.Second, 5*time.Millisecond)

	_, err := h.engine.DecideApproval(context.Background(), rec.ApprovalID, true, "", operator)
	require.NoError(t, err)
	h.awaitTerminal(id)
}
