package process

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/expr"
)

// beginApproval creates the approval task and parks the step in awaiting.
// The deadline is persisted on the step record so recovery can reconcile
// expired approvals after a restart. The scheduler holds no goroutine for
// the wait; it wakes on the decision or the deadline.
func (s *scheduler) beginApproval(ctx context.Context, step *definition.Step, rec *StepExecution) {
	ectx := s.evalContext()
	title, err := expr.Interpolate(step.Title, ectx)
	if err != nil {
		s.failStep(ctx, rec, 1, err)
		return
	}
	description, err := expr.Interpolate(step.Description, ectx)
	if err != nil {
		s.failStep(ctx, rec, 1, err)
		return
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = s.engine.cfg.DefaultStepTimeout
	}
	deadline := s.engine.now().UTC().Add(timeout)

	task := &ApprovalTask{
		ID:          uuid.NewString(),
		ExecutionID: s.exec.ID,
		StepID:      step.ID,
		Title:       title,
		Description: description,
		Approvers:   step.Approvers,
		Deadline:    deadline,
		Status:      ApprovalPending,
	}
	if err := s.engine.store.CreateApproval(ctx, task); err != nil {
		s.failStep(ctx, rec, 1, err)
		return
	}

	rec.Status = StepAwaiting
	rec.Deadline = &deadline
	rec.ApprovalID = task.ID
	s.persistStep(ctx, rec)

	s.engine.appendEvent(ctx, s.exec.ID, EventApprovalCreated, step.ID, map[string]interface{}{
		"approval_id": task.ID,
		"title":       title,
		"deadline":    deadline.Format(time.RFC3339),
	})

	// Approver notification is best-effort and must not block the loop.
	notifyTask := *task
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.engine.approvals.NotifyApprovers(nctx, &notifyTask); err != nil {
			s.engine.logger.Warn("Approver notification failed", map[string]interface{}{
				"approval_id": notifyTask.ID,
				"error":       err.Error(),
			})
		}
	}()
}

// checkApproval resumes an awaiting approval step: a recorded decision
// completes it, an expired deadline resolves per timeout_action.
func (s *scheduler) checkApproval(ctx context.Context, step *definition.Step, rec *StepExecution, now time.Time) {
	task, err := s.engine.store.GetApproval(ctx, rec.ApprovalID)
	if err != nil {
		s.failStep(ctx, rec, rec.Attempt, err)
		return
	}

	switch task.Status {
	case ApprovalApproved, ApprovalRejected:
		s.completeStep(ctx, rec, StepSucceeded, approvalOutput(task), "")
		return
	case ApprovalCancelled:
		s.completeStep(ctx, rec, StepCancelled, nil, "")
		return
	case ApprovalExpired:
		s.resolveExpiredApproval(ctx, step, rec, task, now)
		return
	}

	if rec.Deadline == nil || now.Before(*rec.Deadline) {
		return
	}

	task.Status = ApprovalExpired
	task.DecidedAt = &now
	if err := s.engine.store.UpdateApproval(ctx, task); err != nil {
		s.engine.logger.Error("Approval expiry persist failed", map[string]interface{}{
			"approval_id": task.ID,
			"error":       err.Error(),
		})
	}
	s.engine.appendEvent(ctx, s.exec.ID, EventApprovalDecided, step.ID, map[string]interface{}{
		"approval_id":    task.ID,
		"status":         string(ApprovalExpired),
		"timeout_action": string(step.TimeoutAction),
	})
	s.resolveExpiredApproval(ctx, step, rec, task, now)
}

// resolveExpiredApproval applies the step's timeout_action: skip the step or
// synthesize a decision and proceed.
func (s *scheduler) resolveExpiredApproval(ctx context.Context, step *definition.Step, rec *StepExecution, task *ApprovalTask, now time.Time) {
	switch step.TimeoutAction {
	case definition.TimeoutApprove:
		s.completeStep(ctx, rec, StepSucceeded, synthesizedDecision("approved", now), "")
	case definition.TimeoutReject:
		s.completeStep(ctx, rec, StepSucceeded, synthesizedDecision("rejected", now), "")
	default: // skip
		s.skipStep(ctx, rec, SkipTimeout)
	}
}

func approvalOutput(task *ApprovalTask) map[string]interface{} {
	decision := "rejected"
	if task.Status == ApprovalApproved {
		decision = "approved"
	}
	out := map[string]interface{}{
		"decision":    decision,
		"approved_by": task.DecidedBy,
	}
	if task.Comments != "" {
		out["comments"] = task.Comments
	}
	if task.DecidedAt != nil {
		out["decided_at"] = task.DecidedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func synthesizedDecision(decision string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"decision":   decision,
		"timed_out":  true,
		"decided_at": now.UTC().Format(time.RFC3339),
	}
}

// cancelApprovalTask retires a still-pending task during execution
// cancellation.
func (s *scheduler) cancelApprovalTask(ctx context.Context, approvalID string, now time.Time) {
	task, err := s.engine.store.GetApproval(ctx, approvalID)
	if err != nil || task.Status != ApprovalPending {
		return
	}
	task.Status = ApprovalCancelled
	task.DecidedAt = &now
	if err := s.engine.store.UpdateApproval(ctx, task); err != nil {
		s.engine.logger.Error("Approval cancel persist failed", map[string]interface{}{
			"approval_id": approvalID,
			"error":       err.Error(),
		})
	}
}
