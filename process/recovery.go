package process

import (
	"context"
	"fmt"
	"time"
)

// Recover is the startup sweep over non-terminal executions: age-outs are
// terminated, interrupted running steps reset to pending, and surviving
// executions get a fresh scheduler (which resumes awaiting steps whose
// fire-at or deadline passed while the engine was down). The sweep is
// idempotent: executions already owned by a scheduler are left alone.
func (e *Engine) Recover(ctx context.Context) (*RecoverySummary, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine.Recover: %w", err)
	}

	summary := &RecoverySummary{RanAt: e.now().UTC()}
	for _, exec := range active {
		summary.Scanned++

		e.mu.Lock()
		_, owned := e.schedulers[exec.ID]
		e.mu.Unlock()
		if owned {
			continue
		}

		age := e.now().Sub(exec.StartedAt)
		if age > e.cfg.MaxExecutionAge {
			if err := e.timeOutExecution(ctx, exec); err != nil {
				e.logger.Error("Recovery age-out failed", map[string]interface{}{
					"execution_id": exec.ID,
					"error":        err.Error(),
				})
				continue
			}
			summary.TimedOut++
			summary.Actions = append(summary.Actions, RecoveryAction{
				ExecutionID: exec.ID,
				Action:      "timed_out",
			})
			continue
		}

		reset, err := e.resetInterruptedSteps(ctx, exec.ID)
		if err != nil {
			e.logger.Error("Recovery step reset failed", map[string]interface{}{
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
			continue
		}
		summary.StepsReset += reset

		def, getErr := e.registry.Get(exec.Definition.Name, exec.Definition.Version)
		if getErr != nil {
			e.logger.Error("Recovery cannot resolve definition", map[string]interface{}{
				"execution_id": exec.ID,
				"definition":   exec.Definition.String(),
				"error":        getErr.Error(),
			})
			continue
		}

		e.appendEvent(ctx, exec.ID, EventRecoveryAction, "", map[string]interface{}{
			"action":      "resumed",
			"steps_reset": reset,
		})
		e.launch(exec, def)
		summary.Resumed++
		summary.Actions = append(summary.Actions, RecoveryAction{
			ExecutionID: exec.ID,
			Action:      "resumed",
			StepsReset:  reset,
		})
	}

	e.mu.Lock()
	e.recovery = summary
	e.mu.Unlock()

	e.logger.Info("Recovery sweep finished", map[string]interface{}{
		"scanned":     summary.Scanned,
		"timed_out":   summary.TimedOut,
		"resumed":     summary.Resumed,
		"steps_reset": summary.StepsReset,
	})
	return summary, nil
}

// timeOutExecution terminates an execution past the maximum age. In-flight
// step records are closed out as cancelled so nothing stays running forever.
func (e *Engine) timeOutExecution(ctx context.Context, exec *Execution) error {
	now := e.now().UTC()
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err == nil {
		for _, rec := range steps {
			if rec.Status == StepRunning || rec.Status == StepAwaiting {
				if rec.ApprovalID != "" {
					e.expireApprovalOnTimeout(ctx, rec.ApprovalID, now)
				}
				rec.Status = StepCancelled
				rec.CompletedAt = &now
				if err := e.store.PutStep(ctx, rec); err != nil {
					e.logger.Error("Recovery step cancel failed", map[string]interface{}{
						"execution_id": exec.ID,
						"step_id":      rec.StepID,
						"error":        err.Error(),
					})
				}
			}
		}
	}

	exec.Status = ExecutionTimedOut
	exec.Error = fmt.Sprintf("exceeded max execution age %s", e.cfg.MaxExecutionAge)
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.appendEvent(ctx, exec.ID, EventRecoveryAction, "", map[string]interface{}{
		"action": "timed_out",
		"age":    e.now().Sub(exec.StartedAt).String(),
	})
	e.finish(exec)
	return nil
}

func (e *Engine) expireApprovalOnTimeout(ctx context.Context, approvalID string, now time.Time) {
	task, err := e.store.GetApproval(ctx, approvalID)
	if err != nil || task.Status != ApprovalPending {
		return
	}
	task.Status = ApprovalExpired
	task.DecidedAt = &now
	_ = e.store.UpdateApproval(ctx, task)
}

// resetInterruptedSteps returns running steps to pending so the scheduler
// re-dispatches them. Agent calls are at-least-once; the idempotency key
// changes with the attempt and deduplication is the agent's concern.
func (e *Engine) resetInterruptedSteps(ctx context.Context, executionID string) (int, error) {
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, rec := range steps {
		if rec.Status != StepRunning {
			continue
		}
		rec.Status = StepPending
		rec.StartedAt = nil
		if err := e.store.PutStep(ctx, rec); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}
