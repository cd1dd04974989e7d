package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
)

const defaultRetryDelay = time.Second

// runWithRetry is the shared handler envelope: per-attempt timeout, retry
// classification, and backoff. Circuit-open and permanent errors fail fast;
// retriable errors burn the step's retry budget with fixed or exponential
// delays. The context snapshot is taken once at dispatch; a step only reads
// its (already terminal) ancestors, so the snapshot stays valid.
func (s *scheduler) runWithRetry(ctx context.Context, step *definition.Step, attempt int, ectx *evalContext) stepResult {
	maxAttempts := 1
	backoff := definition.BackoffFixed
	delay := defaultRetryDelay
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			maxAttempts = step.Retry.MaxAttempts
		}
		if step.Retry.Backoff != "" {
			backoff = step.Retry.Backoff
		}
		if step.Retry.InitialDelay > 0 {
			delay = step.Retry.InitialDelay.Std()
		}
	}

	var lastErr error
	var totalCost float64
	for ; attempt <= maxAttempts; attempt++ {
		output, cost, err := s.invoke(ctx, step, ectx, attempt)
		totalCost += cost
		if err == nil {
			return stepResult{stepID: step.ID, output: output, cost: totalCost, attempt: attempt}
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return stepResult{stepID: step.ID, err: context.Canceled, cost: totalCost, attempt: attempt}
		}
		lastErr = err

		if core.IsCircuitOpen(err) || core.IsPermanent(err) || !core.IsRetryable(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}

		wait := delay
		if backoff == definition.BackoffExponential {
			wait = delay << (attempt - 1)
		}
		s.engine.appendEvent(ctx, s.exec.ID, EventStepRetrying, step.ID, map[string]interface{}{
			"attempt":      attempt,
			"next_attempt": attempt + 1,
			"retry_in_ms":  wait.Milliseconds(),
			"error":        err.Error(),
		})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return stepResult{stepID: step.ID, err: context.Canceled, cost: totalCost, attempt: attempt}
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	return stepResult{stepID: step.ID, err: lastErr, cost: totalCost, attempt: attempt}
}

// invoke runs a single attempt of the step's handler under its timeout.
func (s *scheduler) invoke(ctx context.Context, step *definition.Step, ectx *evalContext, attempt int) (interface{}, float64, error) {
	timeout := s.stepTimeout(step)

	switch step.Type {
	case definition.StepAgentTask:
		return s.handleAgentTask(ctx, step, ectx, attempt, timeout)
	case definition.StepGateway:
		return s.handleGateway(step, ectx)
	case definition.StepNotification:
		return s.handleNotification(ctx, step, ectx, timeout)
	case definition.StepSubProcess:
		return s.handleSubProcess(ctx, step, ectx)
	}
	return nil, 0, fmt.Errorf("step %s: unknown type %q: %w", step.ID, step.Type, core.ErrPermanent)
}

// stepTimeout resolves the per-attempt timeout. Sub-processes run on their
// own clock unless the step sets one explicitly.
func (s *scheduler) stepTimeout(step *definition.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout.Std()
	}
	if step.Type == definition.StepSubProcess {
		return 0
	}
	return s.engine.cfg.DefaultStepTimeout
}

// withStepTimeout wraps ctx with the step deadline and converts the
// resulting deadline error into StepTimeout so retry classification works.
func withStepTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func classifyTimeout(ctx context.Context, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%v: %w", err, core.ErrStepTimeout)
	}
	return err
}
