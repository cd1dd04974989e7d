package process

import (
	"context"
	"time"

	"github.com/trinity-platform/trinity/definition"
)

// beginTimer parks the step in awaiting with a persisted fire-at, so the
// timer survives restarts and fires exactly once.
func (s *scheduler) beginTimer(ctx context.Context, step *definition.Step, rec *StepExecution) {
	fireAt := s.engine.now().UTC().Add(step.Duration.Std())
	rec.Status = StepAwaiting
	rec.FireAt = &fireAt
	s.persistStep(ctx, rec)
	s.engine.appendEvent(ctx, s.exec.ID, EventStepStarted, step.ID, map[string]interface{}{
		"fire_at": fireAt.Format(time.RFC3339),
	})
}

// fireTimer completes an elapsed timer.
func (s *scheduler) fireTimer(ctx context.Context, rec *StepExecution, now time.Time) {
	s.completeStep(ctx, rec, StepSucceeded, map[string]interface{}{
		"fired_at": now.UTC().Format(time.RFC3339),
	}, "")
}
