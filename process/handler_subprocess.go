package process

import (
	"context"
	"fmt"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/expr"
)

// handleSubProcess resolves the input mapping, launches a child execution,
// and mirrors its outcome. The step sits in awaiting while the child runs;
// the child's cost accrues to the parent's budget.
func (s *scheduler) handleSubProcess(ctx context.Context, step *definition.Step, ectx *evalContext) (interface{}, float64, error) {
	if s.exec.Depth+1 > s.engine.cfg.SubProcessMaxDepth {
		return nil, 0, fmt.Errorf("step %s: depth %d exceeds %d: %w",
			step.ID, s.exec.Depth+1, s.engine.cfg.SubProcessMaxDepth, core.ErrSubProcessTooDeep)
	}

	input := make(map[string]interface{}, len(step.InputMapping))
	for key, source := range step.InputMapping {
		v, err := expr.EvalValue(source, ectx)
		if err != nil {
			return nil, 0, err
		}
		input[key] = v.Interface()
	}

	childID, err := s.engine.startChild(ctx, *step.Process, input, s.exec, step.ID)
	if err != nil {
		return nil, 0, err
	}

	// Hand the child id to the scheduler so the awaiting state (and the
	// child linkage recovery needs) gets persisted.
	s.updates <- stepUpdate{stepID: step.ID, childID: childID}

	return s.awaitChild(ctx, step, childID)
}

// awaitChild blocks until the child execution terminates and translates its
// outcome into the parent step's result.
func (s *scheduler) awaitChild(ctx context.Context, step *definition.Step, childID string) (interface{}, float64, error) {
	child, err := s.engine.waitForExecution(ctx, childID)
	if err != nil {
		// Parent cancellation propagates to the child.
		if ctx.Err() != nil {
			s.engine.cancelChild(childID)
		}
		return nil, 0, err
	}

	switch child.Status {
	case ExecutionSucceeded:
		output := make(map[string]interface{}, len(child.Outputs))
		for k, v := range child.Outputs {
			output[k] = v
		}
		return output, child.Cost, nil
	case ExecutionCancelled:
		return nil, child.Cost, context.Canceled
	default:
		return nil, child.Cost, fmt.Errorf("step %s: child execution %s ended %s: %s: %w",
			step.ID, childID, child.Status, child.Error, core.ErrPermanent)
	}
}
