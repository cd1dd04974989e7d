package process

import (
	"fmt"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/expr"
)

// handleGateway evaluates routing conditions top to bottom; first true wins,
// then the default entry, then NoGatewayMatch. The chosen next id is the
// gateway's output and is what downstream reachability reads.
func (s *scheduler) handleGateway(step *definition.Step, ectx *evalContext) (interface{}, float64, error) {
	defaultNext := ""
	hasDefault := false
	for _, cond := range step.Conditions {
		if cond.Default {
			defaultNext = cond.Next
			hasDefault = true
			continue
		}
		match, err := expr.EvalCondition(cond.Expression, ectx)
		if err != nil {
			return nil, 0, err
		}
		if match {
			return gatewayOutput(cond.Next), 0, nil
		}
	}
	if hasDefault {
		return gatewayOutput(defaultNext), 0, nil
	}
	return nil, 0, fmt.Errorf("gateway %s: %w", step.ID, core.ErrNoGatewayMatch)
}

func gatewayOutput(next string) map[string]interface{} {
	return map[string]interface{}{"chosen_next": next}
}
