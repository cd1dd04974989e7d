package process

import (
	"context"
	"encoding/json"

	"github.com/trinity-platform/trinity/expr"
)

// captureOutputs resolves the definition's declared outputs against the
// final context and stores them on the execution. Capture is best-effort:
// it runs for failed executions too, and a single bad entry never aborts
// the rest. Values above the configured size cap are dropped.
func (s *scheduler) captureOutputs(ctx context.Context) {
	if len(s.def.Outputs) == 0 {
		return
	}
	ectx := s.evalContext()
	outputs := make(map[string]interface{}, len(s.def.Outputs))
	for _, out := range s.def.Outputs {
		v, err := evalOutput(out.Source, ectx)
		if err != nil {
			s.engine.logger.Warn("Output capture failed", map[string]interface{}{
				"execution_id": s.exec.ID,
				"output":       out.Name,
				"error":        err.Error(),
			})
			continue
		}
		if tooLarge(v, s.engine.cfg.OutputVariableMaxBytes) {
			s.engine.logger.Warn("Output exceeds size cap, dropped", map[string]interface{}{
				"execution_id": s.exec.ID,
				"output":       out.Name,
				"max_bytes":    s.engine.cfg.OutputVariableMaxBytes,
			})
			continue
		}
		outputs[out.Name] = v
	}
	s.exec.Outputs = outputs
}

func evalOutput(source string, ectx *evalContext) (interface{}, error) {
	v, err := expr.EvalValue(source, ectx)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func tooLarge(v interface{}, maxBytes int) bool {
	if maxBytes <= 0 {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return true
	}
	return len(b) > maxBytes
}
