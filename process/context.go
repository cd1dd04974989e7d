package process

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/trinity-platform/trinity/expr"
)

// evalContext exposes execution state to the expression evaluator:
// input, trigger, and steps.<id>.{output,status,duration,started_at,
// completed_at}. Agent text outputs are JSON-parsed once and cached; a
// non-JSON output is exposed as a string and dotted paths into it resolve
// to missing.
type evalContext struct {
	input   map[string]interface{}
	trigger map[string]interface{}
	steps   map[string]*StepExecution

	mu     sync.Mutex
	parsed map[string]interface{}
	failed map[string]bool // outputs that did not parse as JSON
}

func newEvalContext(input, trigger map[string]interface{}, steps map[string]*StepExecution) *evalContext {
	return &evalContext{
		input:   input,
		trigger: trigger,
		steps:   steps,
		parsed:  make(map[string]interface{}),
		failed:  make(map[string]bool),
	}
}

func (c *evalContext) Resolve(path []string) expr.Value {
	switch path[0] {
	case "input":
		return expr.ResolveJSON(mapRoot(c.input), path[1:])
	case "trigger":
		return expr.ResolveJSON(mapRoot(c.trigger), path[1:])
	case "steps":
		if len(path) < 3 {
			return expr.MissingValue()
		}
		step, ok := c.steps[path[1]]
		if !ok {
			return expr.MissingValue()
		}
		return c.resolveStepField(step, path[2], path[3:])
	}
	return expr.MissingValue()
}

func (c *evalContext) resolveStepField(step *StepExecution, field string, rest []string) expr.Value {
	switch field {
	case "output":
		return c.resolveOutput(step, rest)
	case "status":
		if len(rest) > 0 {
			return expr.MissingValue()
		}
		return expr.StringValue(string(step.Status))
	case "duration":
		if len(rest) > 0 || step.CompletedAt == nil {
			return expr.MissingValue()
		}
		return expr.NumberValue(float64(step.DurationMS))
	case "started_at":
		return timeField(step.StartedAt, rest)
	case "completed_at":
		return timeField(step.CompletedAt, rest)
	}
	return expr.MissingValue()
}

func (c *evalContext) resolveOutput(step *StepExecution, rest []string) expr.Value {
	out := step.Output
	if out == nil {
		return expr.MissingValue()
	}
	if len(rest) == 0 {
		return expr.FromJSON(out)
	}

	// Dotted access into a string output means the caller expects JSON.
	if text, ok := out.(string); ok {
		c.mu.Lock()
		cached, have := c.parsed[step.StepID]
		bad := c.failed[step.StepID]
		c.mu.Unlock()
		if bad {
			return expr.MissingValue()
		}
		if !have {
			var tree interface{}
			if err := json.Unmarshal([]byte(text), &tree); err != nil {
				c.mu.Lock()
				c.failed[step.StepID] = true
				c.mu.Unlock()
				return expr.MissingValue()
			}
			c.mu.Lock()
			c.parsed[step.StepID] = tree
			c.mu.Unlock()
			cached = tree
		}
		return expr.ResolveJSON(cached, rest)
	}
	return expr.ResolveJSON(out, rest)
}

func timeField(t *time.Time, rest []string) expr.Value {
	if len(rest) > 0 || t == nil {
		return expr.MissingValue()
	}
	return expr.StringValue(t.UTC().Format(time.RFC3339))
}

// mapRoot keeps a nil map resolvable (every path yields missing).
func mapRoot(m map[string]interface{}) interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
