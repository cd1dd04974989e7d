package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/dispatch"
	"github.com/trinity-platform/trinity/expr"
)

// Origin headers attached to every agent call so downstream audit can tie
// the work back to the initiating actor. The idempotency key is derived from
// (execution_id, step_id, attempt): the engine is at-least-once, agents
// deduplicate on the key.
const (
	headerIdempotencyKey = "X-Trinity-Idempotency-Key"
	headerExecutionID    = "X-Trinity-Execution-Id"
	headerOriginKind     = "X-Trinity-Origin-Kind"
	headerOriginUser     = "X-Trinity-Origin-User"
	headerSourceAgent    = "X-Trinity-Source-Agent"
	headerMCPKeyID       = "X-Trinity-Mcp-Key-Id"
)

func idempotencyKey(executionID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", executionID, stepID, attempt)
}

// handleAgentTask resolves the message through the evaluator and issues one
// task call through the per-agent queue. The dispatcher owns the lease, the
// circuit, and the call timeout.
func (s *scheduler) handleAgentTask(ctx context.Context, step *definition.Step, ectx *evalContext, attempt int, timeout time.Duration) (interface{}, float64, error) {
	if s.engine.dispatcher == nil || s.engine.agents == nil {
		return nil, 0, fmt.Errorf("step %s: no agent dispatch configured: %w", step.ID, core.ErrPermanent)
	}

	message, err := expr.Interpolate(step.Message, ectx)
	if err != nil {
		return nil, 0, err
	}
	model, err := expr.Interpolate(step.Model, ectx)
	if err != nil {
		return nil, 0, err
	}

	// Cost governance: refuse new agent spend once the budget is gone.
	if cfg := s.def.Config; cfg != nil && cfg.MaxCost > 0 && s.exec.Cost >= cfg.MaxCost {
		return nil, 0, fmt.Errorf("step %s: cost budget %.2f exhausted: %w", step.ID, cfg.MaxCost, core.ErrPermanent)
	}

	key := idempotencyKey(s.exec.ID, step.ID, attempt)
	req := &dispatch.TaskRequest{
		Agent:        step.Agent,
		Message:      message,
		Model:        model,
		AllowedTools: step.AllowedTools,
		Timeout:      timeout,
		Headers:      s.originHeaders(key),
	}

	var resp *dispatch.TaskResponse
	err = s.engine.dispatcher.Submit(ctx, step.Agent, s.exec.ID, step.ID, timeout, func(callCtx context.Context) error {
		r, taskErr := s.engine.agents.Task(callCtx, req)
		if taskErr != nil {
			return taskErr
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Best-effort cancel so the agent can stop burning tokens.
			cancelCtx, cancel := context.WithTimeout(context.Background(), s.engine.cfg.CancelGracePeriod)
			defer cancel()
			_ = s.engine.agents.Cancel(cancelCtx, step.Agent, key)
		}
		return nil, 0, err
	}

	if s.exec.Origin.SourceAgent != "" {
		s.engine.appendEvent(ctx, s.exec.ID, EventCollaboration, step.ID, map[string]interface{}{
			"source_agent": s.exec.Origin.SourceAgent,
			"target_agent": step.Agent,
		})
	}

	// Raw response is the output; the evaluation context exposes it as JSON
	// when dotted paths reach into it.
	return resp.Response, resp.Cost, nil
}

func (s *scheduler) originHeaders(idempotencyKey string) map[string]string {
	o := s.exec.Origin
	headers := map[string]string{
		headerIdempotencyKey: idempotencyKey,
		headerExecutionID:    s.exec.ID,
		headerOriginKind:     string(o.Kind),
	}
	if o.UserID != "" {
		headers[headerOriginUser] = o.UserID
	}
	if o.SourceAgent != "" {
		headers[headerSourceAgent] = o.SourceAgent
	}
	if o.MCPKeyID != "" {
		headers[headerMCPKeyID] = o.MCPKeyID
	}
	return headers
}
