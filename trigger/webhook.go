package trigger

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/process"
	"github.com/trinity-platform/trinity/telemetry"
)

// Webhook resolves incoming trigger ids through the registry's global
// webhook map and starts executions, rate-limited per trigger id.
type Webhook struct {
	registry *definition.Registry
	engine   *process.Engine
	logger   core.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewWebhook creates the webhook source. firesPerSecond and burst bound each
// trigger id independently.
func NewWebhook(registry *definition.Registry, engine *process.Engine, firesPerSecond float64, burst int, logger core.Logger) *Webhook {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Webhook{
		registry: registry,
		engine:   engine,
		logger:   logger,
		limit:    rate.Limit(firesPerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (w *Webhook) limiterFor(triggerID string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[triggerID]
	if !ok {
		l = rate.NewLimiter(w.limit, w.burst)
		w.limiters[triggerID] = l
	}
	return l
}

// Fire starts an execution for the webhook trigger. The request body is the
// execution input, overlaid on the trigger's static input.
func (w *Webhook) Fire(ctx context.Context, triggerID string, body map[string]interface{}, sourceIP string) (string, error) {
	ref, ok := w.registry.ResolveWebhook(triggerID)
	if !ok {
		return "", fmt.Errorf("webhook.Fire %s: %w", triggerID, core.ErrTriggerNotFound)
	}
	if !w.limiterFor(triggerID).Allow() {
		telemetry.Counter(ctx, "trinity.webhook.rate_limited", "trigger", triggerID)
		return "", fmt.Errorf("webhook.Fire %s: %w", triggerID, core.ErrRateLimited)
	}

	def, err := w.registry.Get(ref.Name, ref.Version)
	if err != nil {
		return "", err
	}
	input := make(map[string]interface{})
	for _, t := range def.Triggers {
		if t.ID == triggerID {
			for k, v := range t.Input {
				input[k] = v
			}
			break
		}
	}
	for k, v := range body {
		input[k] = v
	}

	origin := process.Origin{
		Kind:      process.OriginWebhook,
		SourceIP:  sourceIP,
		TriggerID: triggerID,
	}
	actor := process.Actor{ID: "webhook:" + triggerID, Role: process.RoleOperator}

	id, err := w.engine.StartExecution(ctx, ref, input, origin, actor)
	if err != nil {
		return "", err
	}
	w.logger.InfoWithContext(ctx, "Webhook fired", map[string]interface{}{
		"trigger_id":   triggerID,
		"definition":   ref.String(),
		"execution_id": id,
		"source_ip":    sourceIP,
	})
	return id, nil
}
