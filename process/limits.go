package process

import (
	"context"
	"fmt"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
)

// checkLimits enforces the global and per-definition concurrency caps. A
// definition's config.max_concurrent overrides the engine-wide per-process
// cap. Callers hold e.startMu so concurrent submissions cannot both squeeze
// under a cap. Rejections are returned to the trigger source and never
// persisted as executions.
func (e *Engine) checkLimits(ctx context.Context, def *definition.Definition) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("engine.checkLimits: %w", err)
	}
	if len(active) >= e.cfg.MaxGlobalExecutions {
		return fmt.Errorf("engine.checkLimits: %d active executions (max %d): %w",
			len(active), e.cfg.MaxGlobalExecutions, core.ErrLimitExceeded)
	}
	limit := e.cfg.MaxPerProcessExecutions
	if def.Config != nil && def.Config.MaxConcurrent > 0 {
		limit = def.Config.MaxConcurrent
	}
	perProcess := 0
	for _, ex := range active {
		if ex.Definition.Name == def.Name {
			perProcess++
		}
	}
	if perProcess >= limit {
		return fmt.Errorf("engine.checkLimits %s: %d active executions (max %d): %w",
			def.Name, perProcess, limit, core.ErrLimitExceeded)
	}
	return nil
}
