// Package trigger hosts the three execution sources: manual submissions,
// rate-limited webhooks, and the cron scheduler with its distributed lock.
// Each source builds an origin describing who or what started the run and
// hands off to the engine.
package trigger

import (
	"context"

	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/process"
)

// Manual starts executions on behalf of an authenticated user.
type Manual struct {
	engine *process.Engine
}

// NewManual creates the manual trigger source.
func NewManual(engine *process.Engine) *Manual {
	return &Manual{engine: engine}
}

// Start launches an execution attributed to the actor.
func (m *Manual) Start(ctx context.Context, name, version string, input map[string]interface{}, actor process.Actor) (string, error) {
	origin := process.Origin{
		Kind:      process.OriginManual,
		UserID:    actor.ID,
		UserEmail: actor.Email,
	}
	return m.engine.StartExecution(ctx, definition.Ref{Name: name, Version: version}, input, origin, actor)
}
