package process

import (
	"context"
	"fmt"
	"time"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/expr"
)

// handleNotification fans the resolved message out to every requested
// channel. Per-channel results land in the output; the step succeeds when at
// least one channel accepted. Delivery is at-least-once: failures retry per
// the step's retry policy.
func (s *scheduler) handleNotification(ctx context.Context, step *definition.Step, ectx *evalContext, timeout time.Duration) (interface{}, float64, error) {
	if s.engine.notifier == nil {
		return nil, 0, fmt.Errorf("step %s: no notifier configured: %w", step.ID, core.ErrPermanent)
	}
	message, err := expr.Interpolate(step.Message, ectx)
	if err != nil {
		return nil, 0, err
	}

	sendCtx, cancel := withStepTimeout(ctx, timeout)
	defer cancel()

	channels := make(map[string]interface{}, len(step.Channels))
	accepted := 0
	for _, channel := range step.Channels {
		recipients, sendErr := s.engine.notifier.Send(sendCtx, channel, step.Recipients, message)
		result := map[string]interface{}{"accepted": sendErr == nil}
		if sendErr != nil {
			result["error"] = sendErr.Error()
		} else {
			accepted++
			perRecipient := make(map[string]interface{}, len(recipients))
			for r, ok := range recipients {
				perRecipient[r] = ok
			}
			result["recipients"] = perRecipient
		}
		channels[channel] = result
	}

	output := map[string]interface{}{
		"channels": channels,
		"accepted": float64(accepted),
	}
	if accepted == 0 {
		return output, 0, classifyTimeout(ctx, fmt.Errorf("step %s: 0/%d channels accepted: %w",
			step.ID, len(step.Channels), core.ErrNotificationFailed))
	}
	return output, 0, nil
}
