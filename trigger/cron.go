package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/process"
	"github.com/trinity-platform/trinity/telemetry"
)

// lockTTL covers one schedule tick; replicas that lose the lock skip the
// fire entirely.
const lockTTL = 2 * time.Minute

// Cron fires schedule triggers of published definitions. Each entry runs in
// its configured timezone; a distributed lock keyed by trigger id and minute
// keeps multiple replicas from double-firing.
type Cron struct {
	registry *definition.Registry
	engine   *process.Engine
	locker   Locker
	logger   core.Logger
	runner   *cron.Cron
	now      func() time.Time
}

// NewCron creates the schedule source; call Start to begin firing.
func NewCron(registry *definition.Registry, engine *process.Engine, locker Locker, logger core.Logger) *Cron {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Cron{
		registry: registry,
		engine:   engine,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

// Start loads the current schedule triggers and begins firing them. Call
// Reload after publishing or archiving definitions to pick up changes.
func (c *Cron) Start() error {
	runner := cron.New()
	for _, st := range c.registry.ScheduledTriggers() {
		spec := st.Trigger.Cron
		if st.Trigger.Timezone != "" {
			spec = "CRON_TZ=" + st.Trigger.Timezone + " " + spec
		}
		entry := st // capture
		if _, err := runner.AddFunc(spec, func() { c.fire(entry) }); err != nil {
			return fmt.Errorf("cron.Start %s trigger %s: %w", entry.Ref, entry.Trigger.ID, err)
		}
	}
	runner.Start()
	c.runner = runner
	c.logger.Info("Cron source started", map[string]interface{}{
		"entries": len(c.registry.ScheduledTriggers()),
	})
	return nil
}

// Reload swaps in the registry's current schedule triggers.
func (c *Cron) Reload() error {
	c.Stop()
	return c.Start()
}

// Stop halts firing; running executions are unaffected.
func (c *Cron) Stop() {
	if c.runner != nil {
		c.runner.Stop()
		c.runner = nil
	}
}

func (c *Cron) fire(st definition.ScheduledTrigger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	minute := c.now().UTC().Truncate(time.Minute).Unix()
	lockKey := fmt.Sprintf("trinity:cron:%s:%d", st.Trigger.ID, minute)
	got, err := c.locker.TryLock(ctx, lockKey, lockTTL)
	if err != nil {
		c.logger.Error("Cron lock failed", map[string]interface{}{
			"trigger_id": st.Trigger.ID,
			"error":      err.Error(),
		})
		return
	}
	if !got {
		// Another replica fired this tick.
		return
	}

	input := make(map[string]interface{}, len(st.Trigger.Input))
	for k, v := range st.Trigger.Input {
		input[k] = v
	}
	origin := process.Origin{
		Kind:      process.OriginSchedule,
		TriggerID: st.Trigger.ID,
	}
	actor := process.Actor{ID: "schedule:" + st.Trigger.ID, Role: process.RoleOperator}

	id, err := c.engine.StartExecution(ctx, st.Ref, input, origin, actor)
	if err != nil {
		telemetry.Counter(ctx, "trinity.cron.failures", "trigger", st.Trigger.ID)
		c.logger.Error("Cron fire failed", map[string]interface{}{
			"trigger_id": st.Trigger.ID,
			"definition": st.Ref.String(),
			"error":      err.Error(),
		})
		return
	}
	c.logger.Info("Cron fired", map[string]interface{}{
		"trigger_id":   st.Trigger.ID,
		"definition":   st.Ref.String(),
		"execution_id": id,
	})
}
