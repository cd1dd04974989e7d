package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/expr"
	"github.com/trinity-platform/trinity/telemetry"
)

// stepUpdate is a mid-flight record change a handler asks the scheduler to
// apply; only the scheduler goroutine touches the step map.
type stepUpdate struct {
	stepID  string
	childID string
}

// stepResult is what a handler goroutine reports back to its scheduler.
type stepResult struct {
	stepID  string
	output  interface{}
	err     error
	cost    float64
	attempt int
}

// scheduler drives one execution: it computes the ready set, dispatches
// handlers, reacts to completions and external wakes, and derives the
// terminal status. It is the single writer of the execution's step records.
type scheduler struct {
	engine *Engine
	exec   *Execution
	def    *definition.Definition
	graph  *dag

	steps    map[string]*StepExecution
	inflight map[string]bool

	results chan stepResult
	updates chan stepUpdate
	wakeCh  chan struct{}

	cancelMu      sync.Mutex
	cancelled     bool
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
}

func newScheduler(e *Engine, exec *Execution, def *definition.Definition) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{
		engine:        e,
		exec:          exec,
		def:           def,
		graph:         buildDAG(def),
		steps:         make(map[string]*StepExecution, len(def.Steps)),
		inflight:      make(map[string]bool),
		results:       make(chan stepResult, len(def.Steps)),
		updates:       make(chan stepUpdate, len(def.Steps)),
		wakeCh:        make(chan struct{}, 1),
		handlerCtx:    ctx,
		handlerCancel: cancel,
	}
}

// notify wakes the scheduler loop; used by approval decisions.
func (s *scheduler) notify() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// requestCancel flags user-initiated cancellation and signals handlers.
func (s *scheduler) requestCancel() {
	s.cancelMu.Lock()
	s.cancelled = true
	s.cancelMu.Unlock()
	s.handlerCancel()
	s.notify()
}

func (s *scheduler) isCancelled() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.cancelled
}

// run is the scheduler goroutine. engineCtx cancellation means engine
// shutdown: the loop exits without finalizing and recovery resumes the
// execution later. User cancellation finalizes as cancelled.
func (s *scheduler) run(engineCtx context.Context) {
	ctx := context.Background()

	s.loadSteps(ctx)
	s.reattach(ctx)

	if s.exec.Status == ExecutionPending {
		s.exec.Status = ExecutionRunning
		if err := s.engine.store.UpdateExecution(ctx, s.exec); err != nil {
			s.engine.logger.Error("Execution update failed", map[string]interface{}{
				"execution_id": s.exec.ID,
				"error":        err.Error(),
			})
		}
	}

	for {
		if s.isCancelled() {
			s.finalizeCancelled(ctx)
			return
		}

		s.advance(ctx)

		if len(s.inflight) == 0 && !s.hasSchedulerAwaiting() && !s.hasPending() {
			s.finalize(ctx)
			return
		}

		timerC, stop := s.nextWake()
		select {
		case res := <-s.results:
			stop()
			s.applyResult(ctx, res)
		case u := <-s.updates:
			stop()
			s.applyUpdate(ctx, u)
		case <-s.wakeCh:
			stop()
			s.checkAwaiting(ctx)
		case <-timerC:
			s.checkAwaiting(ctx)
		case <-engineCtx.Done():
			stop()
			// Engine shutdown: abandon in-memory progress; persisted state
			// is what recovery resumes from.
			s.handlerCancel()
			s.engine.finish(s.exec)
			return
		}
	}
}

// loadSteps seeds the in-memory step map: persisted records first (resume
// path), then a pending record for every remaining step.
func (s *scheduler) loadSteps(ctx context.Context) {
	persisted, err := s.engine.store.ListSteps(ctx, s.exec.ID)
	if err == nil {
		for _, rec := range persisted {
			s.steps[rec.StepID] = rec
		}
	}
	for i := range s.def.Steps {
		id := s.def.Steps[i].ID
		if _, ok := s.steps[id]; !ok {
			s.steps[id] = &StepExecution{
				ExecutionID: s.exec.ID,
				StepID:      id,
				Status:      StepPending,
			}
		}
	}
}

// advance classifies pending steps until a fixpoint: skips, dependency
// failures, and dispatches. Dispatch order is stable by source order.
func (s *scheduler) advance(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for _, id := range s.graph.order {
			rec := s.steps[id]
			if rec.Status != StepPending {
				continue
			}
			switch s.graph.assess(id, s.steps) {
			case notReady:
			case depFailed:
				s.failStep(ctx, rec, 0, fmt.Errorf("upstream step failed: %w", core.ErrDependencyFailed))
				changed = true
			case skipUnreachable:
				s.skipStep(ctx, rec, SkipUnreachable)
				changed = true
			case ready:
				if s.dispatch(ctx, s.def.StepByID(id), rec) {
					changed = true
				}
			}
		}
	}
}

// dispatch moves a ready step into running or awaiting. Returns false only
// when the step stayed pending (never happens today; kept for clarity).
func (s *scheduler) dispatch(ctx context.Context, step *definition.Step, rec *StepExecution) bool {
	if step.Condition != "" {
		pass, err := s.evalCondition(step.Condition)
		if err != nil {
			s.failStep(ctx, rec, 0, err)
			return true
		}
		if !pass {
			s.skipStep(ctx, rec, SkipCondition)
			return true
		}
	}

	s.engine.appendEvent(ctx, s.exec.ID, EventStepReady, step.ID, nil)

	now := s.engine.now().UTC()
	rec.Attempt = 1
	rec.StartedAt = &now

	switch step.Type {
	case definition.StepHumanApproval:
		s.beginApproval(ctx, step, rec)
	case definition.StepTimer:
		s.beginTimer(ctx, step, rec)
	default:
		rec.Status = StepRunning
		s.persistStep(ctx, rec)
		s.engine.appendEvent(ctx, s.exec.ID, EventStepStarted, step.ID, nil)
		s.inflight[step.ID] = true
		// Snapshot the context on this goroutine; handlers must not read
		// the live step map.
		ectx := s.snapshotContext()
		go s.runHandler(step, rec.Attempt, ectx)
	}
	return true
}

// runHandler executes one step through the retry envelope and reports the
// result. Runs in its own goroutine.
func (s *scheduler) runHandler(step *definition.Step, attempt int, ectx *evalContext) {
	res := s.runWithRetry(s.handlerCtx, step, attempt, ectx)
	s.results <- res
}

func (s *scheduler) evalCondition(cond string) (bool, error) {
	return expr.EvalCondition(cond, s.evalContext())
}

func (s *scheduler) evalContext() *evalContext {
	return newEvalContext(s.exec.Input, s.triggerContext(), s.steps)
}

// snapshotContext copies the step map so a handler goroutine can evaluate
// expressions while the scheduler keeps mutating the live map. The records
// a step may reference are its ancestors, already terminal and stable.
func (s *scheduler) snapshotContext() *evalContext {
	snapshot := make(map[string]*StepExecution, len(s.steps))
	for id, rec := range s.steps {
		snapshot[id] = rec
	}
	return newEvalContext(s.exec.Input, s.triggerContext(), snapshot)
}

// triggerContext exposes trigger metadata to expressions.
func (s *scheduler) triggerContext() map[string]interface{} {
	o := s.exec.Origin
	m := map[string]interface{}{
		"kind": string(o.Kind),
	}
	if o.TriggerID != "" {
		m["id"] = o.TriggerID
	}
	if o.UserEmail != "" {
		m["user_email"] = o.UserEmail
	}
	if o.SourceAgent != "" {
		m["source_agent"] = o.SourceAgent
	}
	if o.SourceIP != "" {
		m["source_ip"] = o.SourceIP
	}
	return m
}

// reattach re-owns awaiting sub-process steps after a restart: the child is
// its own execution, so the parent only needs a fresh waiter goroutine.
func (s *scheduler) reattach(ctx context.Context) {
	for _, id := range s.graph.order {
		rec := s.steps[id]
		if rec.Status != StepAwaiting || rec.ChildID == "" {
			continue
		}
		step := s.def.StepByID(id)
		if step == nil || step.Type != definition.StepSubProcess {
			continue
		}
		s.inflight[id] = true
		childID := rec.ChildID
		attempt := rec.Attempt
		go func(step *definition.Step) {
			output, cost, err := s.awaitChild(s.handlerCtx, step, childID)
			s.results <- stepResult{stepID: step.ID, output: output, cost: cost, err: err, attempt: attempt}
		}(step)
	}
}

// applyUpdate records a mid-flight field change from a handler.
func (s *scheduler) applyUpdate(ctx context.Context, u stepUpdate) {
	rec := s.steps[u.stepID]
	if rec == nil || rec.Status.IsTerminal() {
		return
	}
	if u.childID != "" {
		rec.ChildID = u.childID
		rec.Status = StepAwaiting
		s.persistStep(ctx, rec)
	}
}

// applyResult persists a handler outcome and accrues cost.
func (s *scheduler) applyResult(ctx context.Context, res stepResult) {
	delete(s.inflight, res.stepID)
	rec := s.steps[res.stepID]
	if rec == nil || rec.Status.IsTerminal() {
		return
	}
	rec.Attempt = res.attempt

	if res.cost > 0 {
		s.exec.Cost += res.cost
	}

	switch {
	case res.err != nil && errors.Is(res.err, context.Canceled):
		s.completeStep(ctx, rec, StepCancelled, nil, "")
	case res.err != nil:
		s.failStep(ctx, rec, res.attempt, res.err)
	default:
		s.completeStep(ctx, rec, StepSucceeded, res.output, "")
	}
}

// completeStep finalizes a step record and emits its lifecycle event.
func (s *scheduler) completeStep(ctx context.Context, rec *StepExecution, status StepStatus, output interface{}, errMsg string) {
	now := s.engine.now().UTC()
	rec.Status = status
	rec.Output = output
	rec.Error = errMsg
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMS = now.Sub(*rec.StartedAt).Milliseconds()
		telemetry.Histogram(ctx, "trinity.step.duration_ms", float64(rec.DurationMS),
			"step_type", string(s.stepType(rec.StepID)), "status", string(status))
	}
	s.persistStep(ctx, rec)

	switch status {
	case StepSucceeded:
		s.engine.appendEvent(ctx, s.exec.ID, EventStepCompleted, rec.StepID, nil)
	case StepCancelled:
		s.engine.appendEvent(ctx, s.exec.ID, EventStepCompleted, rec.StepID, map[string]interface{}{"status": "cancelled"})
	}
}

func (s *scheduler) failStep(ctx context.Context, rec *StepExecution, attempt int, err error) {
	now := s.engine.now().UTC()
	rec.Status = StepFailed
	rec.Error = err.Error()
	if attempt > 0 {
		rec.Attempt = attempt
	}
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMS = now.Sub(*rec.StartedAt).Milliseconds()
	}
	s.persistStep(ctx, rec)
	s.engine.appendEvent(ctx, s.exec.ID, EventStepFailed, rec.StepID, map[string]interface{}{
		"error":   rec.Error,
		"attempt": rec.Attempt,
	})
}

func (s *scheduler) skipStep(ctx context.Context, rec *StepExecution, reason SkipReason) {
	now := s.engine.now().UTC()
	rec.Status = StepSkipped
	rec.SkipReason = reason
	rec.CompletedAt = &now
	s.persistStep(ctx, rec)
	s.engine.appendEvent(ctx, s.exec.ID, EventStepSkipped, rec.StepID, map[string]interface{}{
		"reason": string(reason),
	})
}

func (s *scheduler) persistStep(ctx context.Context, rec *StepExecution) {
	if err := s.engine.store.PutStep(ctx, rec); err != nil {
		s.engine.logger.Error("Step persist failed", map[string]interface{}{
			"execution_id": s.exec.ID,
			"step_id":      rec.StepID,
			"error":        err.Error(),
		})
	}
}

func (s *scheduler) stepType(stepID string) definition.StepType {
	if st := s.def.StepByID(stepID); st != nil {
		return st.Type
	}
	return ""
}

// hasPending reports whether any step is still pending.
func (s *scheduler) hasPending() bool {
	for _, rec := range s.steps {
		if rec.Status == StepPending {
			return true
		}
	}
	return false
}

// hasSchedulerAwaiting reports awaiting steps the scheduler itself resumes
// (timers, approvals). Sub-process steps also sit in awaiting but are owned
// by an in-flight goroutine.
func (s *scheduler) hasSchedulerAwaiting() bool {
	for id, rec := range s.steps {
		if rec.Status == StepAwaiting && !s.inflight[id] {
			return true
		}
	}
	return false
}

// nextWake returns a channel firing at the earliest timer fire-at or
// approval deadline, or a never-firing channel when nothing is awaiting.
func (s *scheduler) nextWake() (<-chan time.Time, func()) {
	var earliest *time.Time
	for id, rec := range s.steps {
		if rec.Status != StepAwaiting || s.inflight[id] {
			continue
		}
		var at *time.Time
		switch {
		case rec.FireAt != nil:
			at = rec.FireAt
		case rec.Deadline != nil:
			at = rec.Deadline
		}
		if at != nil && (earliest == nil || at.Before(*earliest)) {
			earliest = at
		}
	}
	if earliest == nil {
		return nil, func() {}
	}
	d := time.Until(*earliest)
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

// checkAwaiting resumes awaiting steps whose external trigger has fired:
// elapsed timers, decided approvals, expired approval deadlines.
func (s *scheduler) checkAwaiting(ctx context.Context) {
	now := s.engine.now().UTC()
	for _, id := range s.graph.order {
		rec := s.steps[id]
		if rec.Status != StepAwaiting || s.inflight[id] {
			continue
		}
		step := s.def.StepByID(id)
		switch step.Type {
		case definition.StepTimer:
			if rec.FireAt != nil && !now.Before(*rec.FireAt) {
				s.fireTimer(ctx, rec, now)
			}
		case definition.StepHumanApproval:
			s.checkApproval(ctx, step, rec, now)
		}
	}
}

// finalize derives the terminal status, captures outputs, and persists.
func (s *scheduler) finalize(ctx context.Context) {
	status := ExecutionSucceeded
	errMsg := ""
	for _, id := range s.graph.order {
		rec := s.steps[id]
		if rec.Status == StepFailed {
			status = ExecutionFailed
			errMsg = fmt.Sprintf("step %s failed: %s", id, rec.Error)
			break
		}
	}
	s.complete(ctx, status, errMsg)
}

// finalizeCancelled cancels awaiting steps immediately, drains in-flight
// handlers for the grace period, cancels what remains, and completes the
// execution as cancelled.
func (s *scheduler) finalizeCancelled(ctx context.Context) {
	s.cancelAwaiting(ctx)

	grace := time.After(s.engine.cfg.CancelGracePeriod)
	for len(s.inflight) > 0 {
		select {
		case res := <-s.results:
			s.applyResult(ctx, res)
		case <-grace:
			for id := range s.inflight {
				rec := s.steps[id]
				if !rec.Status.IsTerminal() {
					s.completeStep(ctx, rec, StepCancelled, nil, "")
				}
				delete(s.inflight, id)
			}
		}
	}

	// Sub-process steps can turn awaiting during the drain.
	s.cancelAwaiting(ctx)
	s.complete(ctx, ExecutionCancelled, "")
}

// cancelAwaiting cancels awaiting steps the scheduler owns (timers,
// approvals); awaiting steps owned by an in-flight goroutine resolve through
// the drain.
func (s *scheduler) cancelAwaiting(ctx context.Context) {
	now := s.engine.now().UTC()
	for _, id := range s.graph.order {
		rec := s.steps[id]
		if rec.Status != StepAwaiting || s.inflight[id] {
			continue
		}
		if rec.ApprovalID != "" {
			s.cancelApprovalTask(ctx, rec.ApprovalID, now)
		}
		s.completeStep(ctx, rec, StepCancelled, nil, "")
	}
}

// complete writes the terminal execution record exactly once.
func (s *scheduler) complete(ctx context.Context, status ExecutionStatus, errMsg string) {
	s.captureOutputs(ctx)

	now := s.engine.now().UTC()
	s.exec.Status = status
	s.exec.Error = errMsg
	s.exec.CompletedAt = &now
	if err := s.engine.store.UpdateExecution(ctx, s.exec); err != nil {
		s.engine.logger.Error("Execution finalize failed", map[string]interface{}{
			"execution_id": s.exec.ID,
			"error":        err.Error(),
		})
	}

	eventType := EventExecutionCompleted
	details := map[string]interface{}{"status": string(status)}
	if status == ExecutionFailed {
		eventType = EventExecutionFailed
		details["error"] = errMsg
	}
	s.engine.appendEvent(ctx, s.exec.ID, eventType, "", details)
	telemetry.Counter(ctx, "trinity.executions.completed",
		"definition", s.exec.Definition.Name, "status", string(status))
	telemetry.Duration(ctx, "trinity.execution.duration_ms", s.exec.StartedAt,
		"definition", s.exec.Definition.Name)

	s.engine.logger.Info("Execution finished", map[string]interface{}{
		"execution_id": s.exec.ID,
		"definition":   s.exec.Definition.String(),
		"status":       string(status),
		"duration_ms":  now.Sub(s.exec.StartedAt).Milliseconds(),
	})
	s.engine.finish(s.exec)
}
