package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trinity-platform/trinity/audit"
	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/dispatch"
	"github.com/trinity-platform/trinity/telemetry"
)

// Deps are the engine's collaborators. Store and Registry are required;
// everything else defaults to a no-op implementation.
type Deps struct {
	Store      Store
	Registry   *definition.Registry
	Dispatcher *dispatch.Dispatcher
	Agents     dispatch.AgentClient
	Notifier   Notifier
	Approvals  ApprovalNotifier
	Audit      audit.Auditor
	Logger     core.Logger
}

// Engine drives executions of published definitions: it validates and admits
// submissions, runs one scheduler per execution, and answers queries.
type Engine struct {
	cfg        *core.Config
	store      Store
	registry   *definition.Registry
	dispatcher *dispatch.Dispatcher
	agents     dispatch.AgentClient
	notifier   Notifier
	approvals  ApprovalNotifier
	audit      audit.Auditor
	logger     core.Logger
	now        func() time.Time

	// startMu serializes admission so concurrent submissions cannot both
	// squeeze under a concurrency cap.
	startMu sync.Mutex

	mu         sync.Mutex
	schedulers map[string]*scheduler
	waiters    map[string][]chan *Execution
	recovery   *RecoverySummary

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. It does not resume interrupted executions;
// call Recover after construction.
func NewEngine(cfg *core.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoOpAuditor{}
	}
	if deps.Approvals == nil {
		deps.Approvals = NoOpApprovalNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		agents:     deps.Agents,
		notifier:   deps.Notifier,
		approvals:  deps.Approvals,
		audit:      deps.Audit,
		logger:     deps.Logger,
		now:        time.Now,
		schedulers: make(map[string]*scheduler),
		waiters:    make(map[string][]chan *Execution),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// StartExecution admits and launches a new execution. The actor must be
// authorized, the definition published, and the concurrency caps must admit
// the submission; a critical audit failure refuses the operation.
func (e *Engine) StartExecution(ctx context.Context, ref definition.Ref, input map[string]interface{}, origin Origin, actor Actor) (string, error) {
	if err := Authorize(actor, ActionStartExecution); err != nil {
		return "", err
	}
	def, err := e.registry.Get(ref.Name, ref.Version)
	if err != nil {
		return "", err
	}
	if def.Status != definition.StatusPublished {
		return "", fmt.Errorf("engine.StartExecution %s: %w: not published", ref, core.ErrDefinitionNotFound)
	}
	if err := authorizeStepRoles(actor, def); err != nil {
		return "", err
	}
	return e.admit(ctx, def, input, origin, actor.Email, 0, "", "")
}

// startChild launches a sub-process execution on behalf of a parent step.
// Authorization was settled when the parent started; limits still apply.
func (e *Engine) startChild(ctx context.Context, ref definition.ProcessRef, input map[string]interface{}, parent *Execution, parentStepID string) (string, error) {
	def, ok := e.registry.LookupPublished(ref.Name, ref.Version)
	if !ok {
		return "", fmt.Errorf("engine.startChild %s: %w", ref.Name, core.ErrDefinitionNotFound)
	}
	return e.admit(ctx, def, input, parent.Origin, "", parent.Depth+1, parent.ID, parentStepID)
}

func (e *Engine) admit(ctx context.Context, def *definition.Definition, input map[string]interface{}, origin Origin, actorEmail string, depth int, parentID, parentStepID string) (string, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if err := e.checkLimits(ctx, def); err != nil {
		telemetry.Counter(ctx, "trinity.executions.rejected", "definition", def.Name)
		return "", err
	}

	exec := &Execution{
		ID:         core.NewExecutionID(),
		Definition: definition.Ref{Name: def.Name, Version: def.Version},
		Status:     ExecutionPending,
		Origin:     origin,
		Input:      input,
		Depth:      depth,
		ParentID:   parentID,
		ParentStep: parentStepID,
		StartedAt:  e.now().UTC(),
	}

	// Starting an execution is a critical audit point: if the audit backend
	// is down and the fallback path exhausted, the submission is refused.
	if err := e.audit.Log(ctx, audit.Entry{
		Type:        string(EventExecutionStarted),
		ExecutionID: exec.ID,
		Actor:       actorEmail,
		Details: map[string]interface{}{
			"definition": exec.Definition.String(),
			"origin":     string(origin.Kind),
		},
	}, audit.Critical); err != nil {
		return "", err
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("engine.StartExecution: %w", err)
	}
	e.appendEvent(ctx, exec.ID, EventExecutionStarted, "", map[string]interface{}{
		"definition": exec.Definition.String(),
		"origin":     string(origin.Kind),
	})
	telemetry.Counter(ctx, "trinity.executions.started", "definition", def.Name)

	e.launch(exec, def)

	e.logger.InfoWithContext(ctx, "Execution started", map[string]interface{}{
		"execution_id": exec.ID,
		"definition":   exec.Definition.String(),
		"origin":       string(origin.Kind),
		"depth":        depth,
	})
	return exec.ID, nil
}

// launch registers and starts the execution's scheduler goroutine.
func (e *Engine) launch(exec *Execution, def *definition.Definition) {
	s := newScheduler(e, exec, def)
	e.mu.Lock()
	e.schedulers[exec.ID] = s
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run(e.ctx)
	}()
}

// CancelExecution requests cancellation. Running steps get the configured
// grace period; awaiting steps are cancelled immediately.
func (e *Engine) CancelExecution(ctx context.Context, id string, actor Actor) error {
	if err := Authorize(actor, ActionCancel); err != nil {
		return err
	}
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("engine.CancelExecution %s: %w", id, core.ErrTerminalState)
	}

	if err := e.audit.Log(ctx, audit.Entry{
		Type:        string(EventExecutionCancelled),
		ExecutionID: id,
		Actor:       actor.Email,
	}, audit.Critical); err != nil {
		return err
	}

	e.mu.Lock()
	s := e.schedulers[id]
	e.mu.Unlock()
	if s != nil {
		s.requestCancel()
		return nil
	}

	// No scheduler owns it (engine restarted without recovery); finalize
	// directly.
	now := e.now().UTC()
	exec.Status = ExecutionCancelled
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.appendEvent(ctx, id, EventExecutionCancelled, "", nil)
	e.finish(exec)
	return nil
}

// DecideApproval records a human decision and wakes the owning scheduler.
func (e *Engine) DecideApproval(ctx context.Context, approvalID string, approve bool, comments string, actor Actor) (*ApprovalTask, error) {
	if err := Authorize(actor, ActionDecideApproval); err != nil {
		return nil, err
	}
	task, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if task.Status != ApprovalPending {
		return nil, fmt.Errorf("engine.DecideApproval %s: %w", approvalID, core.ErrAlreadyDecided)
	}
	if len(task.Approvers) > 0 && actor.Role != RoleAdmin && !contains(task.Approvers, actor.Email) {
		return nil, fmt.Errorf("engine.DecideApproval %s: %s not an approver: %w", approvalID, actor.Email, core.ErrUnauthorized)
	}

	if err := e.audit.Log(ctx, audit.Entry{
		Type:        string(EventApprovalDecided),
		ExecutionID: task.ExecutionID,
		StepID:      task.StepID,
		Actor:       actor.Email,
		Details:     map[string]interface{}{"approved": approve},
	}, audit.Critical); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if approve {
		task.Status = ApprovalApproved
	} else {
		task.Status = ApprovalRejected
	}
	task.DecidedBy = actor.Email
	task.Comments = comments
	task.DecidedAt = &now
	if err := e.store.UpdateApproval(ctx, task); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, task.ExecutionID, EventApprovalDecided, task.StepID, map[string]interface{}{
		"approval_id": task.ID,
		"status":      string(task.Status),
		"decided_by":  task.DecidedBy,
	})

	e.wake(task.ExecutionID)
	return task, nil
}

// GetExecution returns an execution and its step records.
func (e *Engine) GetExecution(ctx context.Context, id string) (*Execution, []*StepExecution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := e.store.ListSteps(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return exec, steps, nil
}

// ListExecutions pages through executions matching the filter.
func (e *Engine) ListExecutions(ctx context.Context, f Filter) (*PageResult, error) {
	return e.store.ListExecutions(ctx, f)
}

// ListEvents returns an execution's event stream in order.
func (e *Engine) ListEvents(ctx context.Context, executionID string) ([]*Event, error) {
	return e.store.ListEvents(ctx, executionID)
}

// GetRecoveryStatus returns the summary of the last recovery sweep, or nil
// if none has run.
func (e *Engine) GetRecoveryStatus() *RecoverySummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recovery
}

// GetCircuitStates snapshots every agent circuit.
func (e *Engine) GetCircuitStates(ctx context.Context) (map[string]dispatch.CircuitStatus, error) {
	if e.dispatcher == nil {
		return map[string]dispatch.CircuitStatus{}, nil
	}
	return e.dispatcher.Breaker().States(ctx)
}

// ResetCircuit force-closes an agent's circuit.
func (e *Engine) ResetCircuit(ctx context.Context, agent string, actor Actor) error {
	if err := Authorize(actor, ActionManageCircuits); err != nil {
		return err
	}
	if e.dispatcher == nil {
		return nil
	}
	return e.dispatcher.Breaker().Reset(ctx, agent)
}

// cancelChild propagates parent cancellation to a child execution.
func (e *Engine) cancelChild(childID string) {
	e.mu.Lock()
	s := e.schedulers[childID]
	e.mu.Unlock()
	if s != nil {
		s.requestCancel()
	}
}

// wake nudges an execution's scheduler; no-op when none is running.
func (e *Engine) wake(executionID string) {
	e.mu.Lock()
	s := e.schedulers[executionID]
	e.mu.Unlock()
	if s != nil {
		s.notify()
	}
}

// waitForExecution blocks until the execution terminates. Sub-process steps
// use this to mirror their child.
func (e *Engine) waitForExecution(ctx context.Context, id string) (*Execution, error) {
	ch := make(chan *Execution, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()

	// The execution may already be terminal; check after registering so a
	// finish between the two cannot be missed.
	if exec, err := e.store.GetExecution(ctx, id); err == nil && exec.Status.IsTerminal() {
		e.dropWaiter(id, ch)
		return exec, nil
	}

	select {
	case exec := <-ch:
		return exec, nil
	case <-ctx.Done():
		e.dropWaiter(id, ch)
		return nil, ctx.Err()
	}
}

// dropWaiter unregisters a waiter channel that returned without a hand-off
// from finish.
func (e *Engine) dropWaiter(id string, ch chan *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiters := e.waiters[id]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(e.waiters, id)
	} else {
		e.waiters[id] = waiters
	}
}

// finish removes the execution's scheduler and releases waiters.
func (e *Engine) finish(exec *Execution) {
	e.mu.Lock()
	delete(e.schedulers, exec.ID)
	waiters := e.waiters[exec.ID]
	delete(e.waiters, exec.ID)
	e.mu.Unlock()
	for _, ch := range waiters {
		ch <- exec
	}
}

// appendEvent writes to the event stream and mirrors to the audit trail at
// normal priority. Event persistence failures are logged, never fatal.
func (e *Engine) appendEvent(ctx context.Context, executionID string, t EventType, stepID string, details map[string]interface{}) {
	ev := &Event{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        t,
		StepID:      stepID,
		At:          e.now().UTC(),
		Details:     details,
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Error("Event append failed", map[string]interface{}{
			"execution_id": executionID,
			"type":         string(t),
			"error":        err.Error(),
		})
	}
	_ = e.audit.Log(ctx, audit.Entry{
		Type:        string(t),
		ExecutionID: executionID,
		StepID:      stepID,
		Details:     details,
	}, audit.Normal)
}

// Shutdown stops accepting work and waits for schedulers to observe
// cancellation, up to ctx's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
