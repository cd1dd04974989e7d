package process

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
	"github.com/trinity-platform/trinity/dispatch"
)

var (
	operator = Actor{ID: "u-alice", Email: "alice@example.com", Role: RoleOperator}
	admin    = Actor{ID: "u-root", Email: "root@example.com", Role: RoleAdmin}
	viewer   = Actor{ID: "u-bob", Email: "bob@example.com", Role: RoleViewer}
)

// fakeAgent is a scriptable AgentClient. The default behavior answers every
// task with "ok"; tests install a handler to shape responses per agent.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []*dispatch.TaskRequest
	cancels []string
	handler func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error)
}

func (f *fakeAgent) Task(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		return h(ctx, req)
	}
	return &dispatch.TaskResponse{Response: "ok"}, nil
}

func (f *fakeAgent) Cancel(ctx context.Context, agent, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, agent+"/"+idempotencyKey)
	return nil
}

func (f *fakeAgent) respond(h func(ctx context.Context, req *dispatch.TaskRequest) (*dispatch.TaskResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAgent) call(i int) *dispatch.TaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeAgent) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

// fakeNotifier records notification sends and can be told to refuse.
type fakeNotifier struct {
	mu     sync.Mutex
	sends  []string // "channel|message"
	refuse bool
}

func (f *fakeNotifier) Send(ctx context.Context, channel string, recipients []string, message string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return nil, fmt.Errorf("channel %s unavailable: %w", channel, core.ErrTransient)
	}
	f.sends = append(f.sends, channel+"|"+message)
	accepted := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		accepted[r] = true
	}
	return accepted, nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeNotifier) setRefuse(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = v
}

// fakeApprovalNotifier records which approval tasks were announced.
type fakeApprovalNotifier struct {
	mu    sync.Mutex
	tasks []string
}

func (f *fakeApprovalNotifier) NotifyApprovers(ctx context.Context, task *ApprovalTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task.ID)
	return nil
}

func (f *fakeApprovalNotifier) notified() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type harness struct {
	t          *testing.T
	engine     *Engine
	store      *MemoryStore
	registry   *definition.Registry
	agent      *fakeAgent
	notifier   *fakeNotifier
	approvals  *fakeApprovalNotifier
	dispatcher *dispatch.Dispatcher
	cfg        *core.Config
}

// newHarness wires an engine over in-memory stores with fast test timeouts
// and publishes the given definitions.
func newHarness(t *testing.T, opts []core.Option, defs ...*definition.Definition) *harness {
	t.Helper()

	base := []core.Option{
		core.WithDefaultStepTimeout(5 * time.Second),
		core.WithCancelGracePeriod(200 * time.Millisecond),
	}
	cfg, err := core.NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	store := NewMemoryStore()
	registry := definition.NewRegistry(nil)
	for _, def := range defs {
		require.NoError(t, registry.SaveDraft(def))
		require.NoError(t, registry.Publish(def.Name, def.Version))
	}

	coord := dispatch.NewMemoryCoordinationStore()
	breaker := dispatch.NewCircuitBreaker(coord, cfg.CircuitFailureThreshold, cfg.CircuitCooldown, nil)
	dispatcher := dispatch.NewDispatcher(coord, breaker, cfg.AgentQueueMax, cfg.LeaseSlack, nil)
	t.Cleanup(dispatcher.Close)

	agent := &fakeAgent{}
	notifier := &fakeNotifier{}
	approvals := &fakeApprovalNotifier{}

	engine, err := NewEngine(cfg, Deps{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Agents:     agent,
		Notifier:   notifier,
		Approvals:  approvals,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	return &harness{
		t:          t,
		engine:     engine,
		store:      store,
		registry:   registry,
		agent:      agent,
		notifier:   notifier,
		approvals:  approvals,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

func (h *harness) start(def definition.Ref, input map[string]interface{}) string {
	h.t.Helper()
	id, err := h.engine.StartExecution(context.Background(), def, input, Origin{
		Kind:      OriginManual,
		UserID:    operator.ID,
		UserEmail: operator.Email,
	}, operator)
	require.NoError(h.t, err)
	return id
}

// awaitTerminal blocks until the execution reaches a terminal status.
func (h *harness) awaitTerminal(id string) *Execution {
	h.t.Helper()
	var exec *Execution
	require.Eventually(h.t, func() bool {
		e, err := h.store.GetExecution(context.Background(), id)
		if err != nil {
			return false
		}
		exec = e
		return e.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond, "execution %s never terminated", id)
	return exec
}

// awaitStepStatus blocks until the step reaches the wanted status.
func (h *harness) awaitStepStatus(execID, stepID string, want StepStatus) *StepExecution {
	h.t.Helper()
	var rec *StepExecution
	require.Eventually(h.t, func() bool {
		r, err := h.store.GetStep(context.Background(), execID, stepID)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 10*time.Second, 5*time.Millisecond, "step %s/%s never reached %s", execID, stepID, want)
	return rec
}

func (h *harness) step(execID, stepID string) *StepExecution {
	h.t.Helper()
	rec, err := h.store.GetStep(context.Background(), execID, stepID)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) events(execID string, t EventType) []*Event {
	h.t.Helper()
	all, err := h.store.ListEvents(context.Background(), execID)
	require.NoError(h.t, err)
	var out []*Event
	for _, ev := range all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func ref(def *definition.Definition) definition.Ref {
	return definition.Ref{Name: def.Name, Version: def.Version}
}

// agentStep is shorthand for the most common step shape in these tests.
func agentStep(id, agent, message string, deps ...string) definition.Step {
	return definition.Step{
		ID:        id,
		Type:      definition.StepAgentTask,
		Agent:     agent,
		Message:   message,
		DependsOn: deps,
	}
}
