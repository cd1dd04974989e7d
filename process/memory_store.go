package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trinity-platform/trinity/core"
)

// MemoryStore is the single-replica Store. Everything is copied on the way
// in and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	order      []string // creation order for listing
	steps      map[string]map[string]*StepExecution
	approvals  map[string]*ApprovalTask
	events     map[string][]*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		steps:      make(map[string]map[string]*StepExecution),
		approvals:  make(map[string]*ApprovalTask),
		events:     make(map[string][]*Event),
	}
}

func copyExecution(e *Execution) *Execution {
	out := *e
	if e.Input != nil {
		out.Input = make(map[string]interface{}, len(e.Input))
		for k, v := range e.Input {
			out.Input[k] = v
		}
	}
	if e.Outputs != nil {
		out.Outputs = make(map[string]interface{}, len(e.Outputs))
		for k, v := range e.Outputs {
			out.Outputs[k] = v
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func copyStep(s *StepExecution) *StepExecution {
	out := *s
	copyTime := func(t **time.Time) {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	copyTime(&out.StartedAt)
	copyTime(&out.CompletedAt)
	copyTime(&out.FireAt)
	copyTime(&out.Deadline)
	return &out
}

func copyApproval(a *ApprovalTask) *ApprovalTask {
	out := *a
	out.Approvers = append([]string(nil), a.Approvers...)
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}

func (m *MemoryStore) CreateExecution(ctx context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return fmt.Errorf("store.CreateExecution %s: already exists", e.ID)
	}
	m.executions[e.ID] = copyExecution(e)
	m.order = append(m.order, e.ID)
	return nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.executions[e.ID]
	if !ok {
		return fmt.Errorf("store.UpdateExecution %s: %w", e.ID, core.ErrExecutionNotFound)
	}
	if existing.Status.IsTerminal() && existing.Status != e.Status {
		return fmt.Errorf("store.UpdateExecution %s: %w", e.ID, core.ErrTerminalState)
	}
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("store.GetExecution %s: %w", id, core.ErrExecutionNotFound)
	}
	return copyExecution(e), nil
}

func matchesFilter(e *Execution, f Filter) bool {
	if f.Definition != "" && e.Definition.Name != f.Definition {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.OriginKind != "" && e.Origin.Kind != f.OriginKind {
		return false
	}
	if !f.Since.IsZero() && e.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.StartedAt.After(f.Until) {
		return false
	}
	return true
}

func paginate(matched []*Execution, f Filter) *PageResult {
	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 {
		size = 20
	}
	total := len(matched)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return &PageResult{
		Executions: matched[start:end],
		Total:      total,
		Page:       page,
		PageSize:   size,
	}
}

func (m *MemoryStore) ListExecutions(ctx context.Context, f Filter) (*PageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Execution
	// Newest first.
	for i := len(m.order) - 1; i >= 0; i-- {
		e := m.executions[m.order[i]]
		if matchesFilter(e, f) {
			matched = append(matched, copyExecution(e))
		}
	}
	return paginate(matched, f), nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, id := range m.order {
		e := m.executions[id]
		if !e.Status.IsTerminal() {
			out = append(out, copyExecution(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) PutStep(ctx context.Context, s *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep := m.steps[s.ExecutionID]
	if byStep == nil {
		byStep = make(map[string]*StepExecution)
		m.steps[s.ExecutionID] = byStep
	}
	if existing, ok := byStep[s.StepID]; ok {
		if existing.Status.IsTerminal() && existing.Status != s.Status {
			return fmt.Errorf("store.PutStep %s/%s: %w", s.ExecutionID, s.StepID, core.ErrTerminalState)
		}
	}
	byStep[s.StepID] = copyStep(s)
	return nil
}

func (m *MemoryStore) GetStep(ctx context.Context, executionID, stepID string) (*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[executionID][stepID]
	if !ok {
		return nil, fmt.Errorf("store.GetStep %s/%s: not found", executionID, stepID)
	}
	return copyStep(s), nil
}

func (m *MemoryStore) ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byStep := m.steps[executionID]
	out := make([]*StepExecution, 0, len(byStep))
	for _, s := range byStep {
		out = append(out, copyStep(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (m *MemoryStore) CreateApproval(ctx context.Context, a *ApprovalTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; ok {
		return fmt.Errorf("store.CreateApproval %s: already exists", a.ID)
	}
	m.approvals[a.ID] = copyApproval(a)
	return nil
}

func (m *MemoryStore) UpdateApproval(ctx context.Context, a *ApprovalTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; !ok {
		return fmt.Errorf("store.UpdateApproval %s: %w", a.ID, core.ErrApprovalNotFound)
	}
	m.approvals[a.ID] = copyApproval(a)
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*ApprovalTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, fmt.Errorf("store.GetApproval %s: %w", id, core.ErrApprovalNotFound)
	}
	return copyApproval(a), nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *ev
	m.events[ev.ExecutionID] = append(m.events[ev.ExecutionID], &copied)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, executionID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[executionID]
	out := make([]*Event, len(events))
	for i, ev := range events {
		copied := *ev
		out[i] = &copied
	}
	return out, nil
}
