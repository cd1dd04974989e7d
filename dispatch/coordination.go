// Package dispatch protects downstream agents: a bounded FIFO queue and an
// exclusive lease per agent, guarded by a per-agent circuit breaker. Queue
// length, leases, and circuit state live in a coordination store with
// compare-and-set semantics so multiple engine replicas can coexist.
package dispatch

import (
	"context"
	"sync"
	"time"
)

// CircuitState is the per-agent breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitRecord is the shared breaker state for one agent. Version guards
// compare-and-set updates.
type CircuitRecord struct {
	State    CircuitState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt time.Time    `json:"opened_at,omitempty"`
	Probing  bool         `json:"probing,omitempty"`
	Version  int64        `json:"version"`
}

// Lease identifies the single in-flight step call for an agent.
type Lease struct {
	Agent       string    `json:"agent"`
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id"`
	Deadline    time.Time `json:"deadline"`
}

// CoordinationStore holds shared dispatch state. All mutations are
// compare-and-set or bounded increments so replicas never double-admit.
type CoordinationStore interface {
	// GetCircuit returns the circuit record for an agent; an agent never
	// seen before returns a zero-version closed record.
	GetCircuit(ctx context.Context, agent string) (CircuitRecord, error)

	// CompareAndSetCircuit writes rec iff the stored version still equals
	// expectedVersion. rec.Version must be expectedVersion+1.
	CompareAndSetCircuit(ctx context.Context, agent string, expectedVersion int64, rec CircuitRecord) (bool, error)

	// ListCircuits snapshots every known agent's circuit record.
	ListCircuits(ctx context.Context) (map[string]CircuitRecord, error)

	// IncrQueue atomically increments the agent's queue length unless it
	// already holds max entries; returns false when full.
	IncrQueue(ctx context.Context, agent string, max int) (bool, error)

	// DecrQueue releases one queue slot.
	DecrQueue(ctx context.Context, agent string) error

	// QueueLength reports the agent's current queue length.
	QueueLength(ctx context.Context, agent string) (int, error)

	// AcquireLease claims the agent's exclusive lease; returns false if a
	// live lease is already held.
	AcquireLease(ctx context.Context, l Lease) (bool, error)

	// ReleaseLease frees the lease if still held by the same owner.
	ReleaseLease(ctx context.Context, l Lease) error
}

// MemoryCoordinationStore is the single-replica implementation.
type MemoryCoordinationStore struct {
	mu       sync.Mutex
	circuits map[string]CircuitRecord
	queues   map[string]int
	leases   map[string]Lease
	now      func() time.Time
}

// NewMemoryCoordinationStore creates an empty in-memory store.
func NewMemoryCoordinationStore() *MemoryCoordinationStore {
	return &MemoryCoordinationStore{
		circuits: make(map[string]CircuitRecord),
		queues:   make(map[string]int),
		leases:   make(map[string]Lease),
		now:      time.Now,
	}
}

func (s *MemoryCoordinationStore) GetCircuit(ctx context.Context, agent string) (CircuitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.circuits[agent]
	if !ok {
		return CircuitRecord{State: CircuitClosed}, nil
	}
	return rec, nil
}

func (s *MemoryCoordinationStore) CompareAndSetCircuit(ctx context.Context, agent string, expectedVersion int64, rec CircuitRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.circuits[agent]
	currentVersion := int64(0)
	if ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return false, nil
	}
	s.circuits[agent] = rec
	return true, nil
}

func (s *MemoryCoordinationStore) ListCircuits(ctx context.Context) (map[string]CircuitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CircuitRecord, len(s.circuits))
	for agent, rec := range s.circuits {
		out[agent] = rec
	}
	return out, nil
}

func (s *MemoryCoordinationStore) IncrQueue(ctx context.Context, agent string, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues[agent] >= max {
		return false, nil
	}
	s.queues[agent]++
	return true, nil
}

func (s *MemoryCoordinationStore) DecrQueue(ctx context.Context, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues[agent] > 0 {
		s.queues[agent]--
	}
	return nil
}

func (s *MemoryCoordinationStore) QueueLength(ctx context.Context, agent string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[agent], nil
}

func (s *MemoryCoordinationStore) AcquireLease(ctx context.Context, l Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.leases[l.Agent]; ok && held.Deadline.After(s.now()) {
		return false, nil
	}
	s.leases[l.Agent] = l
	return true, nil
}

func (s *MemoryCoordinationStore) ReleaseLease(ctx context.Context, l Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.leases[l.Agent]
	if ok && held.ExecutionID == l.ExecutionID && held.StepID == l.StepID {
		delete(s.leases, l.Agent)
	}
	return nil
}
