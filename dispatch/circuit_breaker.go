package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/telemetry"
)

// CircuitBreaker tracks per-agent health. It opens after a configured
// number of consecutive failures, stays open for a cooldown, then admits
// exactly one probe (half-open); the probe's outcome closes or re-opens
// the circuit. State lives in the CoordinationStore so replicas agree.
type CircuitBreaker struct {
	store     CoordinationStore
	threshold int
	cooldown  time.Duration
	logger    core.Logger
	now       func() time.Time
}

// CircuitStatus is the externally visible state of one agent's circuit.
type CircuitStatus struct {
	State    CircuitState `json:"state"`
	Failures int          `json:"failure_count"`
}

// NewCircuitBreaker creates a breaker over the given coordination store.
func NewCircuitBreaker(store CoordinationStore, threshold int, cooldown time.Duration, logger core.Logger) *CircuitBreaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
}

// casRetries bounds optimistic-concurrency retries against the store.
const casRetries = 8

// Allow decides whether a new call to agent may proceed. It returns
// probe=true when the caller was admitted as the half-open probe; such a
// caller MUST report its outcome via RecordSuccess/RecordFailure, or cancel
// with CancelProbe if it never issues the call.
func (b *CircuitBreaker) Allow(ctx context.Context, agent string) (probe bool, err error) {
	for i := 0; i < casRetries; i++ {
		rec, err := b.store.GetCircuit(ctx, agent)
		if err != nil {
			return false, fmt.Errorf("circuit.Allow %s: %w", agent, err)
		}
		switch rec.State {
		case "", CircuitClosed:
			return false, nil
		case CircuitOpen:
			if b.now().Sub(rec.OpenedAt) < b.cooldown {
				return false, fmt.Errorf("circuit.Allow %s: %w", agent, core.ErrCircuitOpen)
			}
			next := rec
			next.State = CircuitHalfOpen
			next.Probing = true
			next.Version = rec.Version + 1
			ok, err := b.store.CompareAndSetCircuit(ctx, agent, rec.Version, next)
			if err != nil {
				return false, err
			}
			if ok {
				b.transitionLog(ctx, agent, CircuitOpen, CircuitHalfOpen)
				return true, nil
			}
		case CircuitHalfOpen:
			if rec.Probing {
				return false, fmt.Errorf("circuit.Allow %s: %w", agent, core.ErrCircuitOpen)
			}
			next := rec
			next.Probing = true
			next.Version = rec.Version + 1
			ok, err := b.store.CompareAndSetCircuit(ctx, agent, rec.Version, next)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, fmt.Errorf("circuit.Allow %s: %w", agent, core.ErrCircuitOpen)
}

// CancelProbe returns an admitted-but-unused probe slot.
func (b *CircuitBreaker) CancelProbe(ctx context.Context, agent string) {
	_, _, _ = b.update(ctx, agent, func(rec CircuitRecord) CircuitRecord {
		if rec.State == CircuitHalfOpen {
			rec.Probing = false
		}
		return rec
	})
}

// RecordSuccess reports a successful call. In half-open it closes the
// circuit; in closed it clears the consecutive-failure count.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, agent string) {
	from, to, err := b.update(ctx, agent, func(rec CircuitRecord) CircuitRecord {
		rec.Failures = 0
		rec.Probing = false
		rec.State = CircuitClosed
		rec.OpenedAt = time.Time{}
		return rec
	})
	if err == nil && from != to {
		b.transitionLog(ctx, agent, from, to)
	}
}

// RecordFailure reports a failed call that counts toward agent health.
// Closed circuits open at the threshold; a half-open probe failure
// re-opens immediately.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, agent string) {
	from, to, err := b.update(ctx, agent, func(rec CircuitRecord) CircuitRecord {
		switch rec.State {
		case "", CircuitClosed:
			rec.State = CircuitClosed
			rec.Failures++
			if rec.Failures >= b.threshold {
				rec.State = CircuitOpen
				rec.OpenedAt = b.now()
			}
		case CircuitHalfOpen:
			rec.State = CircuitOpen
			rec.OpenedAt = b.now()
			rec.Probing = false
		}
		return rec
	})
	if err == nil && from != to {
		b.transitionLog(ctx, agent, from, to)
	}
}

// Reset force-closes an agent's circuit; exposed through the engine's
// ResetCircuit operation.
func (b *CircuitBreaker) Reset(ctx context.Context, agent string) error {
	from, to, err := b.update(ctx, agent, func(rec CircuitRecord) CircuitRecord {
		rec.State = CircuitClosed
		rec.Failures = 0
		rec.Probing = false
		rec.OpenedAt = time.Time{}
		return rec
	})
	if err != nil {
		return fmt.Errorf("circuit.Reset %s: %w", agent, err)
	}
	if from != to {
		b.transitionLog(ctx, agent, from, to)
	}
	return nil
}

// States snapshots every agent's circuit.
func (b *CircuitBreaker) States(ctx context.Context) (map[string]CircuitStatus, error) {
	records, err := b.store.ListCircuits(ctx)
	if err != nil {
		return nil, fmt.Errorf("circuit.States: %w", err)
	}
	out := make(map[string]CircuitStatus, len(records))
	for agent, rec := range records {
		state := rec.State
		if state == "" {
			state = CircuitClosed
		}
		out[agent] = CircuitStatus{State: state, Failures: rec.Failures}
	}
	return out, nil
}

func (b *CircuitBreaker) update(ctx context.Context, agent string, mutate func(CircuitRecord) CircuitRecord) (from, to CircuitState, err error) {
	for i := 0; i < casRetries; i++ {
		rec, err := b.store.GetCircuit(ctx, agent)
		if err != nil {
			return "", "", err
		}
		next := mutate(rec)
		next.Version = rec.Version + 1
		ok, err := b.store.CompareAndSetCircuit(ctx, agent, rec.Version, next)
		if err != nil {
			return "", "", err
		}
		if ok {
			from, to = rec.State, next.State
			if from == "" {
				from = CircuitClosed
			}
			return from, to, nil
		}
	}
	return "", "", fmt.Errorf("circuit update for %s lost %d CAS races", agent, casRetries)
}

func (b *CircuitBreaker) transitionLog(ctx context.Context, agent string, from, to CircuitState) {
	b.logger.InfoWithContext(ctx, "Circuit state changed", map[string]interface{}{
		"agent": agent,
		"from":  string(from),
		"to":    string(to),
	})
	telemetry.Counter(ctx, "trinity.circuit.transitions", "agent", agent, "to", string(to))
}
