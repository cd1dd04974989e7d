package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/telemetry"
)

// Dispatcher serializes step calls per agent. Submission is rejected with
// ErrCircuitOpen while the agent's circuit is open and with ErrAgentBusy
// when the agent's queue is full; admitted calls run strictly FIFO, one at
// a time per agent, under a deadline-bearing lease.
type Dispatcher struct {
	store      CoordinationStore
	breaker    *CircuitBreaker
	queueMax   int
	leaseSlack time.Duration
	logger     core.Logger

	mu      sync.Mutex
	workers map[string]chan *queuedCall
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type queuedCall struct {
	ctx     context.Context
	lease   Lease
	timeout time.Duration
	probe   bool
	fn      func(context.Context) error
	done    chan error
}

// NewDispatcher creates a dispatcher with the given bounds.
func NewDispatcher(store CoordinationStore, breaker *CircuitBreaker, queueMax int, leaseSlack time.Duration, logger core.Logger) *Dispatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      store,
		breaker:    breaker,
		queueMax:   queueMax,
		leaseSlack: leaseSlack,
		logger:     logger,
		workers:    make(map[string]chan *queuedCall),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Breaker exposes the dispatcher's circuit breaker for state queries and
// manual resets.
func (d *Dispatcher) Breaker() *CircuitBreaker {
	return d.breaker
}

// Submit enqueues fn for the agent and blocks until it completes or ctx is
// cancelled. timeout bounds the call itself; the lease deadline adds slack
// on top so a wedged call is revoked rather than held forever.
func (d *Dispatcher) Submit(ctx context.Context, agent, executionID, stepID string, timeout time.Duration, fn func(context.Context) error) error {
	probe, err := d.breaker.Allow(ctx, agent)
	if err != nil {
		telemetry.Counter(ctx, "trinity.dispatch.rejections", "agent", agent, "reason", "circuit_open")
		return err
	}

	admitted, err := d.store.IncrQueue(ctx, agent, d.queueMax)
	if err != nil {
		if probe {
			d.breaker.CancelProbe(ctx, agent)
		}
		return fmt.Errorf("dispatch.Submit %s: %w", agent, err)
	}
	if !admitted {
		if probe {
			d.breaker.CancelProbe(ctx, agent)
		}
		telemetry.Counter(ctx, "trinity.dispatch.rejections", "agent", agent, "reason", "queue_full")
		return fmt.Errorf("dispatch.Submit %s: %w", agent, core.ErrAgentBusy)
	}

	call := &queuedCall{
		ctx: ctx,
		lease: Lease{
			Agent:       agent,
			ExecutionID: executionID,
			StepID:      stepID,
		},
		timeout: timeout,
		probe:   probe,
		fn:      fn,
		done:    make(chan error, 1),
	}

	select {
	case d.workerFor(agent) <- call:
	case <-ctx.Done():
		_ = d.store.DecrQueue(context.Background(), agent)
		if probe {
			d.breaker.CancelProbe(context.Background(), agent)
		}
		return ctx.Err()
	}

	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		// The worker still owns the call; it observes ctx itself.
		return <-call.done
	}
}

// workerFor returns the agent's FIFO channel, starting its worker on first
// use. Channel capacity matches the queue bound so a successful IncrQueue
// always finds room.
func (d *Dispatcher) workerFor(agent string) chan *queuedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.workers[agent]
	if !ok {
		ch = make(chan *queuedCall, d.queueMax)
		d.workers[agent] = ch
		d.wg.Add(1)
		go d.runWorker(agent, ch)
	}
	return ch
}

func (d *Dispatcher) runWorker(agent string, calls chan *queuedCall) {
	defer d.wg.Done()
	for {
		select {
		case call := <-calls:
			d.execute(agent, call)
		case <-d.ctx.Done():
			// Drain so no submitter blocks forever.
			for {
				select {
				case call := <-calls:
					_ = d.store.DecrQueue(context.Background(), agent)
					call.done <- d.ctx.Err()
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) execute(agent string, call *queuedCall) {
	defer func() { _ = d.store.DecrQueue(context.Background(), agent) }()

	if err := call.ctx.Err(); err != nil {
		if call.probe {
			d.breaker.CancelProbe(context.Background(), agent)
		}
		call.done <- err
		return
	}

	deadline := time.Now().Add(call.timeout + d.leaseSlack)
	call.lease.Deadline = deadline
	acquired, err := d.store.AcquireLease(call.ctx, call.lease)
	if err != nil || !acquired {
		// Leases are per-agent and this worker is the only dispatcher of
		// this agent in-process; a held lease means another replica is
		// mid-call. Treat as busy.
		if call.probe {
			d.breaker.CancelProbe(context.Background(), agent)
		}
		if err == nil {
			err = fmt.Errorf("dispatch %s: lease held elsewhere: %w", agent, core.ErrAgentBusy)
		}
		call.done <- err
		return
	}
	defer func() { _ = d.store.ReleaseLease(context.Background(), call.lease) }()

	callCtx, cancel := context.WithTimeout(call.ctx, call.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- call.fn(callCtx) }()

	var callErr error
	select {
	case callErr = <-result:
	case <-time.After(time.Until(deadline)):
		// Lease deadline passed without completion: revoke.
		cancel()
		callErr = fmt.Errorf("dispatch %s [%s/%s]: lease revoked: %w",
			agent, call.lease.ExecutionID, call.lease.StepID, core.ErrAgentTimeout)
		d.logger.Warn("Agent lease revoked", map[string]interface{}{
			"agent":        agent,
			"execution_id": call.lease.ExecutionID,
			"step_id":      call.lease.StepID,
		})
	}

	if callErr == nil {
		d.breaker.RecordSuccess(context.Background(), agent)
	} else if countsAgainstCircuit(callErr) {
		d.breaker.RecordFailure(context.Background(), agent)
	} else if call.probe {
		// Probe outcome must resolve the half-open state even for errors
		// that do not count against health.
		d.breaker.CancelProbe(context.Background(), agent)
	}

	call.done <- callErr
}

// countsAgainstCircuit classifies which errors indicate agent unhealth.
// Permanent (4xx-style) errors are the request's fault, cancellation is the
// caller's, and a full queue is back-pressure; none of those say anything
// about the agent itself.
func countsAgainstCircuit(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, core.ErrAgentBusy) {
		return false
	}
	return errors.Is(err, core.ErrAgentTimeout) ||
		errors.Is(err, core.ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Close stops all agent workers. In-flight calls finish; queued calls fail.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
