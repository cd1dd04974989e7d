package process

import (
	"context"
)

// Store persists the runtime's four projections and the event stream.
// Executions, steps, and approvals are mutable by id; events are append-only.
// Implementations enforce terminal write-once: updating an execution or step
// that already reached a terminal status fails with core.ErrTerminalState
// unless the status is unchanged.
type Store interface {
	CreateExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, f Filter) (*PageResult, error)

	// ListActive returns every non-terminal execution; recovery and the
	// concurrency limits read this.
	ListActive(ctx context.Context) ([]*Execution, error)

	PutStep(ctx context.Context, s *StepExecution) error
	GetStep(ctx context.Context, executionID, stepID string) (*StepExecution, error)
	ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error)

	CreateApproval(ctx context.Context, a *ApprovalTask) error
	UpdateApproval(ctx context.Context, a *ApprovalTask) error
	GetApproval(ctx context.Context, id string) (*ApprovalTask, error)

	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, executionID string) ([]*Event, error)
}
