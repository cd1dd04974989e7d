package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). These are the error
// kinds named in the engine's error model; components wrap them with
// additional context rather than inventing new strings.
var (
	// Definition and expression errors
	ErrInvalidDefinition  = errors.New("invalid process definition")
	ErrDefinitionNotFound = errors.New("process definition not found")
	ErrExpression         = errors.New("expression syntax error")

	// Agent dispatch errors
	ErrAgentBusy    = errors.New("agent queue full")
	ErrCircuitOpen  = errors.New("agent circuit open")
	ErrAgentTimeout = errors.New("agent call timed out")
	ErrTransient    = errors.New("transient agent error")
	ErrPermanent    = errors.New("permanent agent error")

	// Scheduling errors
	ErrStepTimeout        = errors.New("step timed out")
	ErrDependencyFailed   = errors.New("dependency failed")
	ErrNoGatewayMatch     = errors.New("no gateway condition matched")
	ErrApprovalExpired    = errors.New("approval deadline expired")
	ErrNotificationFailed = errors.New("all notification channels failed")
	ErrSubProcessTooDeep  = errors.New("sub-process nesting too deep")

	// Submission and lookup errors
	ErrLimitExceeded     = errors.New("execution limit exceeded")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrApprovalNotFound  = errors.New("approval task not found")
	ErrTriggerNotFound   = errors.New("webhook trigger not found")
	ErrRateLimited       = errors.New("trigger rate limited")

	// State errors
	ErrTerminalState    = errors.New("execution already terminal")
	ErrAlreadyPublished = errors.New("definition already published")
	ErrAlreadyDecided   = errors.New("approval already decided")
	ErrUnauthorized     = errors.New("actor not authorized")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Operation errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrContextCanceled    = errors.New("context canceled")
	ErrAuditUnavailable   = errors.New("audit backend unavailable")
)

// EngineError provides structured error information with execution context.
// It implements the error interface and supports error wrapping. User-visible
// failures are built from it: kind, short explanation, step id, attempt.
type EngineError struct {
	Op          string // Operation that failed (e.g., "engine.StartExecution")
	Kind        string // Error kind (e.g., "agent", "gateway", "limit")
	ExecutionID string // Optional execution involved
	StepID      string // Optional step at fault
	Attempt     int    // Attempt number when relevant (1-based)
	Message     string // Human-readable message
	Err         error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *EngineError) Error() string {
	switch {
	case e.StepID != "" && e.Err != nil:
		if e.Attempt > 0 {
			return fmt.Sprintf("%s [step %s attempt %d]: %v", e.Op, e.StepID, e.Attempt, e.Err)
		}
		return fmt.Sprintf("%s [step %s]: %v", e.Op, e.StepID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates an EngineError for an operation.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether an error should count against a step's retry
// budget. Circuit-open is deliberately excluded: it is a longer-lived
// condition and retrying would only burn the budget against a closed door.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAgentBusy) ||
		errors.Is(err, ErrAgentTimeout) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrStepTimeout) ||
		errors.Is(err, ErrNotificationFailed)
}

// IsPermanent reports whether an error can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) ||
		errors.Is(err, ErrExpression) ||
		errors.Is(err, ErrNoGatewayMatch) ||
		errors.Is(err, ErrSubProcessTooDeep) ||
		errors.Is(err, ErrDependencyFailed)
}

// IsCircuitOpen reports whether an error was caused by an open agent circuit.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
