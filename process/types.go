// Package process is the execution runtime: the state machine that drives a
// published definition to completion. It owns executions, their step records,
// approval tasks, and the per-execution event stream; the scheduler, step
// handlers, recovery sweep, and concurrency limits all live here.
package process

import (
	"time"

	"github.com/trinity-platform/trinity/definition"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// write-once: the store rejects any later change.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepAwaiting  StepStatus = "awaiting"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// SkipReason distinguishes why a step was skipped. Condition skips satisfy
// downstream joins like successes do; unreachable skips mark branches a
// gateway routed away from and prune their descendants.
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipCondition   SkipReason = "condition_false"
	SkipUnreachable SkipReason = "gateway_unreachable"
	SkipTimeout     SkipReason = "approval_timeout"
)

// OriginKind identifies what created an execution.
type OriginKind string

const (
	OriginManual   OriginKind = "manual"
	OriginWebhook  OriginKind = "webhook"
	OriginSchedule OriginKind = "schedule"
	OriginAgent    OriginKind = "agent"
)

// Origin is the audit-grade attribution attached to an execution. It travels
// to agents as origin headers so downstream audit can tie work back to the
// initiating actor.
type Origin struct {
	Kind        OriginKind `json:"kind"`
	UserID      string     `json:"user_id,omitempty"`
	UserEmail   string     `json:"user_email,omitempty"`
	SourceAgent string     `json:"source_agent,omitempty"`
	SourceIP    string     `json:"source_ip,omitempty"`
	MCPKeyID    string     `json:"mcp_key_id,omitempty"`
	MCPKeyName  string     `json:"mcp_key_name,omitempty"`
	TriggerID   string     `json:"trigger_id,omitempty"`
}

// Execution is one run of a published definition.
type Execution struct {
	ID          string                 `json:"id"`
	Definition  definition.Ref         `json:"definition"`
	Status      ExecutionStatus        `json:"status"`
	Origin      Origin                 `json:"origin"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Cost        float64                `json:"cost,omitempty"`
	Depth       int                    `json:"depth,omitempty"`
	ParentID    string                 `json:"parent_execution_id,omitempty"`
	ParentStep  string                 `json:"parent_step_id,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// StepExecution is the attempt-history record for one step. FireAt and
// Deadline persist the resumption trigger of awaiting steps so timers and
// approvals survive restarts.
type StepExecution struct {
	ExecutionID string      `json:"execution_id"`
	StepID      string      `json:"step_id"`
	Status      StepStatus  `json:"status"`
	Attempt     int         `json:"attempt"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	SkipReason  SkipReason  `json:"skip_reason,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	DurationMS  int64       `json:"duration_ms,omitempty"`

	FireAt     *time.Time `json:"fire_at,omitempty"`     // timer
	Deadline   *time.Time `json:"deadline,omitempty"`    // approval
	ApprovalID string     `json:"approval_id,omitempty"` // approval
	ChildID    string     `json:"child_id,omitempty"`    // sub_process
}

// ApprovalStatus is the lifecycle state of an approval task.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// ApprovalTask is a pending human decision owned by one awaiting step.
type ApprovalTask struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Approvers   []string       `json:"approvers,omitempty"`
	Deadline    time.Time      `json:"deadline"`
	Status      ApprovalStatus `json:"status"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Comments    string         `json:"comments,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// EventType enumerates the execution event stream.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionCancelled EventType = "execution_cancelled"
	EventStepReady          EventType = "step_ready"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStepSkipped        EventType = "step_skipped"
	EventStepRetrying       EventType = "step_retrying"
	EventApprovalCreated    EventType = "approval_created"
	EventApprovalDecided    EventType = "approval_decided"
	EventCollaboration      EventType = "collaboration"
	EventRecoveryAction     EventType = "recovery_action"
)

// Event is one entry in an execution's append-only stream.
type Event struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	Type        EventType              `json:"type"`
	StepID      string                 `json:"step_id,omitempty"`
	At          time.Time              `json:"at"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Filter selects executions for listing.
type Filter struct {
	Definition string
	Status     ExecutionStatus
	OriginKind OriginKind
	Since      time.Time
	Until      time.Time
	Page       int
	PageSize   int
}

// PageResult is one page of an execution listing.
type PageResult struct {
	Executions []*Execution `json:"executions"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
}

// RecoverySummary reports the outcome of the last startup sweep.
type RecoverySummary struct {
	RanAt      time.Time        `json:"ran_at"`
	Scanned    int              `json:"scanned"`
	TimedOut   int              `json:"timed_out"`
	Resumed    int              `json:"resumed"`
	StepsReset int              `json:"steps_reset"`
	Actions    []RecoveryAction `json:"actions,omitempty"`
}

// RecoveryAction is one per-execution decision the sweep took.
type RecoveryAction struct {
	ExecutionID string `json:"execution_id"`
	Action      string `json:"action"` // "timed_out", "resumed"
	StepsReset  int    `json:"steps_reset,omitempty"`
}

// Role is the coarse permission tier of an actor.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleDesigner Role = "designer"
	RoleAdmin    Role = "admin"
)

// Actor identifies who is performing an operation.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}
