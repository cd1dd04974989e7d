package process

import "context"

// Notifier delivers notification-step messages. Implementations are external
// (Slack, email, webhooks); the engine only consumes this contract.
type Notifier interface {
	// Send delivers message to recipients on one channel and returns
	// per-recipient acceptance.
	Send(ctx context.Context, channel string, recipients []string, message string) (map[string]bool, error)
}

// ApprovalNotifier tells approvers a decision is pending. Delivery is
// best-effort; the engine stays authoritative over state and deadlines.
type ApprovalNotifier interface {
	NotifyApprovers(ctx context.Context, task *ApprovalTask) error
}

// NoOpApprovalNotifier is the default when no approval channel is wired.
type NoOpApprovalNotifier struct{}

func (NoOpApprovalNotifier) NotifyApprovers(ctx context.Context, task *ApprovalTask) error {
	return nil
}
