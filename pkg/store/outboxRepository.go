package store

import (
	"context"
)

// OutBoxRepository defines the database operations the relay performs on the
// outbox_messages table. All mutation goes through these atomic operations;
// the relay keeps no message state between ticks.
type OutBoxRepository interface {
	// ClaimBatch atomically selects up to limit deliverable messages
	// (PENDING, or PROCESSING whose claim has expired), oldest first, and
	// transitions them to PROCESSING in the same operation. Concurrent
	// claimants never receive overlapping rows.
	ClaimBatch(ctx context.Context, limit int) ([]OutboxMessage, error)
	// UpdateStatus sets the status and updated_at of a message, and
	// optionally increments its retry count in the same statement.
	UpdateStatus(ctx context.Context, messageID string, status Status, incrementRetry bool) error
	// FindRetryCandidates retrieves FAILED messages that still have retry
	// budget left (retry_count < maxRetries), oldest first.
	FindRetryCandidates(ctx context.Context, maxRetries, limit int) ([]OutboxMessage, error)
	// MarkDeadLettered moves every FAILED message whose retry budget is
	// exhausted (retry_count >= maxRetries) to DEAD_LETTERED. Returns the
	// number of messages moved.
	MarkDeadLettered(ctx context.Context, maxRetries int) (int64, error)
	// CountByStatus reports how many messages are in the given status.
	CountByStatus(ctx context.Context, status Status) (int64, error)
}
