package store

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

type SpannerRepository struct {
	client      *spanner.Client
	claimExpiry time.Duration
}

func NewSpannerRepository(client *spanner.Client, claimExpiry time.Duration) *SpannerRepository {
	return &SpannerRepository{client: client, claimExpiry: claimExpiry}
}

// ClaimBatch reads deliverable messages and flips them to PROCESSING inside a
// single read-write transaction. Spanner serializes conflicting transactions,
// which gives the same no-double-claim guarantee the Postgres repository gets
// from FOR UPDATE SKIP LOCKED.
func (s *SpannerRepository) ClaimBatch(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		messages = messages[:0]
		stmt := spanner.Statement{
			SQL: `SELECT id, aggregate_type, aggregate_id, event_type, topic, payload, headers, status, retry_count, created_at, updated_at, last_attempt_time
                  FROM outbox_messages
                  WHERE status = @pending OR (status = @processing AND updated_at < @claimExpiry)
                  ORDER BY created_at ASC
                  LIMIT @batchSize`,
			Params: map[string]interface{}{
				"pending":     string(StatusPending),
				"processing":  string(StatusProcessing),
				"claimExpiry": time.Now().Add(-s.claimExpiry),
				"batchSize":   int64(limit),
			},
		}

		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return newError(CodeUnavailable, "claim query failed", err)
			}

			msg, err := scanSpannerRow(row)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}

		if len(messages) == 0 {
			return nil
		}

		ids := make([]string, len(messages))
		for i := range messages {
			ids[i] = messages[i].ID
		}

		now := time.Now()
		update := spanner.Statement{
			SQL: `UPDATE outbox_messages
                  SET status = @status, updated_at = @now, last_attempt_time = @now
                  WHERE id IN UNNEST(@ids)`,
			Params: map[string]interface{}{
				"status": string(StatusProcessing),
				"now":    now,
				"ids":    ids,
			},
		}
		if _, err := txn.Update(ctx, update); err != nil {
			return newError(CodeUnavailable, "claim update failed", err)
		}

		for i := range messages {
			messages[i].Status = StatusProcessing
			messages[i].UpdatedAt = now
			t := now
			messages[i].LastAttemptTime = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SpannerRepository) UpdateStatus(ctx context.Context, messageID string, status Status, incrementRetry bool) error {
	sql := `UPDATE outbox_messages SET status = @status, updated_at = @now WHERE id = @id`
	if incrementRetry {
		sql = `UPDATE outbox_messages SET status = @status, retry_count = retry_count + 1, updated_at = @now WHERE id = @id`
	}

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: sql,
			Params: map[string]interface{}{
				"status": string(status),
				"now":    time.Now(),
				"id":     messageID,
			},
		}
		affected, err := txn.Update(ctx, stmt)
		if err != nil {
			return newError(CodeUnavailable, "status update failed", err)
		}
		if affected == 0 {
			return newError(CodeNotFound, "no message with id "+messageID, nil)
		}
		return nil
	})
	return err
}

func (s *SpannerRepository) FindRetryCandidates(ctx context.Context, maxRetries, limit int) ([]OutboxMessage, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, aggregate_type, aggregate_id, event_type, topic, payload, headers, status, retry_count, created_at, updated_at, last_attempt_time
              FROM outbox_messages
              WHERE status = @failed AND retry_count < @maxRetries
              ORDER BY created_at ASC
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"failed":     string(StatusFailed),
			"maxRetries": int64(maxRetries),
			"batchSize":  int64(limit),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var messages []OutboxMessage
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, newError(CodeUnavailable, "retry candidate query failed", err)
		}
		msg, err := scanSpannerRow(row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *SpannerRepository) MarkDeadLettered(ctx context.Context, maxRetries int) (int64, error) {
	var moved int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox_messages
                  SET status = @deadLettered, updated_at = @now
                  WHERE status = @failed AND retry_count >= @maxRetries`,
			Params: map[string]interface{}{
				"deadLettered": string(StatusDeadLettered),
				"now":          time.Now(),
				"failed":       string(StatusFailed),
				"maxRetries":   int64(maxRetries),
			},
		}
		affected, err := txn.Update(ctx, stmt)
		if err != nil {
			return newError(CodeUnavailable, "dead-letter update failed", err)
		}
		moved = affected
		return nil
	})
	return moved, err
}

func (s *SpannerRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT COUNT(*) FROM outbox_messages WHERE status = @status`,
		Params: map[string]interface{}{"status": string(status)},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, newError(CodeUnavailable, "count query failed", err)
	}
	var count int64
	if err := row.Columns(&count); err != nil {
		return 0, newError(CodeUnavailable, "count scan failed", err)
	}
	return count, nil
}

// AppendMutations builds the insert mutations for staging messages. The caller
// buffers them into its own read-write transaction alongside the aggregate
// write, which is what makes the append atomic with the state change.
func AppendMutations(messages ...*OutboxMessage) ([]*spanner.Mutation, error) {
	now := time.Now()
	mutations := make([]*spanner.Mutation, 0, len(messages))
	for _, msg := range messages {
		if err := prepareForAppend(msg, now); err != nil {
			return nil, err
		}
		headersJSON, err := json.Marshal(msg.Headers)
		if err != nil {
			return nil, newError(CodeSerialization, "headers encode failed for message "+msg.ID, err)
		}
		mutations = append(mutations, spanner.Insert("outbox_messages",
			[]string{"id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload", "headers", "status", "retry_count", "created_at", "updated_at"},
			[]interface{}{msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Topic, msg.Payload, string(headersJSON), string(msg.Status), int64(msg.RetryCount), msg.CreatedAt, msg.UpdatedAt},
		))
	}
	return mutations, nil
}

func scanSpannerRow(row *spanner.Row) (OutboxMessage, error) {
	var (
		msg         OutboxMessage
		status      string
		headersJSON string
		retryCount  int64
		lastAttempt spanner.NullTime
	)
	if err := row.Columns(
		&msg.ID,
		&msg.AggregateType,
		&msg.AggregateID,
		&msg.EventType,
		&msg.Topic,
		&msg.Payload,
		&headersJSON,
		&status,
		&retryCount,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&lastAttempt,
	); err != nil {
		return OutboxMessage{}, newError(CodeUnavailable, "row scan failed", err)
	}
	msg.Status = Status(status)
	msg.RetryCount = int(retryCount)
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &msg.Headers); err != nil {
			return OutboxMessage{}, newError(CodeSerialization, "headers decode failed for message "+msg.ID, err)
		}
	}
	if lastAttempt.Valid {
		msg.LastAttemptTime = &lastAttempt.Time
	}
	return msg, nil
}
