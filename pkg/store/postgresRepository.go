package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const messageColumns = `id, aggregate_type, aggregate_id, event_type, topic, payload, headers, status, retry_count, created_at, updated_at, last_attempt_time`

type PostgresRepository struct {
	db          *sql.DB // using database/sql
	claimExpiry time.Duration
}

func NewPostgresRepository(db *sql.DB, claimExpiry time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, claimExpiry: claimExpiry}
}

// ClaimBatch selects deliverable messages oldest-first under
// FOR UPDATE SKIP LOCKED and flips them to PROCESSING before the transaction
// commits, so two claimants can never hold the same row. PROCESSING rows whose
// claim expired (claimant crashed between claim and dispatch) are re-claimable.
func (p *PostgresRepository) ClaimBatch(ctx context.Context, limit int) ([]OutboxMessage, error) {
	return p.withTransaction(ctx, "ClaimBatch", func(ctx context.Context, tx *sql.Tx) ([]OutboxMessage, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM outbox_messages
             WHERE status = $1 OR (status = $2 AND updated_at < $3)
             ORDER BY created_at ASC
             LIMIT $4
             FOR UPDATE SKIP LOCKED`,
			StatusPending, StatusProcessing, time.Now().Add(-p.claimExpiry), limit)
		if err != nil {
			return nil, newError(CodeUnavailable, "claim query failed", err)
		}
		defer rows.Close()

		var messages []OutboxMessage
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		}
		if err := rows.Err(); err != nil {
			return nil, newError(CodeUnavailable, "claim scan failed", err)
		}
		if len(messages) == 0 {
			return nil, nil
		}

		ids := make([]string, len(messages))
		for i := range messages {
			ids[i] = messages[i].ID
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status=$1, updated_at=$2, last_attempt_time=$2 WHERE id = ANY($3)`,
			StatusProcessing, now, pq.Array(ids)); err != nil {
			return nil, newError(CodeUnavailable, "claim update failed", err)
		}

		for i := range messages {
			messages[i].Status = StatusProcessing
			messages[i].UpdatedAt = now
			t := now
			messages[i].LastAttemptTime = &t
		}
		return messages, nil
	})
}

func (p *PostgresRepository) UpdateStatus(ctx context.Context, messageID string, status Status, incrementRetry bool) error {
	query := `UPDATE outbox_messages SET status=$1, updated_at=$2 WHERE id=$3`
	if incrementRetry {
		query = `UPDATE outbox_messages SET status=$1, retry_count = retry_count + 1, updated_at=$2 WHERE id=$3`
	}

	_, err := p.withTransaction(ctx, "UpdateStatus", func(ctx context.Context, tx *sql.Tx) ([]OutboxMessage, error) {
		res, err := tx.ExecContext(ctx, query, status, time.Now(), messageID)
		if err != nil {
			return nil, newError(CodeUnavailable, "status update failed", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil, newError(CodeNotFound, "no message with id "+messageID, nil)
		}
		return nil, nil
	})
	return err
}

func (p *PostgresRepository) FindRetryCandidates(ctx context.Context, maxRetries, limit int) ([]OutboxMessage, error) {
	return p.withTransaction(ctx, "FindRetryCandidates", func(ctx context.Context, tx *sql.Tx) ([]OutboxMessage, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM outbox_messages
             WHERE status = $1 AND retry_count < $2
             ORDER BY created_at ASC
             LIMIT $3`,
			StatusFailed, maxRetries, limit)
		if err != nil {
			return nil, newError(CodeUnavailable, "retry candidate query failed", err)
		}
		defer rows.Close()

		var messages []OutboxMessage
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		}
		if err := rows.Err(); err != nil {
			return nil, newError(CodeUnavailable, "retry candidate scan failed", err)
		}
		return messages, nil
	})
}

func (p *PostgresRepository) MarkDeadLettered(ctx context.Context, maxRetries int) (int64, error) {
	var moved int64
	_, err := p.withTransaction(ctx, "MarkDeadLettered", func(ctx context.Context, tx *sql.Tx) ([]OutboxMessage, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status=$1, updated_at=$2 WHERE status=$3 AND retry_count >= $4`,
			StatusDeadLettered, time.Now(), StatusFailed, maxRetries)
		if err != nil {
			return nil, newError(CodeUnavailable, "dead-letter update failed", err)
		}
		moved, _ = res.RowsAffected()
		return nil, nil
	})
	return moved, err
}

func (p *PostgresRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	_, err := p.withTransaction(ctx, "CountByStatus", func(ctx context.Context, tx *sql.Tx) ([]OutboxMessage, error) {
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_messages WHERE status=$1`, status)
		if err := row.Scan(&count); err != nil {
			return nil, newError(CodeUnavailable, "count query failed", err)
		}
		return nil, nil
	})
	return count, err
}

// scanMessage reads one row in messageColumns order.
func scanMessage(rows *sql.Rows) (OutboxMessage, error) {
	var (
		msg         OutboxMessage
		headersJSON []byte
		lastAttempt sql.NullTime
	)
	if err := rows.Scan(
		&msg.ID,
		&msg.AggregateType,
		&msg.AggregateID,
		&msg.EventType,
		&msg.Topic,
		&msg.Payload,
		&headersJSON,
		&msg.Status,
		&msg.RetryCount,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&lastAttempt,
	); err != nil {
		return OutboxMessage{}, newError(CodeUnavailable, "row scan failed", err)
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &msg.Headers); err != nil {
			return OutboxMessage{}, newError(CodeSerialization, "headers decode failed for message "+msg.ID, err)
		}
	}
	if lastAttempt.Valid {
		msg.LastAttemptTime = &lastAttempt.Time
	}
	return msg, nil
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) ([]OutboxMessage, error)) ([]OutboxMessage, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, newError(CodeUnavailable, "begin transaction failed", err)
	}

	messages, err := fn(ctx, tx)
	if err != nil {
		tx.Rollback()
		span.RecordError(err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, newError(CodeUnavailable, "commit failed", err)
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(messages), time.Since(start))

	return messages, nil
}
