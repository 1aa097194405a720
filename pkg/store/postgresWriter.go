package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AppendTx stages messages on the caller's transaction. This is the entire
// contact surface with the business side of the system: the aggregate mutation
// and its outbox messages commit atomically, or neither does. An error here
// must fail the caller's transaction.
//
// Missing ids, timestamps and idempotency headers are stamped before insert;
// the assigned values are visible to the caller through the passed pointers.
func (p *PostgresRepository) AppendTx(ctx context.Context, tx *sql.Tx, messages ...*OutboxMessage) error {
	now := time.Now()
	for _, msg := range messages {
		if err := prepareForAppend(msg, now); err != nil {
			return err
		}

		headersJSON, err := json.Marshal(msg.Headers)
		if err != nil {
			return newError(CodeSerialization, "headers encode failed for message "+msg.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox_messages (`+messageColumns+`)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			msg.ID,
			msg.AggregateType,
			msg.AggregateID,
			msg.EventType,
			msg.Topic,
			msg.Payload,
			headersJSON,
			msg.Status,
			msg.RetryCount,
			msg.CreatedAt,
			msg.UpdatedAt,
			msg.LastAttemptTime,
		); err != nil {
			return newError(CodeUnavailable, "append failed for message "+msg.ID, err)
		}
	}
	return nil
}

// prepareForAppend validates the model invariants and stamps the fields the
// writer owns: id, status, timestamps and the idempotency headers downstream
// consumers deduplicate on.
func prepareForAppend(msg *OutboxMessage, now time.Time) error {
	switch {
	case msg.AggregateType == "":
		return newError(CodeInvalidMessage, "aggregate type is required", nil)
	case msg.AggregateID == "":
		return newError(CodeInvalidMessage, "aggregate id is required", nil)
	case msg.EventType == "":
		return newError(CodeInvalidMessage, "event type is required", nil)
	case msg.Topic == "":
		return newError(CodeInvalidMessage, "topic is required", nil)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Status = StatusPending
	msg.RetryCount = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.LastAttemptTime = nil

	if msg.Headers == nil {
		msg.Headers = make(map[string]string, 5)
	}
	msg.Headers[HeaderMessageID] = msg.ID
	msg.Headers[HeaderAggregateType] = msg.AggregateType
	msg.Headers[HeaderAggregateID] = msg.AggregateID
	msg.Headers[HeaderEventType] = msg.EventType
	msg.Headers[HeaderCreatedAt] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)

	return nil
}
