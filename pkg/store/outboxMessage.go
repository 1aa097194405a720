package store

import "time"

// Status represents the delivery status of an outbox message.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusSent         Status = "SENT"
	StatusFailed       Status = "FAILED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// Statuses lists every status a message can be in. Used for observability
// (per-status backlog gauges).
var Statuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusDeadLettered}

// Header keys every relayed message carries. Consumers rely on message-id for
// deduplication, so the writer stamps it at append time and the dispatcher
// re-asserts it at publish time.
const (
	HeaderMessageID     = "message-id"
	HeaderAggregateType = "aggregate-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderEventType     = "event-type"
	HeaderCreatedAt     = "created-at"
)

// OutboxMessage is one staged domain event awaiting relay to the broker.
// It is created by the writer inside the same transaction as the aggregate
// mutation that produced it; afterwards only the relay mutates Status,
// RetryCount, UpdatedAt and LastAttemptTime.
type OutboxMessage struct {
	ID              string            `json:"id" bson:"id"`
	AggregateType   string            `json:"aggregate_type" bson:"aggregate_type"`
	AggregateID     string            `json:"aggregate_id" bson:"aggregate_id"`
	EventType       string            `json:"event_type" bson:"event_type"`
	Topic           string            `json:"topic" bson:"topic"`
	Payload         []byte            `json:"payload" bson:"payload"`
	Headers         map[string]string `json:"headers" bson:"headers"`
	Status          Status            `json:"status" bson:"status"`
	RetryCount      int               `json:"retry_count" bson:"retry_count"`
	CreatedAt       time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" bson:"updated_at"`
	LastAttemptTime *time.Time        `json:"last_attempt_time,omitempty" bson:"last_attempt_time,omitempty"`
}
