package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/restaurant-platform/outbox-relay/pkg/broker"
	"github.com/restaurant-platform/outbox-relay/pkg/metrics"
	"github.com/restaurant-platform/outbox-relay/pkg/store"
)

// Dispatcher publishes one claimed message at a time and records the outcome.
// It never retries synchronously: a failed publish marks the message FAILED
// with an incremented retry count and leaves re-queueing to the retry sweep,
// which keeps the dispatch path bounded in latency.
type Dispatcher struct {
	repo    store.OutBoxRepository
	broker  broker.MessageBroker
	timeout time.Duration
	logger  zerolog.Logger
	tracer  trace.Tracer
}

func New(repo store.OutBoxRepository, b broker.MessageBroker, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:    repo,
		broker:  b,
		timeout: timeout,
		logger:  logger,
		tracer:  otel.Tracer("outbox-relay"),
	}
}

// Dispatch publishes a PROCESSING message and advances it to SENT or FAILED.
// The returned error is informational for the caller's logging and metrics;
// the terminal status has already been recorded when it is non-nil.
func (d *Dispatcher) Dispatch(ctx context.Context, message *store.OutboxMessage) error {
	ctx, span := d.tracer.Start(ctx, "DispatchOutboxMessage", trace.WithAttributes(
		attribute.String("message.id", message.ID),
		attribute.String("message.topic", message.Topic),
		attribute.String("message.aggregate_id", message.AggregateID),
		attribute.String("message.event_type", message.EventType),
		attribute.Int("message.retry_count", message.RetryCount),
	))
	defer span.End()

	message.Headers = wireHeaders(message)

	publishCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.broker.Publish(publishCtx, message); err != nil {
		code := CodePublishFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodePublishTimeout
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		d.logger.Error().Err(err).
			Str("message_id", message.ID).
			Str("topic", message.Topic).
			Str("aggregate_id", message.AggregateID).
			Int("retry_count", message.RetryCount).
			Str("code", string(code)).
			Msg("failed to publish outbox message")
		metrics.MessagesFailed.Inc()

		if updateErr := d.repo.UpdateStatus(ctx, message.ID, store.StatusFailed, true); updateErr != nil {
			d.logger.Error().Err(updateErr).
				Str("message_id", message.ID).
				Msg("failed to record publish failure")
			return &Error{Code: CodeStatusUpdateFailed, MessageID: message.ID, Cause: updateErr}
		}
		return &Error{Code: code, MessageID: message.ID, Cause: err}
	}

	if err := d.repo.UpdateStatus(ctx, message.ID, store.StatusSent, false); err != nil {
		// The message was delivered but stays PROCESSING; the claim expiry
		// makes it eligible for re-delivery, which consumers deduplicate on
		// the message-id header.
		span.RecordError(err)
		d.logger.Error().Err(err).
			Str("message_id", message.ID).
			Msg("failed to mark message as sent")
		return &Error{Code: CodeStatusUpdateFailed, MessageID: message.ID, Cause: err}
	}

	metrics.MessagesDispatched.Inc()
	d.logger.Debug().
		Str("message_id", message.ID).
		Str("topic", message.Topic).
		Str("aggregate_id", message.AggregateID).
		Msg("outbox message dispatched")
	return nil
}

// wireHeaders returns the stored headers plus the delivery metadata every
// relayed message must carry. The stored map is not mutated.
func wireHeaders(message *store.OutboxMessage) map[string]string {
	headers := make(map[string]string, len(message.Headers)+5)
	for k, v := range message.Headers {
		headers[k] = v
	}
	headers[store.HeaderMessageID] = message.ID
	headers[store.HeaderAggregateType] = message.AggregateType
	headers[store.HeaderAggregateID] = message.AggregateID
	headers[store.HeaderEventType] = message.EventType
	headers[store.HeaderCreatedAt] = message.CreatedAt.UTC().Format(time.RFC3339Nano)
	return headers
}
