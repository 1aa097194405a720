package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/restaurant-platform/outbox-relay/pkg/config"
	"github.com/restaurant-platform/outbox-relay/pkg/store"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}
	if settings.Exchange == "" {
		return nil, errors.New("exchange must be set for rabbitmq")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection, exchange and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	closed          bool
	settings        *config.BrokerSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

// Publish routes the message to the configured topic exchange with the stored
// topic as the routing key. The payload bytes pass through untouched.
func (r *rabbitMqBroker) Publish(ctx context.Context, message *store.OutboxMessage) error {
	tracer := otel.Tracer("outbox-relay")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(message.Topic),
			semconv.MessagingRabbitmqRoutingKeyKey.String(message.Topic),
			semconv.MessagingMessageIDKey.String(message.ID),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	amqpHeaders := make(amqp.Table, len(message.Headers))
	for k, v := range message.Headers {
		amqpHeaders[k] = v
	}
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		r.settings.Exchange, message.Topic, false, false,
		amqp.Publishing{
			ContentType:   "application/octet-stream",
			MessageId:     message.ID,
			CorrelationId: message.AggregateID,
			Timestamp:     message.CreatedAt,
			Body:          message.Payload,
			Headers:       amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish to exchange %s: %w", r.settings.Exchange, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(message.Payload)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pool := r.channelPool
	connection := r.connection
	r.mu.Unlock()

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	drainPool(pool)

	if connection != nil {
		return connection.Close()
	}
	return nil
}
