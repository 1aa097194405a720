package broker

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/restaurant-platform/outbox-relay/pkg/config"
	"github.com/restaurant-platform/outbox-relay/pkg/store"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// topic returns a cached handle with message ordering enabled. Ordering plus
// the aggregate id as ordering key keeps events of one aggregate in creation
// order on the consumer side.
func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, message *store.OutboxMessage) error {
	tracer := otel.Tracer("outbox-relay")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(message.Topic),
			semconv.MessagingMessageIDKey.String(message.ID),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string, len(message.Headers))
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	for key, value := range message.Headers {
		attributes[key] = value
	}

	res := p.topic(message.Topic).Publish(ctx, &pubsub.Message{
		Data:        message.Payload,
		Attributes:  attributes,
		OrderingKey: message.AggregateID,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(message.Payload)),
	)

	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
