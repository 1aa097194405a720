package broker

import (
	"context"

	"github.com/restaurant-platform/outbox-relay/pkg/store"
)

// MessageBroker defines the operations to publish outbox messages to a broker.
type MessageBroker interface {
	// Publish sends one claimed message to its stored topic and blocks until
	// the broker acknowledges delivery or ctx expires.
	Publish(ctx context.Context, message *store.OutboxMessage) error
	// Close cleans up any resources (connections).
	Close() error
}
