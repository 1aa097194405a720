package broker

import (
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"github.com/restaurant-platform/outbox-relay/pkg/config"
)

// A reconnect swaps the pool out from under an in-flight Publish. getChannel
// must fail cleanly against an empty pool with no usable connection instead
// of panicking on a nil receive.
func TestGetChannel_EmptyPoolWithoutConnection(t *testing.T) {
	b := &rabbitMqBroker{
		channelPool: make(chan *pooledChannel, 1),
		settings:    &config.BrokerSettings{PoolSize: 1},
	}

	pooledChan, err := b.getChannel()
	assert.Nil(t, pooledChan)
	assert.EqualError(t, err, "no RabbitMQ connection available")
}

func TestGetChannel_AfterClose(t *testing.T) {
	b := &rabbitMqBroker{
		channelPool: make(chan *pooledChannel, 1),
		settings:    &config.BrokerSettings{PoolSize: 1},
		closed:      true,
	}

	pooledChan, err := b.getChannel()
	assert.Nil(t, pooledChan)
	assert.EqualError(t, err, "broker is closed")
}

// A pooled channel whose close notification fired is discarded, not handed
// out; with nothing left in the pool and no connection the caller gets an
// error rather than a dead channel.
func TestGetChannel_DiscardsClosedChannels(t *testing.T) {
	notifyClose := make(chan *amqp.Error, 1)
	notifyClose <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel closed"}

	pool := make(chan *pooledChannel, 1)
	pool <- &pooledChannel{notifyClose: notifyClose}

	b := &rabbitMqBroker{
		channelPool: pool,
		settings:    &config.BrokerSettings{PoolSize: 1},
	}

	pooledChan, err := b.getChannel()
	assert.Nil(t, pooledChan)
	assert.Error(t, err)
	assert.Empty(t, pool)
}

// Releasing into the current pool keeps the channel available for the next
// Publish.
func TestReleaseChannel_ReturnsToPool(t *testing.T) {
	b := &rabbitMqBroker{
		channelPool: make(chan *pooledChannel, 1),
		settings:    &config.BrokerSettings{PoolSize: 1},
	}
	pooledChan := &pooledChannel{notifyClose: make(chan *amqp.Error, 1)}

	b.releaseChannel(pooledChan)

	got, err := b.getChannel()
	assert.NoError(t, err)
	assert.Same(t, pooledChan, got)
}
