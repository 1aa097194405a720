package broker

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/restaurant-platform/outbox-relay/pkg/config"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

func newConnection(settings *config.BrokerSettings) (*amqp.Connection, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Surface connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Warn().Err(err).Msg("RabbitMQ connection closed")
		}
	}()

	return conn, nil
}

// connectAndInitialize builds a fresh connection and channel pool and swaps
// them in under the mutex. The old pool is drained, never closed: a Publish
// that snapshotted it before the swap must not hit a closed channel.
func (r *rabbitMqBroker) connectAndInitialize() error {
	connection, err := newConnection(r.settings)
	if err != nil {
		return err
	}

	// Declare the topic exchange once per connection; the declaration is
	// idempotent on the broker side.
	channel, err := connection.Channel()
	if err != nil {
		connection.Close()
		return err
	}
	if err := channel.ExchangeDeclare(
		r.settings.Exchange, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	); err != nil {
		channel.Close()
		connection.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	channel.Close()

	newPool := make(chan *pooledChannel, r.settings.PoolSize)
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			connection.Close()
			return err
		}
		newPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
		}
	}

	r.mu.Lock()
	oldConnection := r.connection
	oldPool := r.channelPool
	r.connection = connection
	r.channelPool = newPool
	r.mu.Unlock()

	drainPool(oldPool)
	if oldConnection != nil && !oldConnection.IsClosed() {
		oldConnection.Close()
	}

	log.Info().Str("exchange", r.settings.Exchange).Int("pool_size", r.settings.PoolSize).
		Msg("RabbitMQ connection, exchange, and channel pool initialized")
	return nil
}

// drainPool empties a pool without closing it. Stragglers released into a
// drained pool carry channels of a dead connection and are discarded on the
// next getChannel.
func drainPool(pool chan *pooledChannel) {
	if pool == nil {
		return
	}
	for {
		select {
		case pooledChan := <-pool:
			pooledChan.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			connection := r.connection
			r.mu.Unlock()

			if connection == nil || connection.IsClosed() {
				log.Info().Msg("Attempting to reconnect to RabbitMQ...")
				if err := r.connectAndInitialize(); err != nil {
					log.Error().Err(err).Msg("Failed to reconnect to RabbitMQ")
				} else {
					log.Info().Msg("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			log.Debug().Msg("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errors.New("broker is closed")
		}
		pool := r.channelPool
		connection := r.connection
		r.mu.Unlock()

		select {
		case pooledChan := <-pool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				log.Debug().Err(err).Msg("Discarding closed channel")
				continue
			default:
				// Channel is valid
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			if connection == nil || connection.IsClosed() {
				return nil, errors.New("no RabbitMQ connection available")
			}
			channel, err := connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		log.Debug().Err(err).Msg("Discarding closed channel")
		return
	default:
	}

	r.mu.Lock()
	pool := r.channelPool
	closed := r.closed
	r.mu.Unlock()

	if closed {
		pooledChan.channel.Close()
		return
	}
	select {
	case pool <- pooledChan:
	default:
		// Pool is full, close the channel
		pooledChan.channel.Close()
	}
}
