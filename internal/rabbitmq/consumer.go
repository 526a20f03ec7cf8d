package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer opens manual-ack subscriptions on queues
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	exclusive     bool
	tagPrefix     string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer. The default prefetch of one keeps a
// single unacknowledged delivery in flight per subscription.
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 1,
		tagPrefix:     "groundlink",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from queue on a dedicated channel
func (c *Consumer) Subscribe(ctx context.Context, queue string) (*Subscription, error) {
	if c.manager == nil {
		return nil, ErrInvalidConfiguration
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tag := c.tagPrefix + "-" + uuid.New().String()[:8]

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, c.consumerError(queue, tag, "subscribe", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, c.consumerError(queue, tag, "set qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, c.consumerError(queue, tag, "consume", err)
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return &Subscription{
		queue:      queue,
		tag:        tag,
		channel:    ch,
		deliveries: deliveries,
		logger:     c.logger,
	}, nil
}

func (c *Consumer) consumerError(queue, tag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// Subscription is one active consumer on one channel
type Subscription struct {
	queue      string
	tag        string
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger
	closeOnce  sync.Once
	closeErr   error
}

// Next blocks until the broker delivers a message or ctx is done. A closed
// delivery stream (channel or connection lost, consumer cancelled) is
// reported as ErrConsumerCancelled.
func (s *Subscription) Next(ctx context.Context) (amqp.Delivery, error) {
	select {
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return amqp.Delivery{}, &ConsumerError{
				Queue:       s.queue,
				ConsumerTag: s.tag,
				Op:          "receive",
				Err:         ErrConsumerCancelled,
				Timestamp:   time.Now(),
			}
		}
		return d, nil
	}
}

// Queue returns the consumed queue name
func (s *Subscription) Queue() string {
	return s.queue
}

// Close cancels the consumer and closes its channel. Unacknowledged
// deliveries are returned to the queue by the broker.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.channel == nil || s.channel.IsClosed() {
			return
		}
		if err := s.channel.Cancel(s.tag, false); err != nil {
			s.logger.Debug("consumer cancel failed", "queue", s.queue, "error", err)
		}
		s.closeErr = s.channel.Close()
		s.logger.Info("consumer stopped", "queue", s.queue)
	})
	return s.closeErr
}
