package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on one dedicated channel. Publish calls are
// serialized; the channel is not shared with consumers.
type Publisher struct {
	manager        *ConnectionManager
	channel        *amqp.Channel
	confirms       chan amqp.Confirmation
	confirmMode    bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	mu             sync.Mutex
	closed         bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirms enables publisher confirms
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = enabled
	}
}

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher opens the publishing channel
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) (*Publisher, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	ch, err := manager.Channel()
	if err != nil {
		return nil, err
	}

	if p.confirmMode {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	p.channel = ch
	return p, nil
}

// Publish publishes one message. With confirms enabled it returns only after
// the broker acknowledged the message.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.publishError(exchange, routingKey, ErrPublisherClosed)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if err := p.channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory: a fan-out with no bound queue drops silently
		false, // immediate
		msg,
	); err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	if !p.confirmMode {
		return nil
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return p.publishError(exchange, routingKey, ErrChannelClosed)
		}
		if !confirm.Ack {
			return p.publishError(exchange, routingKey, ErrPublishNotConfirmed)
		}
		return nil

	case <-time.After(p.confirmTimeout):
		return p.publishError(exchange, routingKey, ErrPublishTimeout)

	case <-ctx.Done():
		return p.publishError(exchange, routingKey, ctx.Err())
	}
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// Close closes the publishing channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel.Close()
	}
	return nil
}
