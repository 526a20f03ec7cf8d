// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package groundlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/groundlink/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultTelecommand is sent when no command body is given
var DefaultTelecommand = []byte("CMD: CHECK_STATUS")

// Telemetry is one chunk received from the bridge's telemetry fan-out
type Telemetry struct {
	MessageID string
	Timestamp time.Time
	Body      []byte
}

// TelemetryHandler processes one telemetry chunk. A returned error discards
// the chunk; telemetry is never redelivered.
type TelemetryHandler func(ctx context.Context, tm Telemetry) error

type deliveryStream interface {
	Next(ctx context.Context) (amqp.Delivery, error)
	Close() error
}

type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Client provides the ground side of the link: it subscribes to telemetry
// and publishes telecommands through the broker
type Client struct {
	manager   *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher publisher
	subscribe func(ctx context.Context) (deliveryStream, error)
	closers   []func() error
	logger    *slog.Logger
}

// NewClient connects a client with the default options
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions connects to the broker and declares the telemetry
// exchange and telecommand queue so either side may start first
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:      slog.Default(),
		dialTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithDialTimeout(cfg.dialTimeout),
	)
	if err := manager.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(manager)
	if err := topology.DeclareTopology(context.Background(), rabbitmq.BridgeTopology()); err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	pub, err := rabbitmq.NewPublisher(manager, rabbitmq.WithConfirms(cfg.confirms))
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	c := &Client{
		manager:   manager,
		topology:  topology,
		publisher: pub,
		closers:   []func() error{pub.Close, manager.Close},
		logger:    cfg.logger,
	}
	c.subscribe = c.subscribeTelemetry
	return c, nil
}

// subscribeTelemetry binds a private, broker-named queue to the telemetry
// exchange. The queue lives as long as the client's connection.
func (c *Client) subscribeTelemetry(ctx context.Context) (deliveryStream, error) {
	queue, err := c.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, fmt.Errorf("failed to declare telemetry queue: %w", err)
	}

	err = c.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:    queue.Name,
		Exchange: rabbitmq.TelemetryExchange,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind telemetry queue: %w", err)
	}

	consumer := rabbitmq.NewConsumer(c.manager,
		rabbitmq.WithExclusive(true),
		rabbitmq.WithPrefetchCount(16),
		rabbitmq.WithConsumerTagPrefix("groundctl"),
		rabbitmq.WithConsumerLogger(c.logger),
	)
	subscription, err := consumer.Subscribe(ctx, queue.Name)
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

// ReceiveTelemetry delivers every telemetry chunk published after the call
// to fn until ctx is done. It returns nil on cancellation.
func (c *Client) ReceiveTelemetry(ctx context.Context, fn TelemetryHandler) error {
	if fn == nil {
		return errors.New("groundlink: telemetry handler is required")
	}

	stream, err := c.subscribe(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		d, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("telemetry subscription ended: %w", err)
		}

		tm := Telemetry{
			MessageID: d.MessageId,
			Timestamp: d.Timestamp,
			Body:      d.Body,
		}
		if herr := fn(ctx, tm); herr != nil {
			c.logger.Warn("telemetry handler failed",
				"message_id", d.MessageId,
				"bytes", len(d.Body),
				"error", herr)
			if err := d.Nack(false, false); err != nil {
				return fmt.Errorf("failed to discard telemetry: %w", err)
			}
			continue
		}
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to acknowledge telemetry: %w", err)
		}
	}
}

// SendTelecommand queues body for the bridge's uplink. An empty body sends
// DefaultTelecommand.
func (c *Client) SendTelecommand(ctx context.Context, body []byte) (string, error) {
	if len(body) == 0 {
		body = DefaultTelecommand
	}

	id := uuid.New().String()
	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if err := c.publisher.Publish(ctx, "", rabbitmq.TelecommandQueue, msg); err != nil {
		return "", fmt.Errorf("failed to send telecommand: %w", err)
	}

	c.logger.Info("telecommand sent", "message_id", id, "bytes", len(body))
	return id, nil
}

// QueueStatus is the broker's view of the telecommand queue
type QueueStatus struct {
	Name      string
	Messages  int
	Consumers int
}

// TelecommandBacklog reports how many telecommands wait in the queue and
// how many bridge uplinks consume it
func (c *Client) TelecommandBacklog(ctx context.Context) (QueueStatus, error) {
	q, err := c.topology.GetQueueInfo(ctx, rabbitmq.TelecommandQueue)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("failed to inspect telecommand queue: %w", err)
	}
	return QueueStatus{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Close closes all resources
func (c *Client) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	dialTimeout time.Duration
	confirms    bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithDialTimeout bounds the broker connection attempt
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.dialTimeout = timeout
		}
	}
}

// WithPublishConfirms waits for broker confirmation on every telecommand
func WithPublishConfirms(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirms = enabled
	}
}
