package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/groundlink/internal/link"
	"github.com/glimte/groundlink/internal/rabbitmq"
)

// ChunkSource yields opaque telemetry chunks
type ChunkSource interface {
	ReadChunk(ctx context.Context) ([]byte, error)
	Close() error
}

// Publisher publishes one broker message
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Downlink forwards every telemetry chunk as one message on the fan-out
// exchange. It owns its source and any closers handed to it, and closes
// them when Run returns.
type Downlink struct {
	source    ChunkSource
	publisher Publisher
	exchange  string
	logger    *slog.Logger
	metrics   *Metrics
	closers   []io.Closer
}

// DownlinkOption configures a Downlink
type DownlinkOption func(*Downlink)

// WithDownlinkExchange overrides the fan-out exchange name
func WithDownlinkExchange(exchange string) DownlinkOption {
	return func(d *Downlink) {
		d.exchange = exchange
	}
}

// WithDownlinkLogger sets the logger
func WithDownlinkLogger(logger *slog.Logger) DownlinkOption {
	return func(d *Downlink) {
		d.logger = logger
	}
}

// WithDownlinkMetrics records chunk counters
func WithDownlinkMetrics(metrics *Metrics) DownlinkOption {
	return func(d *Downlink) {
		d.metrics = metrics
	}
}

// WithDownlinkClosers hands ownership of extra resources, closed in order
// after the source when Run returns
func WithDownlinkClosers(closers ...io.Closer) DownlinkOption {
	return func(d *Downlink) {
		d.closers = append(d.closers, closers...)
	}
}

// NewDownlink creates a downlink forwarder
func NewDownlink(source ChunkSource, publisher Publisher, opts ...DownlinkOption) *Downlink {
	d := &Downlink{
		source:    source,
		publisher: publisher,
		exchange:  rabbitmq.TelemetryExchange,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("path", PathDownlink)
	return d
}

// Run forwards chunks until ctx is cancelled (nil), the telemetry stream
// ends (TransportError wrapping ErrTelemetryClosed) or a publish fails
// (BrokerError). Chunks read before a failed publish are dropped.
func (d *Downlink) Run(ctx context.Context) error {
	defer d.close()

	d.logger.Info("downlink forwarder started", "exchange", d.exchange)

	for {
		chunk, err := d.source.ReadChunk(ctx)
		if ctx.Err() != nil {
			d.logger.Info("downlink forwarder stopping")
			return nil
		}
		if err != nil {
			return d.readError(err)
		}

		msg := amqp.Publishing{
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Transient,
			MessageId:    uuid.New().String(),
			Timestamp:    time.Now(),
			Body:         chunk,
		}

		// fan-out ignores the routing key; every bound queue gets a copy
		if err := d.publisher.Publish(ctx, d.exchange, "", msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &BrokerError{Path: PathDownlink, Op: "publish", Err: err}
		}

		d.metrics.observeChunk(len(chunk))
		d.logger.Debug("telemetry chunk published", "bytes", len(chunk))
	}
}

func (d *Downlink) readError(err error) error {
	if errors.Is(err, link.ErrStreamClosed) {
		return &TransportError{
			Path: PathDownlink,
			Op:   "read",
			Err:  fmt.Errorf("%w: %w", ErrTelemetryClosed, err),
		}
	}
	return &TransportError{Path: PathDownlink, Op: "read", Err: err}
}

func (d *Downlink) close() {
	if err := d.source.Close(); err != nil {
		d.logger.Debug("closing telemetry source", "error", err)
	}
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			d.logger.Debug("closing downlink resource", "error", err)
		}
	}
}
