package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/groundlink/internal/link"
	"github.com/glimte/groundlink/internal/reliability"
)

// DeliverySource yields broker deliveries one at a time
type DeliverySource interface {
	Next(ctx context.Context) (amqp.Delivery, error)
	Close() error
}

// CommandConn is one request/acknowledgement exchange with the modem
type CommandConn interface {
	Send(ctx context.Context, cmd []byte) error
	ReadAck(ctx context.Context) ([]byte, error)
	Close() error
}

// CommandDialer opens a fresh modem connection per telecommand
type CommandDialer interface {
	DialCommand(ctx context.Context) (CommandConn, error)
}

// CommandDialerFunc adapts a function to CommandDialer
type CommandDialerFunc func(ctx context.Context) (CommandConn, error)

// DialCommand implements CommandDialer
func (f CommandDialerFunc) DialCommand(ctx context.Context) (CommandConn, error) {
	return f(ctx)
}

// LinkDialer adapts a link.CommandDialer to CommandDialer
func LinkDialer(d *link.CommandDialer) CommandDialer {
	return CommandDialerFunc(func(ctx context.Context) (CommandConn, error) {
		session, err := d.Open(ctx)
		if err != nil {
			return nil, err
		}
		return session, nil
	})
}

// FailurePolicy decides what a failed telecommand does to the uplink loop.
// Broker failures are fatal under every policy.
type FailurePolicy int

const (
	// FailFast stops the uplink on the first failed telecommand
	FailFast FailurePolicy = iota
	// ContinueOnError requeues the telecommand and keeps consuming after a
	// backoff pause
	ContinueOnError
)

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case ContinueOnError:
		return "continue"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "fail-fast" or "continue"
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "continue", "continue-on-error":
		return ContinueOnError, nil
	default:
		return FailFast, fmt.Errorf("%w: unknown uplink failure policy %q", ErrInvalidConfiguration, s)
	}
}

// Uplink forwards telecommands from the broker queue to the modem, one at a
// time and in delivery order. A delivery is acked only after the modem's
// acknowledgement has been read and the modem connection closed; on any
// failure it is nacked with requeue so the broker redelivers it.
//
// Delivery to the modem is at-least-once: a crash between the modem write
// and the broker ack leaves the telecommand queued, and it is sent again.
type Uplink struct {
	source  DeliverySource
	dialer  CommandDialer
	policy  FailurePolicy
	backoff reliability.RetryPolicy
	logger  *slog.Logger
	metrics *Metrics
	closers []io.Closer
}

// UplinkOption configures an Uplink
type UplinkOption func(*Uplink)

// WithFailurePolicy sets the per-telecommand failure policy
func WithFailurePolicy(policy FailurePolicy) UplinkOption {
	return func(u *Uplink) {
		u.policy = policy
	}
}

// WithUplinkBackoff sets the pause policy between consecutive failures
// under ContinueOnError
func WithUplinkBackoff(policy reliability.RetryPolicy) UplinkOption {
	return func(u *Uplink) {
		u.backoff = policy
	}
}

// WithUplinkLogger sets the logger
func WithUplinkLogger(logger *slog.Logger) UplinkOption {
	return func(u *Uplink) {
		u.logger = logger
	}
}

// WithUplinkMetrics records telecommand results
func WithUplinkMetrics(metrics *Metrics) UplinkOption {
	return func(u *Uplink) {
		u.metrics = metrics
	}
}

// WithUplinkClosers hands ownership of extra resources, closed in order
// after the delivery source when Run returns
func WithUplinkClosers(closers ...io.Closer) UplinkOption {
	return func(u *Uplink) {
		u.closers = append(u.closers, closers...)
	}
}

// NewUplink creates an uplink forwarder
func NewUplink(source DeliverySource, dialer CommandDialer, opts ...UplinkOption) *Uplink {
	u := &Uplink{
		source:  source,
		dialer:  dialer,
		policy:  FailFast,
		backoff: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("path", PathUplink)
	return u
}

// Run consumes telecommands until ctx is cancelled (nil) or a fatal error
// occurs.
func (u *Uplink) Run(ctx context.Context) error {
	defer u.close()

	u.logger.Info("uplink forwarder started", "failure_policy", u.policy.String())

	failures := 0
	for {
		delivery, err := u.source.Next(ctx)
		if ctx.Err() != nil {
			u.logger.Info("uplink forwarder stopping")
			return nil
		}
		if err != nil {
			return &BrokerError{Path: PathUplink, Op: "consume", Err: err}
		}

		err = u.handle(ctx, delivery)
		if ctx.Err() != nil {
			u.logger.Info("uplink forwarder stopping")
			return nil
		}
		if err == nil {
			failures = 0
			continue
		}
		if IsBroker(err) || u.policy == FailFast {
			return err
		}

		delay := u.backoff.NextDelay(failures)
		failures++
		u.logger.Warn("pausing after failed telecommand",
			"consecutive_failures", failures,
			"delay", delay)
		if err := reliability.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// handle drives one delivery through received → sent → ack-read → broker-acked
func (u *Uplink) handle(ctx context.Context, d amqp.Delivery) error {
	logger := u.logger.With("delivery_tag", d.DeliveryTag, "bytes", len(d.Body))
	if d.Redelivered {
		logger.Warn("telecommand redelivered, the modem may receive it more than once")
	}

	start := time.Now()
	ack, err := u.forward(ctx, logger, d.Body)
	if err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &BrokerError{Path: PathUplink, Op: "nack", Err: nackErr}
		}
		if ctx.Err() != nil {
			return nil
		}

		result := commandResultFailed
		switch {
		case errors.Is(err, link.ErrAckTooLarge):
			result = commandResultOversize
		case IsProtocolViolation(err):
			result = commandResultTimeout
		}
		u.metrics.observeCommand(result, 0)
		logger.Error("telecommand failed and was requeued", "kind", Kind(err), "error", err)
		return err
	}
	latency := time.Since(start)

	logger.Info("modem acknowledged telecommand",
		"ack_bytes", len(ack),
		"latency", latency)
	logger.Debug("modem acknowledgement", "ack", fmt.Sprintf("%q", ack))

	if err := d.Ack(false); err != nil {
		return &BrokerError{Path: PathUplink, Op: "ack", Err: err}
	}

	result := commandResultAcked
	if len(ack) == 0 {
		result = commandResultEmptyAck
	}
	u.metrics.observeCommand(result, latency)
	return nil
}

// forward sends body on a fresh modem connection and reads its
// acknowledgement. The connection is closed before forward returns.
func (u *Uplink) forward(ctx context.Context, logger *slog.Logger, body []byte) ([]byte, error) {
	conn, err := u.dialer.DialCommand(ctx)
	if err != nil {
		return nil, &TransportError{Path: PathUplink, Op: "dial", Err: err}
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("closing modem connection", "error", err)
		}
	}()

	if err := conn.Send(ctx, body); err != nil {
		return nil, &TransportError{Path: PathUplink, Op: "write", Err: err}
	}

	ack, err := conn.ReadAck(ctx)
	if err != nil {
		if errors.Is(err, link.ErrAckTooLarge) {
			return nil, &ProtocolViolation{Path: PathUplink, Reason: "acknowledgement exceeds bound", Err: err}
		}
		if link.IsTimeout(err) {
			return nil, &ProtocolViolation{Path: PathUplink, Reason: "no acknowledgement", Err: err}
		}
		return nil, &TransportError{Path: PathUplink, Op: "read ack", Err: err}
	}
	return ack, nil
}

func (u *Uplink) close() {
	if err := u.source.Close(); err != nil {
		u.logger.Debug("closing delivery source", "error", err)
	}
	for _, c := range u.closers {
		if err := c.Close(); err != nil {
			u.logger.Debug("closing uplink resource", "error", err)
		}
	}
}
