package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/groundlink/internal/link"
	"github.com/glimte/groundlink/internal/rabbitmq"
)

// Config wires the forwarders to a broker and a modem
type Config struct {
	BrokerURL       string
	TelemetryAddr   string
	TelecommandAddr string
	ChunkSize       int
	AckTimeout      time.Duration
	DialTimeout     time.Duration
	PublishConfirms bool
	FailurePolicy   FailurePolicy
	Logger          *slog.Logger
	Metrics         *Metrics
	State           *State
}

func (c *Config) validate() error {
	switch {
	case c.BrokerURL == "":
		return fmt.Errorf("%w: broker URL is required", ErrInvalidConfiguration)
	case c.TelemetryAddr == "":
		return fmt.Errorf("%w: telemetry address is required", ErrInvalidConfiguration)
	case c.TelecommandAddr == "":
		return fmt.Errorf("%w: telecommand address is required", ErrInvalidConfiguration)
	case c.ChunkSize < 0:
		return fmt.Errorf("%w: chunk size must not be negative", ErrInvalidConfiguration)
	case c.AckTimeout < 0:
		return fmt.Errorf("%w: ack timeout must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return link.DefaultChunkSize
}

// brokerCloser closes a forwarder's broker connection and clears its
// connected flag, which a clean close does not report through the listener
type brokerCloser struct {
	manager *rabbitmq.ConnectionManager
	state   *State
	path    Path
}

func (b brokerCloser) Close() error {
	err := b.manager.Close()
	b.state.setBrokerConnected(b.path, false)
	return err
}

// connectBroker opens a dedicated broker connection for path
func connectBroker(ctx context.Context, cfg *Config, path Path) (*rabbitmq.ConnectionManager, error) {
	opts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger().With("path", path))}
	if cfg.DialTimeout > 0 {
		opts = append(opts, rabbitmq.WithDialTimeout(cfg.DialTimeout))
	}
	manager := rabbitmq.NewConnectionManager(cfg.BrokerURL, opts...)
	manager.AddStateListener(brokerListener{state: cfg.State, path: path})

	if err := manager.Connect(ctx); err != nil {
		return nil, &BrokerError{Path: path, Op: "connect", Err: err}
	}
	return manager, nil
}

// ConnectDownlink opens the downlink's broker connection, declares the
// telemetry exchange and opens the telemetry stream. The returned
// forwarder owns all of them.
func ConnectDownlink(ctx context.Context, cfg Config) (*Downlink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	manager, err := connectBroker(ctx, &cfg, PathDownlink)
	if err != nil {
		return nil, err
	}
	owned := brokerCloser{manager: manager, state: cfg.State, path: PathDownlink}

	topology := rabbitmq.NewTopologyManager(manager)
	if err := topology.DeclareExchange(ctx, rabbitmq.TelemetryExchangeDeclaration()); err != nil {
		owned.Close()
		return nil, &BrokerError{Path: PathDownlink, Op: "declare", Err: err}
	}

	publisher, err := rabbitmq.NewPublisher(manager, rabbitmq.WithConfirms(cfg.PublishConfirms))
	if err != nil {
		owned.Close()
		return nil, &BrokerError{Path: PathDownlink, Op: "open publisher", Err: err}
	}

	stream, err := link.OpenTelemetry(ctx, link.Dialer{Timeout: cfg.DialTimeout}, cfg.TelemetryAddr, cfg.chunkSize())
	if err != nil {
		publisher.Close()
		owned.Close()
		return nil, &TransportError{Path: PathDownlink, Op: "dial", Err: err}
	}

	cfg.logger().Info("downlink connected",
		"broker", manager.URL(),
		"telemetry", cfg.TelemetryAddr)

	return NewDownlink(stream, publisher,
		WithDownlinkLogger(cfg.logger()),
		WithDownlinkMetrics(cfg.Metrics),
		WithDownlinkClosers(publisher, owned),
	), nil
}

// ConnectUplink opens the uplink's broker connection, declares the
// telecommand queue and subscribes to it. Modem connections are opened per
// telecommand.
func ConnectUplink(ctx context.Context, cfg Config) (*Uplink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	manager, err := connectBroker(ctx, &cfg, PathUplink)
	if err != nil {
		return nil, err
	}
	owned := brokerCloser{manager: manager, state: cfg.State, path: PathUplink}

	topology := rabbitmq.NewTopologyManager(manager)
	if _, err := topology.DeclareQueue(ctx, rabbitmq.TelecommandQueueDeclaration()); err != nil {
		owned.Close()
		return nil, &BrokerError{Path: PathUplink, Op: "declare", Err: err}
	}

	consumer := rabbitmq.NewConsumer(manager,
		rabbitmq.WithPrefetchCount(1),
		rabbitmq.WithConsumerLogger(cfg.logger()))
	subscription, err := consumer.Subscribe(ctx, rabbitmq.TelecommandQueue)
	if err != nil {
		owned.Close()
		return nil, &BrokerError{Path: PathUplink, Op: "subscribe", Err: err}
	}

	dialer := &link.CommandDialer{
		Addr:       cfg.TelecommandAddr,
		Dialer:     link.Dialer{Timeout: cfg.DialTimeout},
		AckTimeout: cfg.AckTimeout,
	}

	cfg.logger().Info("uplink connected",
		"broker", manager.URL(),
		"queue", subscription.Queue(),
		"telecommand", cfg.TelecommandAddr,
		"ack_timeout", ackTimeoutOrDefault(cfg.AckTimeout))

	return NewUplink(subscription, LinkDialer(dialer),
		WithFailurePolicy(cfg.FailurePolicy),
		WithUplinkLogger(cfg.logger()),
		WithUplinkMetrics(cfg.Metrics),
		WithUplinkClosers(owned),
	), nil
}

func ackTimeoutOrDefault(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return link.DefaultAckTimeout
}

// DownlinkTask returns a supervised task that connects and runs a downlink
func DownlinkTask(cfg Config) Task {
	return Task{
		Path: PathDownlink,
		Run: func(ctx context.Context) error {
			downlink, err := ConnectDownlink(ctx, cfg)
			if err != nil {
				return err
			}
			return downlink.Run(ctx)
		},
	}
}

// UplinkTask returns a supervised task that connects and runs an uplink
func UplinkTask(cfg Config) Task {
	return Task{
		Path: PathUplink,
		Run: func(ctx context.Context) error {
			uplink, err := ConnectUplink(ctx, cfg)
			if err != nil {
				return err
			}
			return uplink.Run(ctx)
		},
	}
}
