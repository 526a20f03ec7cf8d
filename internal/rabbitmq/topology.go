package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// TelemetryExchange is the fan-out exchange carrying downlink chunks
	TelemetryExchange = "tm"
	// TelecommandQueue is the work queue carrying uplink commands
	TelecommandQueue = "tc"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	manager *ConnectionManager
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name lets the
// broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents a complete set of declarations
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{manager: manager}
}

// TelemetryExchangeDeclaration is the fan-out exchange shared by the bridge
// and every telemetry subscriber. Telemetry is transient, so it is not durable.
func TelemetryExchangeDeclaration() ExchangeDeclaration {
	return ExchangeDeclaration{
		Name: TelemetryExchange,
		Type: amqp.ExchangeFanout,
	}
}

// TelecommandQueueDeclaration is the durable competing-consumer queue for
// telecommands.
func TelecommandQueueDeclaration() QueueDeclaration {
	return QueueDeclaration{
		Name:    TelecommandQueue,
		Durable: true,
	}
}

// BridgeTopology returns the declarations both bridge paths depend on
func BridgeTopology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{TelemetryExchangeDeclaration()},
		Queues:    []QueueDeclaration{TelecommandQueueDeclaration()},
	}
}

// DeclareTopology declares the complete topology on a short-lived channel
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return topologyError("exchange", exchange.Name, "declare", err)
			}
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return topologyError("queue", queue.Name, "declare", err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
			}
		}

		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.execute(ctx, func(ch *amqp.Channel) error {
		if err := declareExchange(ch, exchange); err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
		return nil
	})
}

// DeclareQueue declares a single queue and returns the broker's view of it
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		if err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
		return nil
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.execute(ctx, func(ch *amqp.Channel) error {
		if err := bindQueue(ch, binding); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
		}
		return nil
	})
}

// GetQueueInfo passively inspects a queue
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	return q, err
}

func (tm *TopologyManager) execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := tm.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return fn(ch)
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
