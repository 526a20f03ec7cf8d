package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/glimte/groundlink/bridge"
	"github.com/glimte/groundlink/internal/rabbitmq"
)

// ForwarderChecker reports one bridge forwarder from its recorded state.
// A stopped forwarder is unhealthy; a running one whose broker connection
// is down is degraded.
type ForwarderChecker struct {
	state *bridge.State
	path  bridge.Path
}

// NewForwarderChecker creates a checker for path
func NewForwarderChecker(state *bridge.State, path bridge.Path) *ForwarderChecker {
	return &ForwarderChecker{state: state, path: path}
}

func (c *ForwarderChecker) Name() string {
	return fmt.Sprintf("forwarder_%s", c.path)
}

func (c *ForwarderChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status := c.state.Status(c.path)

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"running":          status.Running,
			"broker_connected": status.BrokerConnected,
		},
		Error: status.LastError,
	}
	if !status.Since.IsZero() {
		result.Details["since"] = status.Since
	}

	switch {
	case !status.Running:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s forwarder is not running", c.path)
	case !status.BrokerConnected:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s forwarder has no broker connection", c.path)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s forwarder is running", c.path)
	}

	result.Duration = time.Since(start)
	return result
}

// TCPChecker dials a modem endpoint and closes the connection at once
type TCPChecker struct {
	name    string
	addr    string
	timeout time.Duration
}

// NewTCPChecker creates a reachability checker for addr
func NewTCPChecker(name, addr string, timeout time.Duration) *TCPChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &TCPChecker{name: name, addr: addr, timeout: timeout}
}

func (c *TCPChecker) Name() string {
	return c.name
}

func (c *TCPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"addr": c.addr},
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s is unreachable", c.addr)
		result.Error = err.Error()
		return result
	}
	conn.Close()

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%s is reachable", c.addr)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BrokerChecker opens a short-lived broker connection and inspects a queue
// passively. A missing queue is degraded since the uplink declares it on
// connect.
type BrokerChecker struct {
	url         string
	queue       string
	dialTimeout time.Duration
}

// NewBrokerChecker creates a checker that inspects queue on the broker at url
func NewBrokerChecker(url, queue string, dialTimeout time.Duration) *BrokerChecker {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &BrokerChecker{url: url, queue: queue, dialTimeout: dialTimeout}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"url": rabbitmq.SanitizeURL(c.url)},
	}

	manager := rabbitmq.NewConnectionManager(c.url,
		rabbitmq.WithDialTimeout(c.dialTimeout),
		rabbitmq.WithLogger(slog.New(slog.DiscardHandler)))
	if err := manager.Connect(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to connect"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer manager.Close()

	queue, err := rabbitmq.NewTopologyManager(manager).GetQueueInfo(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "broker is reachable"
	result.Details["queue"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}
