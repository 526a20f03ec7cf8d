package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns one AMQP connection. It does not reconnect: a lost
// connection is reported to listeners and to NotifyClosed, and the owner
// decides whether to build a new manager.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	dialTimeout    time.Duration
	heartbeat      time.Duration
	logger         *slog.Logger
	isConnected    bool
	closed         chan struct{}
	closeErr       error
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialTimeout bounds the initial TCP and AMQP handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		logger:      slog.Default(),
		closed:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection. It is a no-op when already connected.
// OnConnected listeners have returned by the time Connect does.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	notifyClose, err := cm.dial(ctx)
	if err != nil || notifyClose == nil {
		return err
	}

	cm.notifyConnected()
	go cm.watch(notifyClose)
	return nil
}

// dial opens the connection under cm.mu. A nil channel with a nil error
// means the manager was already connected.
func (cm *ConnectionManager) dial(ctx context.Context) (<-chan *amqp.Error, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil, nil
	}

	select {
	case <-cm.closed:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	default:
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Heartbeat: cm.heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(cm.dialTimeout),
		})
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-connCtx.Done():
			conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		cm.conn = conn
		cm.isConnected = true
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		return notifyClose, nil

	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// watch waits for the server or the network to close the connection
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose

	var err error
	if ok && amqpErr != nil {
		err = amqpErr
		cm.logger.Error("connection closed", "error", amqpErr)
	}

	cm.mu.Lock()
	if !cm.isConnected {
		cm.mu.Unlock()
		return
	}
	cm.isConnected = false
	cm.conn = nil
	cm.closeErr = err
	close(cm.closed)
	cm.mu.Unlock()

	cm.notifyDisconnected(err)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new AMQP channel on the managed connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// NotifyClosed returns a channel that is closed once the connection is lost
// or closed by Close.
func (cm *ConnectionManager) NotifyClosed() <-chan struct{} {
	return cm.closed
}

// Err returns the error that closed the connection, if any
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.closeErr
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	cm.isConnected = false
	close(cm.closed)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(err)
	}
}
