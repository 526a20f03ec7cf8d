package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/groundlink/internal/link"
	"github.com/glimte/groundlink/internal/rabbitmq"
)

// eventLog records the order in which the bridge touches its collaborators
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) contains(event string) bool {
	for _, e := range l.list() {
		if e == event {
			return true
		}
	}
	return false
}

// Mock Publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

// recordingAcknowledger implements amqp.Acknowledger
type recordingAcknowledger struct {
	log    *eventLog
	ackErr error
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.log.add("broker ack %d", tag)
	return a.ackErr
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.log.add("broker nack %d requeue=%t", tag, requeue)
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	a.log.add("broker reject %d requeue=%t", tag, requeue)
	return nil
}

// fakeDeliveries is a DeliverySource fed from a channel. A closed channel
// behaves like a cancelled consumer.
type fakeDeliveries struct {
	ch     chan amqp.Delivery
	closed atomic.Bool
}

func newFakeDeliveries(deliveries ...amqp.Delivery) *fakeDeliveries {
	f := &fakeDeliveries{ch: make(chan amqp.Delivery, len(deliveries)+8)}
	for _, d := range deliveries {
		f.ch <- d
	}
	return f
}

func (f *fakeDeliveries) Next(ctx context.Context) (amqp.Delivery, error) {
	select {
	case d, ok := <-f.ch:
		if !ok {
			return amqp.Delivery{}, rabbitmq.ErrConsumerCancelled
		}
		return d, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

func (f *fakeDeliveries) Close() error {
	f.closed.Store(true)
	return nil
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         []byte(body),
	}
}

// fakeChunks is a ChunkSource that replays chunks, then either blocks until
// ctx is done or reports stream closure
type fakeChunks struct {
	chunks [][]byte
	block  bool
	closed atomic.Bool
}

func (f *fakeChunks) ReadChunk(ctx context.Context) ([]byte, error) {
	if len(f.chunks) > 0 {
		chunk := f.chunks[0]
		f.chunks = f.chunks[1:]
		return chunk, nil
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, &link.OpError{Op: "read", Addr: "fake", Err: link.ErrStreamClosed}
}

func (f *fakeChunks) Close() error {
	f.closed.Store(true)
	return nil
}

type closeCounter struct {
	n atomic.Int32
}

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

// recordingConn wraps a CommandConn and logs each step
type recordingConn struct {
	CommandConn
	log *eventLog
}

func (c *recordingConn) Send(ctx context.Context, cmd []byte) error {
	err := c.CommandConn.Send(ctx, cmd)
	c.log.add("modem send %s", cmd)
	return err
}

func (c *recordingConn) ReadAck(ctx context.Context) ([]byte, error) {
	ack, err := c.CommandConn.ReadAck(ctx)
	if err == nil {
		c.log.add("modem ack %s", ack)
	}
	return ack, err
}

func (c *recordingConn) Close() error {
	c.log.add("modem close")
	return c.CommandConn.Close()
}

func recordingDialer(log *eventLog, inner CommandDialer) CommandDialer {
	return CommandDialerFunc(func(ctx context.Context) (CommandConn, error) {
		conn, err := inner.DialCommand(ctx)
		if err != nil {
			log.add("modem dial failed")
			return nil, err
		}
		log.add("modem dial")
		return &recordingConn{CommandConn: conn, log: log}, nil
	})
}

// fakeModem accepts telecommand connections on loopback. For every
// connection it reads one command, records it and answers with reply. An
// empty reply closes without answering; a nil reply stays silent.
type fakeModem struct {
	ln       net.Listener
	mu       sync.Mutex
	received []string
}

func startFakeModem(t *testing.T, reply []byte) *fakeModem {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &fakeModem{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.serve(conn, reply)
		}
	}()
	return m
}

func (m *fakeModem) serve(conn net.Conn, reply []byte) {
	defer conn.Close()
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.received = append(m.received, string(buf[:n]))
	m.mu.Unlock()

	switch {
	case reply == nil:
		conn.Read(buf)
	case len(reply) > 0:
		conn.Write(reply)
	}
}

func (m *fakeModem) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

func (m *fakeModem) dialer(ackTimeout time.Duration) CommandDialer {
	return LinkDialer(&link.CommandDialer{
		Addr:       m.ln.Addr().String(),
		AckTimeout: ackTimeout,
	})
}

// refusedAddr returns a loopback address nothing listens on
func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// counterValue reads a counter or gauge from reg, matching every label given
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if v, ok := labels[pair.GetName()]; ok && v == pair.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}
