// Package link is the raw byte-stream client for the modem's telemetry and
// telecommand endpoints. The telemetry stream is one long-lived connection;
// telecommands use one short-lived connection per command.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// DefaultChunkSize is the maximum number of bytes returned by one telemetry read
	DefaultChunkSize = 1024
	// DefaultAckBufferSize bounds a single acknowledgement read
	DefaultAckBufferSize = 1024
	// DefaultAckTimeout bounds the wait for an acknowledgement
	DefaultAckTimeout = 5 * time.Second
	// DefaultDialTimeout bounds connection establishment
	DefaultDialTimeout = 10 * time.Second

	// ackOverflowWait bounds the check for bytes beyond a full ack buffer
	ackOverflowWait = 50 * time.Millisecond
)

// Dialer opens TCP connections to modem endpoints
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Dial connects to addr, honouring both ctx and the dial timeout
func (d Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	nd := net.Dialer{Timeout: timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &OpError{Op: "dial", Addr: addr, Err: err}
	}
	return conn, nil
}

// interruptOnDone sets an immediate deadline on conn when ctx is done so a
// blocked read or write returns. The returned stop function must be called
// once the I/O has completed.
func interruptOnDone(ctx context.Context, conn net.Conn) func() bool {
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
}

// TelemetryStream reads opaque downlink chunks from the modem
type TelemetryStream struct {
	addr      string
	conn      net.Conn
	buf       []byte
	closeOnce sync.Once
	closeErr  error
}

// OpenTelemetry connects to the telemetry endpoint. chunkSize must be positive.
func OpenTelemetry(ctx context.Context, d Dialer, addr string, chunkSize int) (*TelemetryStream, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, chunkSize)
	}
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &TelemetryStream{
		addr: addr,
		conn: conn,
		buf:  make([]byte, chunkSize),
	}, nil
}

// ReadChunk blocks until at least one byte is available and returns up to
// the configured chunk size. The returned slice is owned by the caller.
// End of stream, including a zero-length read, yields ErrStreamClosed.
func (s *TelemetryStream) ReadChunk(ctx context.Context) ([]byte, error) {
	stop := interruptOnDone(ctx, s.conn)
	n, err := s.conn.Read(s.buf)
	stop()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if n > 0 {
		// a short read followed by an error still delivers the bytes; the
		// error resurfaces on the next call
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, &OpError{Op: "read", Addr: s.addr, Err: ErrStreamClosed}
	}
	return nil, &OpError{Op: "read", Addr: s.addr, Err: err}
}

// Addr returns the telemetry endpoint address
func (s *TelemetryStream) Addr() string {
	return s.addr
}

// Close closes the telemetry connection. It is safe to call more than once.
func (s *TelemetryStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// CommandDialer opens one CommandSession per telecommand
type CommandDialer struct {
	Addr          string
	Dialer        Dialer
	AckTimeout    time.Duration
	AckBufferSize int
	WriteTimeout  time.Duration
}

// Open connects to the telecommand endpoint
func (d *CommandDialer) Open(ctx context.Context) (*CommandSession, error) {
	ackTimeout := d.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	ackSize := d.AckBufferSize
	if ackSize <= 0 {
		ackSize = DefaultAckBufferSize
	}

	conn, err := d.Dialer.Dial(ctx, d.Addr)
	if err != nil {
		return nil, err
	}

	return &CommandSession{
		addr:         d.Addr,
		conn:         conn,
		ackTimeout:   ackTimeout,
		ackBuf:       make([]byte, ackSize),
		writeTimeout: d.WriteTimeout,
	}, nil
}

// CommandSession is one request/acknowledgement exchange with the modem
type CommandSession struct {
	addr         string
	conn         net.Conn
	ackTimeout   time.Duration
	ackBuf       []byte
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

// Send writes the full command body
func (s *CommandSession) Send(ctx context.Context, cmd []byte) error {
	if s.isClosed() {
		return &OpError{Op: "write", Addr: s.addr, Err: ErrSessionClosed}
	}

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	stop := interruptOnDone(ctx, s.conn)
	defer stop()

	// net.Conn.Write returns a non-nil error on any short write, so one call
	// either writes everything or fails
	if _, err := s.conn.Write(cmd); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &OpError{Op: "write", Addr: s.addr, Err: err}
	}
	return nil
}

// ReadAck performs one bounded read for the acknowledgement. A peer that
// closes without replying yields an empty acknowledgement. A reply longer
// than the ack buffer yields ErrAckTooLarge.
func (s *CommandSession) ReadAck(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, &OpError{Op: "read", Addr: s.addr, Err: ErrSessionClosed}
	}

	s.conn.SetReadDeadline(time.Now().Add(s.ackTimeout))
	stop := interruptOnDone(ctx, s.conn)
	n, err := s.conn.Read(s.ackBuf)
	stop()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if n == len(s.ackBuf) && s.overflows(ctx) {
		return nil, &OpError{Op: "read", Addr: s.addr, Err: fmt.Errorf("%w of %d bytes", ErrAckTooLarge, len(s.ackBuf))}
	}
	if n > 0 {
		ack := make([]byte, n)
		copy(ack, s.ackBuf[:n])
		return ack, nil
	}
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return []byte{}, nil
	case IsTimeout(err):
		return nil, &OpError{Op: "read", Addr: s.addr, Err: fmt.Errorf("%w after %s", ErrAckTimeout, s.ackTimeout)}
	default:
		return nil, &OpError{Op: "read", Addr: s.addr, Err: err}
	}
}

// overflows reports whether the peer sent more than a full ack buffer. It
// waits at most ackOverflowWait, or the ack timeout when that is shorter.
func (s *CommandSession) overflows(ctx context.Context) bool {
	wait := min(ackOverflowWait, s.ackTimeout)
	s.conn.SetReadDeadline(time.Now().Add(wait))
	stop := interruptOnDone(ctx, s.conn)
	n, _ := s.conn.Read(make([]byte, 1))
	stop()
	return n > 0
}

// Exchange sends cmd and waits for its acknowledgement
func (s *CommandSession) Exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := s.Send(ctx, cmd); err != nil {
		return nil, err
	}
	return s.ReadAck(ctx)
}

// Close closes the session's connection. It is safe to call more than once.
func (s *CommandSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *CommandSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
