package link

import (
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrStreamClosed is returned when the peer ends the stream (EOF or a zero-length read)
	ErrStreamClosed = errors.New("link: stream closed by peer")
	// ErrAckTimeout is returned when no acknowledgement arrives within the ack timeout
	ErrAckTimeout = errors.New("link: acknowledgement timeout")
	// ErrAckTooLarge is returned when the acknowledgement does not fit the ack buffer
	ErrAckTooLarge = errors.New("link: acknowledgement exceeds bound")
	// ErrSessionClosed is returned when a closed command session is reused
	ErrSessionClosed = errors.New("link: session closed")
	// ErrInvalidConfiguration is returned for non-positive buffer sizes or timeouts
	ErrInvalidConfiguration = errors.New("link: invalid configuration")
)

// OpError describes a failed operation on a modem endpoint
type OpError struct {
	Op   string // dial, read, write
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("link %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a deadline expiry on a link operation
func IsTimeout(err error) bool {
	if errors.Is(err, ErrAckTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
