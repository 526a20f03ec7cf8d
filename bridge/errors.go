package bridge

import (
	"errors"
	"fmt"
)

// Path identifies one of the two forwarding loops
type Path string

const (
	PathDownlink Path = "downlink"
	PathUplink   Path = "uplink"
)

var (
	// ErrTelemetryClosed is reported when the modem ends the telemetry stream
	ErrTelemetryClosed = errors.New("telemetry stream closed")
	// ErrForwarderExited is reported when a forwarder returns without error
	// while the supervisor is still running
	ErrForwarderExited = errors.New("forwarder exited")
	// ErrInvalidConfiguration is returned for unusable bridge settings
	ErrInvalidConfiguration = errors.New("bridge: invalid configuration")
)

// TransportError is a failure on a modem socket: refused, reset or closed
type TransportError struct {
	Path Path
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %s: %v", e.Path, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BrokerError is a failure to connect, declare, publish, consume or ack
type BrokerError struct {
	Path Path
	Op   string
	Err  error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s broker error: %s: %v", e.Path, e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// ProtocolViolation is a modem peer that breaks the request/ack contract,
// such as staying silent past the acknowledgement timeout
type ProtocolViolation struct {
	Path   Path
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s protocol violation: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("%s protocol violation: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *ProtocolViolation) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a TransportError
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsBroker reports whether err is, or wraps, a BrokerError
func IsBroker(err error) bool {
	var target *BrokerError
	return errors.As(err, &target)
}

// IsProtocolViolation reports whether err is, or wraps, a ProtocolViolation
func IsProtocolViolation(err error) bool {
	var target *ProtocolViolation
	return errors.As(err, &target)
}

// PathOf returns the forwarder path recorded in err, or "" if none
func PathOf(err error) Path {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Path
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Path
	}
	var pv *ProtocolViolation
	if errors.As(err, &pv) {
		return pv.Path
	}
	return ""
}

// Kind returns a short label for err, used in logs and metrics
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsProtocolViolation(err):
		return "protocol_violation"
	case IsTransport(err):
		return "transport"
	case IsBroker(err):
		return "broker"
	default:
		return "other"
	}
}
