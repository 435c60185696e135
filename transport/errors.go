// Package transport opens and drives the two ends of the bridge: a UDP
// socket talking to one remote peer and an SPI device.
//
// Both transports are created fully configured or not at all. Every setup
// failure is reported as an *Error whose Kind says which step failed; none
// of them is retried.
package transport

import (
	"errors"
	"fmt"
)

// Kind classifies transport setup failures.
type Kind int

const (
	SocketCreate Kind = iota + 1
	OptionSet
	BindFailed
	InvalidAddress
	DeviceOpen
	ConfigFailed
)

func (k Kind) String() string {
	switch k {
	case SocketCreate:
		return "socket create"
	case OptionSet:
		return "option set"
	case BindFailed:
		return "bind failed"
	case InvalidAddress:
		return "invalid address"
	case DeviceOpen:
		return "device open"
	case ConfigFailed:
		return "config failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrTimeout is returned by UDP.Receive when no datagram arrived in time.
// It is not a failure.
var ErrTimeout = errors.New("receive timeout")

// ErrShortRead is returned by SPI.Read together with the bytes that did
// arrive when the device delivered fewer bytes than requested.
var ErrShortRead = errors.New("short read")

// ErrTruncated is returned by UDP.Receive when a datagram did not fit the
// receive buffer. The datagram is discarded.
var ErrTruncated = errors.New("datagram exceeds receive buffer")

// Error is a fatal transport setup failure.
type Error struct {
	Kind Kind
	// Param names the failing SPI parameter for ConfigFailed, or the
	// offending value for InvalidAddress.
	Param string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Param != "" {
		msg += " (" + e.Param + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == kind
}
