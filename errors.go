package mqttloop

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// EventHandler receives client lifecycle events.
type EventHandler func(client *Client, event error)

// Sentinel errors for call misuse - check with errors.Is().
var (
	// ErrInvalidArgument is returned for malformed call parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConnected is returned when there is no transport socket and no
	// name resolution in progress.
	ErrNotConnected = errors.New("not connected")

	// ErrClientClosed is returned when the client has been closed.
	ErrClientClosed = errors.New("client closed")

	// ErrInCallback is returned when the loop is driven from inside a
	// disconnect handler.
	ErrInCallback = fmt.Errorf("%w: loop driven from disconnect handler", ErrInvalidArgument)
)

// Sentinel errors that end LoopForever - check with errors.Is().
var (
	ErrNoMemory       = errors.New("out of memory")
	ErrProtocol       = errors.New("protocol error")
	ErrNotFound       = errors.New("not found")
	ErrTLS            = errors.New("tls error")
	ErrPayloadSize    = errors.New("payload too large")
	ErrNotSupported   = errors.New("not supported")
	ErrAuth           = errors.New("authentication failed")
	ErrAccessDenied   = errors.New("access denied")
	ErrUnknown        = errors.New("unknown error")
	ErrNameResolution = errors.New("name resolution failed")
	ErrProxy          = errors.New("proxy error")
)

// Sentinel errors for connection events - check with errors.Is().
var (
	// ErrWouldBlock signals that the transport has no more data or space
	// right now. It stops a work loop and is never reported as a failure.
	ErrWouldBlock = errors.New("operation would block")

	// ErrConnectionLost is returned when the peer closes the connection.
	ErrConnectionLost = errors.New("connection lost")

	// ErrKeepAliveTimeout is returned when the broker stops answering PINGREQ.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrConnectionRefused is returned when the broker refuses CONNECT.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrReconnecting is emitted before every backoff sleep.
	ErrReconnecting = errors.New("reconnecting")
)

var fatalErrors = []error{
	ErrNoMemory,
	ErrProtocol,
	ErrInvalidArgument,
	ErrNotFound,
	ErrTLS,
	ErrPayloadSize,
	ErrNotSupported,
	ErrAuth,
	ErrAccessDenied,
	ErrUnknown,
	ErrNameResolution,
	ErrProxy,
}

// IsFatal reports whether err must end LoopForever instead of triggering a
// reconnect. An OS error carrying EPROTO is fatal as well.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	return errors.Is(err, syscall.EPROTO)
}

// OSError wraps a failed system call.
// Extract with errors.As().
type OSError struct {
	Op  string
	Err error
}

func (e *OSError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *OSError) Unwrap() error { return e.Err }

// NewOSError creates a new OSError.
func NewOSError(op string, err error) *OSError {
	return &OSError{Op: op, Err: err}
}

// ConnectError contains details about a refused CONNECT.
// Extract with errors.As().
type ConnectError struct {
	err        error
	ReasonCode byte
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect refused: reason 0x%02x", e.ReasonCode)
}

func (e *ConnectError) Unwrap() error { return e.err }

// NewConnectError creates a ConnectError from a CONNACK reason code.
// Bad credentials and not-authorized map to ErrAuth.
func NewConnectError(reason byte) *ConnectError {
	baseErr := ErrConnectionRefused
	switch reason {
	case reasonBadUserNameOrPassword, reasonNotAuthorized, reasonBadAuthMethod:
		baseErr = ErrAuth
	case reasonUnsupportedProtocol:
		baseErr = ErrNotSupported
	}
	return &ConnectError{err: baseErr, ReasonCode: reason}
}

// ConnectionLostError is emitted when the failure handler closes the socket.
// Extract with errors.As().
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error { return ErrConnectionLost }

// ReconnectEvent is emitted before LoopForever sleeps.
// Extract with errors.As().
type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
	Cause   error
}

func (e *ReconnectEvent) Error() string {
	return fmt.Sprintf("reconnecting in %s (attempt %d)", e.Delay, e.Attempt)
}

func (e *ReconnectEvent) Unwrap() error { return ErrReconnecting }

// isWouldBlock reports the transient "try again later" condition that ends a
// work loop without error.
func isWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK)
}
