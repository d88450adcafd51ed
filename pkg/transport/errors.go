package transport

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common conditions.
var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrGoalInProgress is returned when CallAction is issued while another
	// goal is still outstanding on the same transport.
	ErrGoalInProgress = errors.New("transport: another action goal is outstanding")

	// ErrNotSupported is returned for operations a transport cannot perform.
	ErrNotSupported = errors.New("transport: operation not supported")

	// ErrClosed is returned after Disconnect tore the transport down.
	ErrClosed = errors.New("transport: closed")
)

// ConnectionError reports a failure to establish or keep a connection.
type ConnectionError struct {
	// Transport names the implementation ("rosbridge", "overlay", ...).
	Transport string
	Host      string
	Port      int
	Timeout   time.Duration
	Err       error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	addr := e.Host
	if e.Port > 0 {
		addr = fmt.Sprintf("%s:%d", e.Host, e.Port)
	}
	msg := fmt.Sprintf("%s: connection to %s failed", e.Transport, addr)
	if e.Timeout > 0 {
		msg += fmt.Sprintf(" (timeout %s)", e.Timeout)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an action or service call that exceeded its budget.
type TimeoutError struct {
	// Op is "action" or "service".
	Op      string
	Name    string
	Timeout time.Duration

	// CancelSent is true when a remote cancel was issued before returning.
	CancelSent bool

	Err error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s %s timed out after %s", e.Op, e.Name, e.Timeout)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports an unknown protocol or an invalid pairing.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DecodeError reports a malformed payload. Subscriptions log and drop
// these; the subscription itself stays alive.
type DecodeError struct {
	Topic  string
	Schema string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Schema != "" {
		return fmt.Sprintf("decode %s (%s): %v", e.Topic, e.Schema, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Topic, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsConnection reports whether err is (or wraps) a *ConnectionError or ErrNotConnected.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) || errors.Is(err, ErrNotConnected)
}

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConfiguration reports whether err is (or wraps) a *ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDecode reports whether err is (or wraps) a *DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
