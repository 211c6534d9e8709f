package rudp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors that can be returned by the transport
var (
	// ErrClosed is returned by operations on a closed socket, or after the
	// peer closed or reset the connection
	ErrClosed = errors.New("connection is closed")

	// ErrInvalidOperation is returned when an operation is not valid in the
	// socket's current state
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrConnectionReset is the failure reported when an unexpected RST
	// segment arrives
	ErrConnectionReset = errors.New("connection reset by peer")

	// ErrRetransmissionLimit is the failure reported when a segment exceeds
	// its retransmission limit without being acknowledged
	ErrRetransmissionLimit = errors.New("retransmission limit exceeded")
)

// ErrTimeout is returned when accept exceeds the configured timeout, or a
// read or write deadline expires. It implements net.Error
var ErrTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "operation timed out" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

// ConfigError reports an out-of-range profile parameter. It names the
// offending field
type ConfigError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("profile field %s = %d out of range [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

// MalformedError reports an unparseable segment. Malformed segments are
// dropped silently at the demultiplexer and logged
type MalformedError struct {
	Reason string
	Length int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed segment (%d bytes): %s", e.Length, e.Reason)
}
