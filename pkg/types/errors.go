package types

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrConfiguration      = errors.New("invalid configuration")
	ErrNotConnected       = errors.New("not connected")
	ErrTxDecode           = errors.New("failed to decode transaction")
	ErrTagDecode          = errors.New("failed to decode tag")
	ErrUnsubscribeTimeout = errors.New("unsubscribe acknowledgment timed out")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrNilCallback        = errors.New("callback is required")
)

// JSON-RPC and transport error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeTransport marks errors raised locally by the connection rather than the node
	CodeTransport = -32099
)

// Error is a structured error reported by the node or the transport.
// It is what subscription callbacks receive when a frame carries an error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// NewError creates a new Error
func NewError(code int, message, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// NewTransportError wraps a connection failure so it can be handed to callbacks
func NewTransportError(err error) *Error {
	e := &Error{
		Code:    CodeTransport,
		Message: "connection error",
	}
	if err != nil {
		e.Data = err.Error()
	}
	return e
}

// NewConfigurationError reports an invalid construction parameter
func NewConfigurationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// NewUnknownEventTypeError reports an unsupported category name
func NewUnknownEventTypeError(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownEventType, name)
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsTransport reports whether the error was raised by the local connection
func (e *Error) IsTransport() bool {
	return e.Code == CodeTransport
}
