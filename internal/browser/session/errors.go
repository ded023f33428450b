// internal/browser/session/errors.go
package session

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto"
)

var (
	// ErrTimeout is returned by Send when no correlated response arrives within the call timeout.
	ErrTimeout = errors.New("protocol call timed out")
	// ErrClosed is returned for calls made on, or pending during, an explicit Close.
	ErrClosed = errors.New("session closed")
)

// ConnectionError means the protocol connection could not be established or was lost.
// It is fatal to the session it was produced by.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("connection error during %s (%s): %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is a call the browser answered with an error object, or a
// response that could not be decoded into the expected result.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error in %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("protocol error in %s: %s (%d)", e.Method, e.Message, e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func newProtocolError(method string, cdpErr *cdproto.Error) *ProtocolError {
	return &ProtocolError{Method: method, Code: cdpErr.Code, Message: cdpErr.Message}
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
