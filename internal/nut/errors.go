package nut

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrConnectionFailed is returned when no usable socket exists, either
	// because dialing failed or because the client was already closed.
	ErrConnectionFailed = errors.New("nut: connection failed")

	// ErrAuthFailed is returned when the server rejects USERNAME or PASSWORD.
	ErrAuthFailed = errors.New("nut: authentication failed")

	// ErrTruncated is returned when the peer closes the socket inside a
	// BEGIN LIST / END LIST envelope.
	ErrTruncated = errors.New("nut: list response truncated")
)

// CommandError is returned when the server answers an action command with
// anything other than OK. The session remains usable.
type CommandError struct {
	Command string
	Detail  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("nut: command %q failed: %s", e.Command, e.Detail)
}

// ServerError is an "ERR <code>" reply to a query command.
type ServerError struct {
	Command string
	Code    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("nut: %s: server error %s", e.Command, e.Code)
}

// IOError is a transport failure in the middle of an exchange. After an
// IOError the client is unusable and must be replaced.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("nut: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *IOError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// IsTimeout reports whether err (or anything it wraps) is a deadline expiry
// on the protocol socket or the surrounding context.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return ioErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
