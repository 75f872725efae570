package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorKind classifies failures for health reporting
type ErrorKind string

const (
	KindNone    ErrorKind = ""
	KindAuth    ErrorKind = "auth"
	KindNetwork ErrorKind = "network"
)

// AuthError indicates the server rejected the credentials. Retrying
// without operator action is pointless.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient failure; the caller should retry after RetryAfter.
type NetworkError struct {
	Account    string
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s) during %s: %v", e.Account, e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNetworkError reports whether err (or any error in its chain) is a NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Kind returns the classification of err
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case IsAuthError(err):
		return KindAuth
	default:
		return KindNetwork
	}
}

// isTransportFailure reports whether err came from the connection rather
// than from the server answering the command
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	// go-imap reports a dropped connection mid-command as a plain error
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") || strings.Contains(msg, "use of closed network connection")
}
