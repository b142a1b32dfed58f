package idrac

import (
	"errors"
	"fmt"
)

// AuthError marks a 401/403 from the target. Reported distinctly from
// connectivity so callers can tell a bad credential from a dead endpoint.
type AuthError struct {
	Endpoint   string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected by %s (status %d)", e.Endpoint, e.StatusCode)
}

// ConnectivityError marks a TCP/TLS/DNS/timeout failure. Retryable at the
// caller's discretion.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError marks a well-formed response that violates expectations, such
// as a completed SCP task with no content. Warnings, not job failures, unless
// downstream work truly cannot proceed.
type ProtocolError struct {
	Endpoint string
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %s", e.Endpoint, e.Detail)
}

// IsAuthError reports whether err is an authentication rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConnectivityError reports whether err is a transport-level failure.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
