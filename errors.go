package swapsync

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionClosed is returned by session calls made after Logout.
var ErrSessionClosed = errors.New("session closed")

// TransientNetworkError is a failed request or a dropped subscription. It is
// recovered locally by retrying.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// AuthExpiredError means the token is no longer accepted. It is never retried;
// the realtime session terminates and the caller re-authenticates.
type AuthExpiredError struct {
	Reason string
}

func (e *AuthExpiredError) Error() string {
	return "auth expired: " + e.Reason
}

// ValidationError rejects an action before any optimistic mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// WriteConflictError is a durable write rejected after the optimistic apply.
type WriteConflictError struct {
	Op     string
	Status int
	Err    error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("%s: write rejected: %v", e.Op, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by a supervisor.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

// IsAuthExpired reports whether err means the session must re-authenticate.
func IsAuthExpired(err error) bool {
	var a *AuthExpiredError
	return errors.As(err, &a)
}

// IsNotFound reports whether the store answered 404, e.g. for a user that
// never wrote a presence row.
func IsNotFound(err error) bool {
	var c *WriteConflictError
	return errors.As(err, &c) && c.Status == http.StatusNotFound
}

// classifyStatus maps a store response onto the error taxonomy.
func classifyStatus(op string, status int, apiErr *APIError) error {
	if apiErr == nil {
		apiErr = &APIError{Code: http.StatusText(status), Message: fmt.Sprintf("HTTP %d", status)}
	}
	switch {
	case status == http.StatusUnauthorized:
		return &AuthExpiredError{Reason: apiErr.Message}
	case status == http.StatusBadRequest:
		return &ValidationError{Field: "request", Message: apiErr.Message}
	case status == http.StatusForbidden, status == http.StatusConflict,
		status == http.StatusUnprocessableEntity, status == http.StatusNotFound:
		return &WriteConflictError{Op: op, Status: status, Err: apiErr}
	case status == http.StatusTooManyRequests, status >= 500:
		return &TransientNetworkError{Op: op, Err: apiErr}
	default:
		return &WriteConflictError{Op: op, Status: status, Err: apiErr}
	}
}
