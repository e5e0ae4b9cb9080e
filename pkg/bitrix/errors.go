package bitrix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error is a structured CRM call error with classification. Retryable errors
// are transient upstream conditions (timeouts, 5xx, rate limits); everything
// else is permanent and must not be retried automatically.
type Error struct {
	StatusCode int    // HTTP status if applicable
	Code       string // Bitrix error code, e.g. "QUERY_LIMIT_EXCEEDED"
	Message    string // Human-readable message
	Retryable  bool   // Whether the call can be retried
	Cause      error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	parts = append(parts, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements the retry.RetryableError interface.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// rate-limit codes returned by the REST API alongside HTTP 200 or 429.
var rateLimitCodes = map[string]bool{
	"QUERY_LIMIT_EXCEEDED": true,
	"OPERATION_TIME_LIMIT": true,
	"TOO_MANY_REQUESTS":    true,
}

// classifyStatus builds an Error from an HTTP status and optional REST error
// code. 429 and 5xx are retryable; all other non-2xx statuses are permanent.
func classifyStatus(status int, code, description string) *Error {
	retryable := status == 429 || status >= 500 || rateLimitCodes[code]

	msg := description
	if msg == "" {
		msg = "request failed"
	}

	return &Error{
		StatusCode: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
	}
}

// classifyTransport wraps a transport-level failure. Timeouts and connection
// errors are retryable.
func classifyTransport(err error) *Error {
	var netErr net.Error
	retryable := errors.As(err, &netErr) && netErr.Timeout()

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"no such host",
		"broken pipe",
	} {
		if strings.Contains(lower, pattern) {
			retryable = true
			break
		}
	}

	return &Error{
		Message:   "transport error",
		Retryable: retryable,
		Cause:     err,
	}
}

// classifyContext maps a call aborted by its context. An expired deadline is
// an ordinary upstream timeout and retryable; cancellation propagates
// untouched so callers can tell shutdown from upstream trouble.
func classifyContext(ctxErr, cause error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &Error{
			Message:   "call timed out",
			Retryable: true,
			Cause:     cause,
		}
	}
	if ctxErr != nil {
		return ctxErr
	}
	return cause
}

// IsRetryable returns true if err represents a transient upstream condition.
func IsRetryable(err error) bool {
	var bErr *Error
	if errors.As(err, &bErr) {
		return bErr.Retryable
	}
	return false
}
