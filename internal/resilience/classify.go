package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// markedError pins an error's retryability regardless of its message.
type markedError struct {
	err       error
	retryable bool
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Permanent marks err as never worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: false}
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: true}
}

// HTTPStatusError is implemented by errors that carry an HTTP status code.
type HTTPStatusError interface {
	HTTPStatus() int
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"econnrefused",
	"connection refused",
	"econnreset",
	"connection reset",
	"broken pipe",
	"socket hang up",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"rate limit",
	"throttl",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"unexpected eof",
	"deadlock",
	"lock wait timeout",
	"database is locked",
	"too many connections",
}

var permanentPatterns = []string{
	"unauthorized",
	"forbidden",
	"access denied",
	"authentication",
	"invalid",
	"validation",
	"not found",
	"bad request",
	"malformed",
}

// IsRetryable reports whether an operation that failed with err may succeed if tried again.
// Explicit markers win, then HTTP status codes, then network error types, then the message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.retryable
	}

	var withStatus HTTPStatusError
	if errors.As(err, &withStatus) {
		if code := withStatus.HTTPStatus(); code > 0 {
			return RetryableStatus(code)
		}
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetryableStatus classifies an HTTP status code: 408, 429 and 5xx are retryable.
func RetryableStatus(code int) bool {
	switch {
	case code == 408, code == 429:
		return true
	case code >= 500 && code <= 599:
		return code != 501
	}
	return false
}
