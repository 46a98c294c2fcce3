package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorClass represents whether a request failure should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the request should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the request should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// retryableStatus lists upstream statuses that are worth another attempt.
var retryableStatus = map[int]bool{
	408: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// RequestError is returned by Client.Get when a request fails permanently or
// exhausts its attempts. StatusCode is zero for transport-level failures.
type RequestError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("GET %s: failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StatusError is the per-attempt error for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status carried by err, or 0 when none.
func StatusCode(err error) int {
	var re *RequestError
	if errors.As(err, &re) && re.StatusCode != 0 {
		return re.StatusCode
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Classify sorts a request failure into retryable vs fatal.
//
// Retryable:
//   - 408, 425, 429, 500, 502, 503, 504
//   - transport timeouts, connection reset/refused, DNS failures, unreachable networks
//   - messages carrying a generic "timeout" or "socket hang up" signature
//
// Fatal:
//   - any other HTTP status (401/403/404 and friends)
//   - caller cancellation
//   - everything else (malformed requests, decode failures)
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if code := StatusCode(err); code != 0 {
		if retryableStatus[code] {
			return ErrorClassRetryable
		}
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorClassRetryable
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"timed out",
		"socket hang up",
		"connection reset",
		"connection refused",
		"no such host",
		"network is unreachable",
	} {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}
	return ErrorClassFatal
}

// IsRetryable reports whether err should trigger another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == ErrorClassRetryable
}
