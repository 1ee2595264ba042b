package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/auralens/internal/book"
)

// NetworkError is a transport failure or server-side 5xx. Transient.
type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("vlm server error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("vlm connection failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Kind() book.ErrorKind { return book.KindTransient }

// RateLimitError is an HTTP 429. Transient; honors Retry-After.
type RateLimitError struct {
	Message    string
	StatusCode int
	After      time.Duration
}

func (e *RateLimitError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.After)
	}
	return e.Message
}

func (e *RateLimitError) Kind() book.ErrorKind      { return book.KindTransient }
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// IsRateLimitError reports whether err is a RateLimitError.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// InvalidResponseError is a response the model should not have produced:
// malformed payload, empty completion, unknown model, rejected request.
type InvalidResponseError struct {
	StatusCode int
	Message    string
}

func (e *InvalidResponseError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("vlm rejected request (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return "invalid vlm response: " + e.Message
}

func (e *InvalidResponseError) Kind() book.ErrorKind { return book.KindContent }

// AuthError is a 401/403. Retrying with the same key cannot succeed.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("vlm authentication failed (HTTP %d)", e.StatusCode)
}

func (e *AuthError) Kind() book.ErrorKind { return book.KindContent }

// classifyStatus maps an HTTP status and message to a typed error.
func classifyStatus(status int, message string, header http.Header) error {
	switch {
	case status == http.StatusTooManyRequests:
		var after time.Duration
		if header != nil {
			after = parseRetryAfter(header.Get("Retry-After"))
		}
		return &RateLimitError{
			Message:    fmt.Sprintf("vlm rate limited: %s", message),
			StatusCode: status,
			After:      after,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{StatusCode: status}
	case status == http.StatusNotFound:
		return &InvalidResponseError{StatusCode: status, Message: "model not found: " + message}
	case status == http.StatusRequestTimeout:
		return &NetworkError{StatusCode: status, Err: errors.New(message)}
	case status >= 500:
		return &NetworkError{StatusCode: status, Err: errors.New(truncate(message, 200))}
	default:
		return &InvalidResponseError{StatusCode: status, Message: truncate(message, 200)}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
