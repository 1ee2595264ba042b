package book

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure for retry and propagation decisions.
type ErrorKind string

const (
	// KindTransient covers network failures, timeouts and rate limits. Retried.
	KindTransient ErrorKind = "transient"
	// KindContent covers malformed input or responses. Terminal for the page.
	KindContent ErrorKind = "content"
	// KindResource covers filesystem and permission failures. Terminal for the book.
	KindResource ErrorKind = "resource"
	// KindCancelled marks a cooperative stop. Not an error condition.
	KindCancelled ErrorKind = "cancelled"
)

var (
	ErrTransient = errors.New("transient failure")
	ErrContent   = errors.New("content error")
	ErrResource  = errors.New("resource error")
	ErrCancelled = errors.New("cancelled")
)

// Kinded is implemented by errors that know their own classification.
type Kinded interface {
	Kind() ErrorKind
}

// RetryAfterer is implemented by errors that carry a server retry hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Classify walks the error chain depth-first and returns the outermost
// classification found. Unknown errors are treated as content errors so they
// are never retried blindly.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if kind, ok := classify(err); ok {
		return kind
	}
	return KindContent
}

func classify(err error) (ErrorKind, bool) {
	if k, ok := err.(Kinded); ok {
		return k.Kind(), true
	}
	switch err {
	case ErrTransient, context.DeadlineExceeded:
		return KindTransient, true
	case ErrContent:
		return KindContent, true
	case ErrResource:
		return KindResource, true
	case ErrCancelled, context.Canceled:
		return KindCancelled, true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		if next := u.Unwrap(); next != nil {
			return classify(next)
		}
	case interface{ Unwrap() []error }:
		for _, next := range u.Unwrap() {
			if kind, ok := classify(next); ok {
				return kind, true
			}
		}
	}
	return "", false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// RetryAfter extracts a retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

// Transient tags err as retryable.
func Transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// Content tags err as a non-retryable content failure.
func Content(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrContent, op, err)
}

// Resource tags err as a book-level resource failure.
func Resource(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrResource, op, err)
}
