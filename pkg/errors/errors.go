// Package errors defines the error vocabulary shared by the router and all
// provider adapters. Every failure carries one of the stable kinds below; the
// kind alone decides whether an attempt is retried, whether the dispatch loop
// moves on to a fallback candidate, and how the failure is surfaced.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a class of failure with fixed retry and fallback rules.
type Kind string

// Stable error kinds.
const (
	KindValidation       Kind = "VALIDATION"
	KindConfig           Kind = "CONFIG"
	KindTemplateMissing  Kind = "TEMPLATE_MISSING_VARS"
	KindTemplateSyntax   Kind = "TEMPLATE_SYNTAX"
	KindQueueFull        Kind = "QUEUE_FULL"
	KindQueueTimeout     Kind = "TIMEOUT_QUEUE"
	KindTransportTimeout Kind = "TIMEOUT_TRANSPORT"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindAuth             Kind = "AUTH"
	KindServerError      Kind = "SERVER_ERROR"
	KindContentPolicy    Kind = "CONTENT_POLICY"
	KindCancelled        Kind = "CANCELLED"
	KindInternal         Kind = "INTERNAL"
)

// Error is the standardized failure type for router and adapter operations.
// It contains enough context for logging, metrics, and client responses.
type Error struct {
	Kind          Kind          `json:"kind"`
	Message       string        `json:"message"`
	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	StatusCode    int           `json:"statusCode,omitempty"`
	RetryAfter    time.Duration `json:"-"`

	// Attempts holds the errors from earlier retries and candidates when the
	// dispatch loop exhausted them before surfacing this error.
	Attempts []*Error `json:"attempts,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider == "" && e.Model == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the same candidate may be attempted again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransportTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// AllowsFallback reports whether the dispatch loop may move on to the next
// candidate after this error. Content-policy refusals do not fall back: the
// same content would be refused again.
func (e *Error) AllowsFallback() bool {
	switch e.Kind {
	case KindTransportTimeout, KindRateLimited, KindServerError, KindAuth:
		return true
	default:
		return false
	}
}

// WithProvider returns e annotated with provider and model context.
func (e *Error) WithProvider(provider, model string) *Error {
	e.Provider = provider
	e.Model = model
	return e
}

// WithCorrelation returns e annotated with the caller's correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// HTTPStatus maps the error to a response status for HTTP facades.
func (e *Error) HTTPStatus() int {
	if e.StatusCode >= 400 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindValidation, KindConfig, KindTemplateMissing, KindTemplateSyntax:
		return 400
	case KindRateLimited:
		return 429
	case KindContentPolicy:
		return 422
	case KindQueueFull:
		return 503
	case KindQueueTimeout, KindTransportTimeout:
		return 504
	case KindAuth, KindServerError:
		return 502
	case KindCancelled:
		return 499
	default:
		return 500
	}
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. If err is already
// an *Error it is returned unchanged so classification survives layering.
func Wrap(kind Kind, err error, message string) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// As extracts an *Error from err, unwrapping as needed.
func As(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf reports the kind of err. Unclassified errors are INTERNAL; a nil
// error has the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if re, ok := As(err); ok {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the same candidate may retry after err.
// Unclassified errors are treated as retryable transport faults.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := As(err); ok {
		return re.Retryable()
	}
	return true
}

// AllowsFallback reports whether the dispatch loop may advance to the next
// candidate after err.
func AllowsFallback(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := As(err); ok {
		return re.AllowsFallback()
	}
	return true
}
