// Package errs provides structured error types and helpers for marketgate services.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies an exchange-specific error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeBanned indicates an irrecoverable ban-class block from the exchange.
	CodeBanned Code = "banned"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeMalformed indicates a payload that could not be decoded or validated.
	CodeMalformed Code = "malformed_payload"
	// CodeSequenceGap indicates a missed range in a sequenced stream.
	CodeSequenceGap Code = "sequence_gap"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the gateway stack.
type E struct {
	Exchange   string
	Code       Code
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	RetryAfter time.Duration
	Fatal      bool

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
		Fatal:    code == CodeBanned,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithRetryAfter records the wait mandated by the exchange before retrying.
func WithRetryAfter(wait time.Duration) Option {
	return func(e *E) {
		if wait > 0 {
			e.RetryAfter = wait
		}
	}
}

// WithFatal marks the error as irrecoverable; it must not be retried automatically.
func WithFatal() Option {
	return func(e *E) {
		e.Fatal = true
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Fatal {
		parts = append(parts, "fatal=true")
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsFatal reports whether err carries an irrecoverable envelope.
func IsFatal(err error) bool {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Fatal
	}
	return false
}

// CodeOf extracts the envelope code from err, or empty when not enveloped.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// RetryAfterOf extracts the mandated retry delay from err, if any.
func RetryAfterOf(err error) time.Duration {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.RetryAfter
	}
	return 0
}
