// Package errs provides structured error types and helpers for Tidemark services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an engine error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeInvalidState indicates an event that is not a legal edge from the
	// order's current status.
	CodeInvalidState Code = "invalid_state"
	// CodeUnknownOrder indicates an event referencing an order the store has
	// never seen.
	CodeUnknownOrder Code = "unknown_order"
	// CodeDuplicate indicates an event whose idempotency key was already applied.
	CodeDuplicate Code = "duplicate_event"
	// CodeMalformed indicates an event missing required fields.
	CodeMalformed Code = "malformed_event"
	// CodeNetwork indicates a transport failure reaching an exchange.
	CodeNetwork Code = "network"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeConfig indicates a configuration document that failed validation.
	CodeConfig Code = "config_invalid"
	// CodeReconfiguration indicates a failed configuration swap.
	CodeReconfiguration Code = "reconfiguration_failed"
	// CodeUnavailable indicates the engine is not in a state to serve the request.
	CodeUnavailable Code = "unavailable"
	// CodeStopped indicates the engine has reached its terminal state.
	CodeStopped Code = "stopped"
)

// E captures structured error information produced across the engine.
type E struct {
	Venue   string
	Code    Code
	Message string
	RawCode string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:   strings.TrimSpace(venue),
		Code:    code,
		Message: "",
		RawCode: "",
		RawMsg:  "",
		cause:   nil,
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

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
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

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

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

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var envelope *E
	for errors.As(err, &envelope) {
		if envelope.Code == code {
			return true
		}
		next := envelope.Unwrap()
		if next == nil {
			return false
		}
		err = next
	}
	return false
}
