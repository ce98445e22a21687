// Package errs carries the engine's error taxonomy.
package errs

import (
	"errors"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	CodeConfigInvalid       Code = "config_invalid"
	CodeExchangeUnreachable Code = "exchange_unreachable"
	CodeNetwork             Code = "network"
	CodeRateLimited         Code = "rate_limited"
	CodeAuthFailed          Code = "auth_failed"
	CodeInsufficientMargin  Code = "insufficient_margin"
	CodeInvalidSymbol       Code = "invalid_symbol"
	CodeRejected            Code = "rejected"
	CodeNotFound            Code = "not_found"
	CodeAlreadyFilled       Code = "already_filled"
	CodeForbidden           Code = "forbidden"
	CodeInvalidState        Code = "invalid_state"
	CodeStaleData           Code = "stale_data"
)

// E is a coded error. Op names the operation that failed.
type E struct {
	Op       string
	Code     Code
	Exchange string
	HTTP     int
	Message  string

	cause error
}

type Option func(*E)

func New(op string, code Code, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

func WithExchange(name string) Option {
	return func(e *E) {
		e.Exchange = strings.TrimSpace(name)
	}
}

func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Exchange != "" {
		b.WriteString(e.Exchange)
		b.WriteString(" ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *E by code so that errors.Is(err, errs.New("", CodeX)) works.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Code == e.Code
}

// CodeOf returns the code of the outermost *E in the chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// Retryable reports whether err is transient: network failures, rate limits
// and unreachable exchanges.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeRateLimited, CodeExchangeUnreachable:
		return true
	}
	return false
}
