// Package apperr carries the error kinds that cross layer boundaries.
// Every layer returns a plain error; the HTTP boundary resolves the kind
// with KindOf and renders it.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	BadRequest             Kind = "bad_request"
	Unauthorized           Kind = "unauthorized"
	Forbidden              Kind = "forbidden"
	RateLimit              Kind = "rate_limit"
	Offline                Kind = "offline"
	GatewayBillingRequired Kind = "gateway_billing_required"
)

// Rate limit reasons.
const (
	ReasonDaily     = "daily"
	ReasonPerMinute = "per_minute"
)

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimit:
		return http.StatusTooManyRequests
	case GatewayBillingRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusServiceUnavailable
	}
}

type Error struct {
	Kind    Kind
	Message string
	// Reason distinguishes variants of one kind, e.g. daily vs per-minute rate limits.
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: err}
}

func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or Offline.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Offline
}

// As returns the first *Error in err's chain. Unclassified errors are
// reported as Offline with a generic message so internals do not leak.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Offline, Message: "something went wrong, please try again later", Cause: err}
}
