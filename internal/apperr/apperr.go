// Package apperr defines the error taxonomy shared by the submission and
// monitoring engine. Errors that reach a caller are always *Error values with
// a short user-facing Message; technical detail stays in Detail and Err.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure by how it should be handled.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNetwork
	KindTimeout
	KindRateLimited
	KindServer
	KindServiceUnavailable
	KindAssessmentFailed
	KindResultNotAvailableYet
	KindNotFound
	KindCanceled
)

var kindNames = map[Kind]string{
	KindInternal:              "internal",
	KindValidation:            "validation",
	KindAuth:                  "auth",
	KindNetwork:               "network",
	KindTimeout:               "timeout",
	KindRateLimited:           "rate_limited",
	KindServer:                "server",
	KindServiceUnavailable:    "service_unavailable",
	KindAssessmentFailed:      "assessment_failed",
	KindResultNotAvailableYet: "result_not_available_yet",
	KindNotFound:              "not_found",
	KindCanceled:              "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Code is the stable machine-readable code sent to API callers.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindAuth:
		return "AUTH_ERROR"
	case KindNetwork:
		return "NETWORK_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindServer:
		return "SERVER_ERROR"
	case KindServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case KindAssessmentFailed:
		return "ASSESSMENT_FAILED"
	case KindResultNotAvailableYet:
		return "RESULT_NOT_AVAILABLE_YET"
	case KindNotFound:
		return "NOT_FOUND"
	case KindCanceled:
		return "CANCELED"
	default:
		return "INTERNAL_ERROR"
	}
}

var defaultMessages = map[Kind]string{
	KindInternal:              "Something went wrong. Please try again.",
	KindValidation:            "The assessment is incomplete or invalid.",
	KindAuth:                  "Your session has expired. Please sign in again.",
	KindNetwork:               "We could not reach the analysis service. Please check your connection.",
	KindTimeout:               "The analysis is taking longer than expected. Please try again later.",
	KindRateLimited:           "Too many requests. Please wait a moment and try again.",
	KindServer:                "The analysis service encountered an error. Please try again.",
	KindServiceUnavailable:    "The analysis service is temporarily unavailable. Please try again later.",
	KindAssessmentFailed:      "The analysis could not be completed.",
	KindResultNotAvailableYet: "Your results are not available yet. Please check back shortly.",
	KindNotFound:              "The requested item was not found.",
	KindCanceled:              "The request was canceled.",
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	// Detail is technical context for logs only.
	Detail string
	// RetryAfter is the server's wait hint for KindRateLimited.
	RetryAfter time.Duration
	// Global marks the overall monitoring timeout, which is terminal
	// unlike a per-operation timeout.
	Global bool
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable code for the error's kind.
func (e *Error) Code() string { return e.Kind.Code() }

// New builds an Error with the kind's default user message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Message: defaultMessages[kind], Detail: detail}
}

// Newf is New with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, err error, detail string) *Error {
	if err == nil {
		return nil
	}
	e := New(kind, detail)
	e.Err = err
	return e
}

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err. Unclassified errors are KindInternal,
// context errors are mapped to KindCanceled / KindTimeout.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a component may retry err locally with backoff.
// The global monitoring timeout is never retryable.
func Retryable(err error) bool {
	if e, ok := As(err); ok && e.Global {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindServer, KindServiceUnavailable, KindRateLimited:
		return true
	}
	return false
}

// Normalize converts any error into an *Error suitable for a caller. A
// classified error is copied, never modified, since one error value may be
// shared by several callers.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		cp := *e
		if cp.Message == "" {
			cp.Message = defaultMessages[cp.Kind]
		}
		return &cp
	}
	return Wrap(KindOf(err), err, "")
}
