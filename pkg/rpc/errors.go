// Package rpc holds the narrow client interfaces the core consumes (NLU,
// LLM, search, routing, zone, pricing, order, OTP, places, ASR, business
// backend) together with their HTTP implementations and the shared error
// taxonomy every boundary uses.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an error for propagation policy and user-visible behavior.
type Kind string

// Error kinds. Every executor and RPC error carries exactly one.
const (
	// KindValidation: user input could not be parsed/accepted; the user is
	// prompted to correct it. Never retried.
	KindValidation Kind = "validation"
	// KindOutOfScope: the request is understood but unservable (out of zone,
	// no partner in area). Flows branch to a dedicated state; not an error
	// from the user's point of view.
	KindOutOfScope Kind = "user_out_of_scope"
	// KindTransient: network timeout, 5xx. Retried per policy, then escalated.
	KindTransient Kind = "transient"
	// KindUpstream: backend returned a business 4xx. Not retried.
	KindUpstream Kind = "upstream"
	// KindInternal: invalid state ref, loop detected, programming errors.
	KindInternal Kind = "internal"
	// KindCancelled: run cancelled by the user; silent.
	KindCancelled Kind = "cancelled"
)

// Error is the classified error returned across every RPC and executor
// boundary.
type Error struct {
	Kind      Kind
	Retryable bool
	Detail    string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified error. Retryability follows the kind.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Retryable: kind == KindTransient, Detail: detail}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Retryable: kind == KindTransient, Detail: detail, Cause: cause}
}

// KindOf extracts the kind from any error, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsRetryable reports whether err may be retried safely.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// classifyStatus maps an HTTP response status to an error kind.
// 408/429 and all 5xx are transient; other 4xx are upstream business errors.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindUpstream
	default:
		return KindInternal
	}
}
