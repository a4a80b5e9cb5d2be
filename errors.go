package conductor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorKind classifies an error for policy decisions: retry, circuit
// breaking, compensation, and dead-lettering all branch on the kind.
type ErrorKind string

const (
	// ErrorKindTransient covers network faults, unavailable collaborators,
	// and other conditions that are expected to clear on their own.
	// Transient errors are retried per the node's retry policy.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent covers invalid input, authorization failures, and
	// anything else a retry cannot fix. The instance fails or compensates.
	ErrorKindPermanent ErrorKind = "permanent"

	// ErrorKindCircuitOpen means the attempt was short-circuited because the
	// target's circuit breaker is open. It is not counted as a fresh failure
	// against the breaker.
	ErrorKindCircuitOpen ErrorKind = "circuit_open"

	// ErrorKindTimeout means a node's declared deadline elapsed. Treated as
	// transient unless the node's retry policy says otherwise.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindValidation marks definition-level problems. These surface
	// before instantiation and never at runtime.
	ErrorKindValidation ErrorKind = "validation"
)

// Error is a classified engine error. It supports Go's error wrapping
// patterns via Unwrap.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	NodeID  string    `json:"node_id,omitempty"`
	Wrapped error     `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates an Error with the given kind and message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a classification.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Wrapped: err}
}

// Classify maps an arbitrary error onto an Error with a kind. Errors that
// are already classified pass through. Unknown errors default to transient
// so they remain retryable; anything known to be unfixable should carry
// ErrorKindPermanent explicitly.
func Classify(err error) *Error {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrorKindTimeout, Message: err.Error(), Wrapped: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: ErrorKindPermanent, Message: err.Error(), Wrapped: err}
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: ErrorKindTimeout, Message: err.Error(), Wrapped: err}
		}
		return &Error{Kind: ErrorKindTransient, Message: err.Error(), Wrapped: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		inner := Classify(urlErr.Err)
		return &Error{Kind: inner.Kind, Message: err.Error(), Wrapped: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded"):
		return &Error{Kind: ErrorKindTimeout, Message: err.Error(), Wrapped: err}
	case containsAny(msg,
		"connection refused",
		"connection reset",
		"temporary failure",
		"rate limit",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout"):
		return &Error{Kind: ErrorKindTransient, Message: err.Error(), Wrapped: err}
	case containsAny(msg, "unauthorized", "forbidden", "invalid input", "not found", "permission denied"):
		return &Error{Kind: ErrorKindPermanent, Message: err.Error(), Wrapped: err}
	}
	return &Error{Kind: ErrorKindTransient, Message: err.Error(), Wrapped: err}
}

// Retryable reports whether an error kind may be retried under the given
// policy. With no explicit RetryOn list, transient and timeout errors are
// retryable and everything else is not.
func Retryable(kind ErrorKind, policy *RetryPolicy) bool {
	if policy != nil && len(policy.RetryOn) > 0 {
		for _, k := range policy.RetryOn {
			if k == kind {
				return true
			}
		}
		return false
	}
	return kind == ErrorKindTransient || kind == ErrorKindTimeout
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
