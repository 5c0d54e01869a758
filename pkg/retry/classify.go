package retry

import (
	"context"
	"errors"
	"strings"
)

// Class buckets a remote-call error into the policy that applies to it
type Class int

const (
	// ClassTransient errors are retried after a backoff delay.
	ClassTransient Class = iota
	// ClassCredential errors blame the key: the pool is told, and the
	// operation is retried with a fresh credential.
	ClassCredential
	// ClassPermanent errors fail immediately, no retry.
	ClassPermanent
	// ClassResourceExhaustion means no credential became available
	// within the deadline.
	ClassResourceExhaustion
	// ClassInternal marks an unexpected fault inside the executor.
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCredential:
		return "credential"
	case ClassPermanent:
		return "permanent"
	case ClassResourceExhaustion:
		return "resource_exhaustion"
	case ClassInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error carries a classified remote-call error
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable
func Transient(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// Credential wraps err as a credential rejection
func Credential(err error) error {
	return &Error{Class: ClassCredential, Err: err}
}

// Permanent wraps err as not retryable
func Permanent(err error) error {
	return &Error{Class: ClassPermanent, Err: err}
}

// Internal wraps an unexpected executor fault
func Internal(err error) error {
	return &Error{Class: ClassInternal, Err: err}
}

// Classify returns the class of err. Typed errors win; untyped errors
// fall back to message inspection, defaulting to transient so the
// retry cap bounds anything unrecognized.
func Classify(err error) Class {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())

	credentialPatterns := []string{
		"401",
		"unauthorized",
		"invalid api key",
		"quota",
		"429",
		"rate limit",
		"too many requests",
	}
	for _, pattern := range credentialPatterns {
		if strings.Contains(msg, pattern) {
			return ClassCredential
		}
	}

	permanentPatterns := []string{
		"400",
		"bad request",
		"content policy",
		"unsupported aspect ratio",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return ClassPermanent
		}
	}

	return ClassTransient
}
