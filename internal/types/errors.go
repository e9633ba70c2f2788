package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for wire responses and retry policy. The string
// values are part of the public API.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindDuplicateInFlight  Kind = "duplicate_fingerprint_in_flight"
	KindCredentialsMissing Kind = "credentials_missing"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindQueueUnavailable   Kind = "queue_unavailable"
	KindEvaluatorRetryable Kind = "evaluator_retryable"
	KindEvaluatorFatal     Kind = "evaluator_fatal"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindConflict           Kind = "conflict"
	KindNotFound           Kind = "not_found"
)

// Error carries a Kind through call chains. Two Errors match under
// errors.Is when their kinds match, so the canonical values below act as
// sentinels.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Canonical instances for errors.Is checks.
var (
	ErrValidation         = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrDuplicateInFlight  = &Error{Kind: KindDuplicateInFlight, Message: "identical request already in flight"}
	ErrCredentialsMissing = &Error{Kind: KindCredentialsMissing, Message: "credentials missing or expired"}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable, Message: "storage unavailable"}
	ErrQueueUnavailable   = &Error{Kind: KindQueueUnavailable, Message: "queue unavailable"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "deadline exceeded"}
	ErrCancelled          = &Error{Kind: KindCancelled, Message: "cancelled"}
	ErrConflict           = &Error{Kind: KindConflict, Message: "conflicting state"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
)

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds a classified error with a formatted message.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying cause.
func WrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the outermost Kind in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err names a transient condition the worker may
// retry: flaky evaluator calls, storage blips, queue blips.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindEvaluatorRetryable, KindStorageUnavailable, KindQueueUnavailable:
		return true
	}
	return false
}
