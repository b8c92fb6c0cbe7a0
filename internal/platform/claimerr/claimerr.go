// Package claimerr classifies every failure a claim submission can hit so the
// worker can decide between retry, terminal failure and manual review.
package claimerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindTransport     Kind = "transport"
	KindRejection     Kind = "rejection"
	KindEthicalLock   Kind = "ethical_lock"
	KindCredential    Kind = "credential"
)

// Error is a classified pipeline failure. Err keeps the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Detail is the text stored in Job.last_error: the message and its cause,
// without the kind, which is recorded separately.
func (e *Error) Detail() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Retryable reports whether the job may be rescheduled. Only transport
// failures are.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Configuration(msg string) *Error { return New(KindConfiguration, msg) }

func Validation(msg string, err error) *Error { return Wrap(KindValidation, msg, err) }

func Transport(msg string, err error) *Error { return Wrap(KindTransport, msg, err) }

func Rejection(msg string) *Error { return New(KindRejection, msg) }

func Credential(msg string, err error) *Error { return Wrap(KindCredential, msg, err) }

// As extracts a classified error. Anything unclassified is reported as a
// transport error, which is how a crashed or confused attempt is treated.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Transport("unexpected failure", err)
}

func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
