package expense

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass decides how a failure is handled
type ErrorClass string

const (
	// ClassTransient failures are retried with backoff
	ClassTransient ErrorClass = "TRANSIENT"
	// ClassPermanent failures are never retried
	ClassPermanent ErrorClass = "PERMANENT"
	// ClassMalformed marks a response that did not match the expected shape
	ClassMalformed ErrorClass = "MALFORMED"
	// ClassValidation marks a value that failed an invariant
	ClassValidation ErrorClass = "VALIDATION"
	// ClassUnrecoverable ends the run
	ClassUnrecoverable ErrorClass = "UNRECOVERABLE"
)

// FailureKind is reported on a failed pipeline run
type FailureKind string

const (
	FailureImageTooLarge         FailureKind = "ImageTooLarge"
	FailureUnsupportedFormat     FailureKind = "UnsupportedFormat"
	FailureCorruptImage          FailureKind = "CorruptImage"
	FailureExtractionUnavailable FailureKind = "ExtractionUnavailable"
	FailureExtractionMalformed   FailureKind = "ExtractionMalformed"
	FailureUnrecoverable         FailureKind = "Unrecoverable"
	FailureCanceled              FailureKind = "Canceled"
)

// StageError is returned by every pipeline stage and external adapter
type StageError struct {
	Class   ErrorClass
	Kind    FailureKind
	Stage   string
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Message)
	if e.Kind != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Kind)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Transient wraps a failure that is worth retrying.
func Transient(stage string, cause error) *StageError {
	return &StageError{Class: ClassTransient, Stage: stage, Message: "transient failure", Cause: cause}
}

// Permanent wraps a failure that will not succeed on retry.
func Permanent(stage string, cause error) *StageError {
	return &StageError{Class: ClassPermanent, Stage: stage, Message: "permanent failure", Cause: cause}
}

// Malformed wraps a response that could not be parsed.
func Malformed(stage, message string, cause error) *StageError {
	return &StageError{Class: ClassMalformed, Stage: stage, Message: message, Cause: cause}
}

// NewFailure builds an error carrying a pipeline failure kind.
func NewFailure(class ErrorClass, kind FailureKind, stage, message string, cause error) *StageError {
	return &StageError{Class: class, Kind: kind, Stage: stage, Message: message, Cause: cause}
}

// ClassOf extracts the error class. Per-attempt deadlines count as transient,
// cancellation as unrecoverable, and anything unclassified as permanent.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassUnrecoverable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassPermanent
}

// KindOf extracts the failure kind, if one was recorded.
func KindOf(err error) FailureKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsMalformed reports whether err came from an unparseable response.
func IsMalformed(err error) bool {
	return ClassOf(err) == ClassMalformed
}

// IsPermanent reports whether retrying err cannot help.
func IsPermanent(err error) bool {
	return ClassOf(err) == ClassPermanent
}
