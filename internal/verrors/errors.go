// Package verrors implements the structured error bands described in the
// engine's error-reporting contract: programmer errors (0-5000),
// data-dependent errors (5001-10000) and transient/retryable errors
// (>10000).
//
// What: a single *Error type carrying a stable ErrorType code plus a
// free-form detail map, instead of tinySQL's bare sentinel error values
// (ErrTxNotActive, ErrRowNotFound, ...). Sentinels can't carry "which id
// violated uniqueness" or "which property is unknown", and the data-error
// band requires exactly that.
// How: ErrorType is an int enum; String() renders it for logging the way
// tinySQL's ColType.String() renders column types.
package verrors

import (
	"errors"
	"fmt"
)

// ErrorType enumerates the stable error codes the engine reports.
type ErrorType int

const (
	// Programmer/usage errors: 0-5000. Fail fast, propagate unchanged.
	ErrUntrackedInverseRead ErrorType = 100 + iota
	ErrObjectDeleted
	ErrUnknownClass
	ErrInvalidOperation
	ErrNotApplicable
)

const (
	// Data-dependent errors: 5001-10000. Abort the transaction.
	ErrDeleteReferenced ErrorType = 5001 + iota
	ErrInvalidReferencedClass
	ErrUniquenessViolation
	ErrNullReferenceNotAllowed
	ErrUnknownReference
	ErrInsertedPropertyClassAddedToIndex
	ErrInsertedReferencePropertyMultiplicity
	ErrInvalidPropertyTypeModification
)

const (
	// Transient errors: >10000. Retryable with exponential backoff.
	ErrConflict ErrorType = 10001 + iota
	ErrUnavailableCommitResult
	ErrTransactionNotAllowed
	ErrNotApplicableTransient
	ErrUnknown // translated panic in user code
)

var names = map[ErrorType]string{
	ErrUntrackedInverseRead:                  "untracked_inverse_read",
	ErrObjectDeleted:                         "object_deleted",
	ErrUnknownClass:                          "unknown_class",
	ErrInvalidOperation:                      "invalid_operation",
	ErrNotApplicable:                         "not_applicable",
	ErrDeleteReferenced:                      "delete_referenced",
	ErrInvalidReferencedClass:                "invalid_referenced_class",
	ErrUniquenessViolation:                   "uniqueness_violation",
	ErrNullReferenceNotAllowed:               "null_reference_not_allowed",
	ErrUnknownReference:                      "unknown_reference",
	ErrInsertedPropertyClassAddedToIndex:     "inserted_property_class_added_to_index",
	ErrInsertedReferencePropertyMultiplicity: "inserted_reference_property_multiplicity",
	ErrInvalidPropertyTypeModification:       "invalid_property_type_modification",
	ErrConflict:                              "conflict",
	ErrUnavailableCommitResult:               "unavailable_commit_result",
	ErrTransactionNotAllowed:                 "transaction_not_allowed",
	ErrNotApplicableTransient:                "not_applicable",
	ErrUnknown:                               "unknown_error",
}

// String renders the wire name of an ErrorType.
func (t ErrorType) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("error_type(%d)", int(t))
}

// Band classifies an ErrorType into one of the three error bands.
type Band int

const (
	BandProgrammer Band = iota
	BandData
	BandTransient
)

// Band returns which band an ErrorType belongs to.
func (t ErrorType) Band() Band {
	switch {
	case int(t) <= 5000:
		return BandProgrammer
	case int(t) <= 10000:
		return BandData
	default:
		return BandTransient
	}
}

// Retryable reports whether the caller should retry the operation that
// produced this error type.
func (t ErrorType) Retryable() bool {
	return t.Band() == BandTransient
}

// Error is the structured error the engine returns to callers.
type Error struct {
	Type   ErrorType
	Detail map[string]any
	// wrapped, if non-nil, supports errors.Is/As unwrapping to an
	// underlying cause (e.g. a context.DeadlineExceeded).
	wrapped error
}

// New constructs an *Error with the given type and detail fields, provided
// as alternating key/value pairs (mirroring tinySQL's fmt.Errorf-centric
// call sites, but producing a structured value instead of a formatted
// string).
func New(t ErrorType, kv ...any) *Error {
	e := &Error{Type: t}
	if len(kv) > 0 {
		e.Detail = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Detail[key] = kv[i+1]
		}
	}
	return e
}

// Wrap attaches an underlying cause to a structured error for errors.Is/As.
func Wrap(t ErrorType, cause error, kv ...any) *Error {
	e := New(t, kv...)
	e.wrapped = cause
	return e
}

func (e *Error) Error() string {
	if len(e.Detail) == 0 {
		return e.Type.String()
	}
	return fmt.Sprintf("%s %v", e.Type.String(), e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is allows errors.Is(err, verrors.New(SomeType)) to match on Type alone,
// ignoring Detail — the same "compare by sentinel" ergonomics tinySQL gets
// for free from its bare sentinel errors.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Type == e.Type
	}
	return false
}

// Retryable reports whether this error's type is in the transient band.
func (e *Error) Retryable() bool { return e.Type.Retryable() }

// As extracts an *Error (and its ErrorType) from a general error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
