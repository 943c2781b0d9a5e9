package course

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error carries exactly one of these so callers can use errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrState      = errors.New("invalid state")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrDependency = errors.New("dependency unavailable")
)

// Error is a domain error with enough detail to render a specific message.
type Error struct {
	Op       string // operation that failed, e.g. "StartAttempt"
	Kind     error  // one of the kinds above
	Code     string // stable machine-readable code, e.g. "AttemptAlreadyActive"
	Message  string
	Field    string // offending input field, for validation errors
	Resource string // conflicting or missing resource id
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Message)
	if e.Resource != "" {
		msg += " (" + e.Resource + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both the error kind and another *Error with the same code.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Code != "" && other.Code == e.Code
	}
	return false
}

// With returns a copy of e bound to an operation and resource.
func (e *Error) With(op, resource string) *Error {
	cp := *e
	cp.Op = op
	cp.Resource = resource
	return &cp
}

// Named errors. Compare with errors.Is; build instances with With.
var (
	AttemptAlreadyActive = &Error{Kind: ErrConflict, Code: "AttemptAlreadyActive", Message: "an attempt for this quiz is already in progress"}
	ConflictingFreeze    = &Error{Kind: ErrConflict, Code: "ConflictingFreeze", Message: "a pending or approved freeze already exists for this course"}
	AlreadyEnrolled      = &Error{Kind: ErrConflict, Code: "AlreadyEnrolled", Message: "student is already enrolled in this course"}
	AlreadySubmitted     = &Error{Kind: ErrConflict, Code: "AlreadySubmitted", Message: "assignment already submitted"}
	AlreadyGraded        = &Error{Kind: ErrConflict, Code: "AlreadyGraded", Message: "submission already graded"}
	InvalidRange         = &Error{Kind: ErrValidation, Code: "InvalidRange", Message: "week range is invalid"}
	InvalidCourse        = &Error{Kind: ErrValidation, Code: "InvalidCourse", Message: "course does not exist or is inactive"}
	NotEligible          = &Error{Kind: ErrState, Code: "NotEligible", Message: "course is not complete"}
	NotIssued            = &Error{Kind: ErrState, Code: "NotIssued", Message: "certificate has not been issued"}
	WeekLocked           = &Error{Kind: ErrState, Code: "WeekLocked", Message: "week is not unlocked"}
	QuestionNotActive    = &Error{Kind: ErrState, Code: "QuestionNotActive", Message: "question is not the active question"}
	InvalidTransition    = &Error{Kind: ErrState, Code: "InvalidTransition", Message: "operation not allowed in current status"}
	NotFound             = &Error{Kind: ErrNotFound, Code: "NotFound", Message: "resource not found"}
	Forbidden            = &Error{Kind: ErrForbidden, Code: "Forbidden", Message: "resource belongs to another student"}
	NotEnrolled          = &Error{Kind: ErrForbidden, Code: "NotEnrolled", Message: "student has no active enrollment in this course"}
)

// Invalid builds a validation error for a single field.
func Invalid(op, field, message string) *Error {
	return &Error{Op: op, Kind: ErrValidation, Code: "Invalid", Field: field, Message: message}
}

// Unavailable wraps a store or external failure as a retryable dependency error.
func Unavailable(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrDependency, Code: "Unavailable", Message: "dependency unavailable, retry later", Err: err}
}

// IsRetryable reports whether the caller may retry the operation unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDependency)
}

// Lift passes domain errors through unchanged and wraps anything else as a
// dependency failure, so callers fail closed on unexpected store errors.
func Lift(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return Unavailable(op, err)
}
