package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of a governance error.
type ErrorClass string

const (
	// ErrorClassValidation indicates malformed input, e.g. an end before a start.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassIllegalTransition indicates a state machine violation.
	// Usually a caller bug or stale client state; never retried.
	ErrorClassIllegalTransition ErrorClass = "illegal_transition"

	// ErrorClassPrecondition indicates an unmet business rule.
	// The caller must resolve the precondition before retrying.
	ErrorClassPrecondition ErrorClass = "precondition_failed"

	// ErrorClassConflict indicates a blackout or scheduling overlap.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates a missing change, approval or contact.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassInternal indicates a persistence or collaborator failure.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ChangeID is the change the error relates to, if applicable.
	ChangeID string `json:"change_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Conflicts names the conflicting entities for conflict errors.
	Conflicts []string `json:"conflicts,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.ChangeID != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (change=%s, operation=%s)", e.ChangeID, e.Operation)
	} else if e.ChangeID != "" {
		fmt.Fprintf(&b, " (change=%s)", e.ChangeID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Classification returns the class and code for metrics and tracing.
func (e *EngineError) Classification() (string, string) {
	return string(e.Class), e.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewIllegalTransitionError creates an error for a transition outside the table.
func NewIllegalTransitionError(from, to Status) *EngineError {
	return &EngineError{
		Class:   ErrorClassIllegalTransition,
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
		Code:    ErrCodeIllegalTransition,
		Details: map[string]interface{}{"from": from, "to": to},
	}
}

// NewPreconditionError creates a new precondition error.
func NewPreconditionError(code, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPrecondition,
		Message: message,
		Code:    code,
	}
}

// NewConflictError creates a new conflict error naming the conflicting entities.
func NewConflictError(message string, conflicts []string) *EngineError {
	return &EngineError{
		Class:     ErrorClassConflict,
		Message:   message,
		Code:      ErrCodeConflict,
		Conflicts: conflicts,
	}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(kind, id string) *EngineError {
	return &EngineError{
		Class:   ErrorClassNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Code:    ErrCodeNotFound,
		Details: map[string]interface{}{"kind": kind, "id": id},
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithChange adds change context to an error.
func (e *EngineError) WithChange(changeID string) *EngineError {
	e.ChangeID = changeID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassValidation
}

// IsIllegalTransition returns true if the error is a state machine violation.
func IsIllegalTransition(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassIllegalTransition
}

// IsPreconditionFailed returns true if a business precondition was not met.
func IsPreconditionFailed(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPrecondition
}

// IsConflict returns true if the error reports a scheduling conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsNotFound returns true if the error reports a missing entity.
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNotFound
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeIllegalTransition   = "ILLEGAL_TRANSITION"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeMissingSchedule     = "MISSING_SCHEDULE"
	ErrCodeConditionsPending   = "CAB_CONDITIONS_PENDING"
	ErrCodeNoPendingConditions = "NO_PENDING_CONDITIONS"
	ErrCodeMissingRole         = "MISSING_ROLE"
	ErrCodeSegregationOfDuties = "SEGREGATION_OF_DUTIES"
	ErrCodeVotingClosed        = "VOTING_CLOSED"
	ErrCodeAlreadyResolved     = "ALREADY_RESOLVED"
	ErrCodeTerminalChange      = "TERMINAL_CHANGE"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrNoPendingConditions is returned when conditions are confirmed twice or never set.
	ErrNoPendingConditions = &EngineError{Class: ErrorClassPrecondition, Code: ErrCodeNoPendingConditions}

	// ErrConditionsPending is returned by Schedule while CAB conditions await confirmation.
	ErrConditionsPending = &EngineError{Class: ErrorClassPrecondition, Code: ErrCodeConditionsPending}

	// ErrVotingClosed is returned when a vote arrives after the outcome resolved.
	ErrVotingClosed = &EngineError{Class: ErrorClassPrecondition, Code: ErrCodeVotingClosed}
)
