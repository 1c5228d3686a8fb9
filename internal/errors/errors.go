// Package errors provides structured error types for the fluxos engine.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for the engine.
const (
	// Task errors
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeTaskInvalidState Code = "TASK_INVALID_STATE"

	// Execution tree errors
	CodeTreeNotFound        Code = "TREE_NOT_FOUND"
	CodeNodeNotFound        Code = "NODE_NOT_FOUND"
	CodeNodeExists          Code = "NODE_EXISTS"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeDependencyViolation Code = "DEPENDENCY_VIOLATION"

	// Checkpoint errors
	CodeCheckpointNotFound Code = "CHECKPOINT_NOT_FOUND"
	CodeCheckpointResolved Code = "CHECKPOINT_RESOLVED"
	CodeCheckpointExpired  Code = "CHECKPOINT_EXPIRED"
	CodeCheckpointInvalid  Code = "CHECKPOINT_INVALID_RESPONSE"

	// Coordination errors
	CodeLockNotAcquired Code = "LOCK_NOT_ACQUIRED"
	CodeLockNotHeld     Code = "LOCK_NOT_HELD"

	// Infrastructure errors
	CodeDispatchFailed   Code = "DISPATCH_FAILED"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category groups error codes for HTTP status mapping at the API layer.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeTaskNotFound:        CategoryNotFound,
	CodeTaskInvalidState:    CategoryBadRequest,
	CodeTreeNotFound:        CategoryNotFound,
	CodeNodeNotFound:        CategoryNotFound,
	CodeNodeExists:          CategoryConflict,
	CodeInvalidTransition:   CategoryBadRequest,
	CodeDependencyViolation: CategoryBadRequest,
	CodeCheckpointNotFound:  CategoryNotFound,
	CodeCheckpointResolved:  CategoryConflict,
	CodeCheckpointExpired:   CategoryConflict,
	CodeCheckpointInvalid:   CategoryBadRequest,
	CodeLockNotAcquired:     CategoryConflict,
	CodeLockNotHeld:         CategoryConflict,
	CodeDispatchFailed:      CategoryUnavailable,
	CodeStoreUnavailable:    CategoryUnavailable,
	CodeConfigInvalid:       CategoryBadRequest,
	CodeConfigMissing:       CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// EngineError is the structured error type for the engine.
type EngineError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *EngineError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *EngineError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *EngineError) MarshalJSON() ([]byte, error) {
	type alias EngineError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *EngineError) WithCause(err error) *EngineError {
	return &EngineError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Cause: err,
	}
}

// New creates an EngineError with the given code and message.
func New(code Code, what string) *EngineError {
	return &EngineError{Code: code, What: what}
}

// Newf creates an EngineError with a code and a formatted message.
func Newf(code Code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, What: fmt.Sprintf(format, args...)}
}

// WithWhy returns a copy of the error carrying an explanation.
func (e *EngineError) WithWhy(why string) *EngineError {
	return &EngineError{Code: e.Code, What: e.What, Why: why, Cause: e.Cause}
}

// HasCode reports whether err (or any error it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if ee, ok := err.(*EngineError); ok && ee.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
