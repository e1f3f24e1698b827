package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeBuild         ErrorType = "index_build"
	ErrorTypeLoad          ErrorType = "index_load"
	ErrorTypeQuery         ErrorType = "query"
	ErrorTypeStatusCheck   ErrorType = "status_check"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeTimeout       ErrorType = "timeout"
)

// Sentinels matched by errors.Is against a StructuredError of the same type.
var (
	ErrIndexBuild  = stderrors.New("index build failed")
	ErrIndexLoad   = stderrors.New("index load failed")
	ErrQuery       = stderrors.New("query failed")
	ErrStatusCheck = stderrors.New("status check failed")
)

var sentinels = map[ErrorType]error{
	ErrorTypeBuild:       ErrIndexBuild,
	ErrorTypeLoad:        ErrIndexLoad,
	ErrorTypeQuery:       ErrQuery,
	ErrorTypeStatusCheck: ErrStatusCheck,
}

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's type.
func (e *StructuredError) Is(target error) bool {
	s, ok := sentinels[e.Type]
	return ok && s == target
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// TypeOf returns the type of the outermost StructuredError in err's chain,
// or the empty type when there is none.
func TypeOf(err error) ErrorType {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return ""
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // skip runtime.Callers, captureStack and the constructor
	return pcs[:n]
}

// NewBuildError creates an index build error
func NewBuildError(operation, message string) *StructuredError {
	return New(ErrorTypeBuild, operation, message)
}

// NewLoadError creates an index load error
func NewLoadError(operation, message string) *StructuredError {
	return New(ErrorTypeLoad, operation, message)
}

// NewQueryError creates a query error
func NewQueryError(operation, message string) *StructuredError {
	return New(ErrorTypeQuery, operation, message)
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// WrapBuildError wraps an error as an index build error
func WrapBuildError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeBuild, operation, message)
}

// WrapLoadError wraps an error as an index load error
func WrapLoadError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeLoad, operation, message)
}

// WrapQueryError wraps an error as a query error
func WrapQueryError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeQuery, operation, message)
}

// WrapStatusCheckError wraps a failure of the remote status check
func WrapStatusCheckError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeStatusCheck, operation, message)
}

// WrapStorageError wraps an error as a storage error
func WrapStorageError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeStorage, operation, message)
}

// WrapConfigurationError wraps an error as a configuration error
func WrapConfigurationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}
