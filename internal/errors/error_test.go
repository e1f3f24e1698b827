package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError_Error(t *testing.T) {
	// Test error without cause
	err := New(ErrorTypeValidation, "test_op", "test message")
	expected := "[validation] test_op: test message"
	assert.Equal(t, expected, err.Error())

	// Test error with cause
	cause := errors.New("underlying error")
	err = Wrap(cause, ErrorTypeStorage, "save_op", "failed to save")
	assert.Contains(t, err.Error(), "[storage] save_op: failed to save")
	assert.Contains(t, err.Error(), "underlying error")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeBuild, "create", "bad buffer")
	err = err.WithContext("dimension", 128).WithContext("engine", "flat")

	assert.Equal(t, 128, err.Context["dimension"])
	assert.Equal(t, "flat", err.Context["engine"])
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, ErrorTypeBuild, NewBuildError("op", "msg").Type)
	assert.Equal(t, ErrorTypeLoad, NewLoadError("op", "msg").Type)
	assert.Equal(t, ErrorTypeQuery, NewQueryError("op", "msg").Type)
	assert.Equal(t, ErrorTypeValidation, NewValidationError("op", "msg").Type)
	assert.Equal(t, ErrorTypeConfiguration, NewConfigurationError("op", "msg").Type)
}

func TestErrorWrapping(t *testing.T) {
	originalErr := errors.New("original error")

	wrapped := WrapLoadError(originalErr, "load", "corrupt header")
	assert.Equal(t, ErrorTypeLoad, wrapped.Type)
	assert.Equal(t, "load", wrapped.Operation)
	assert.Equal(t, "corrupt header", wrapped.Message)
	assert.Equal(t, originalErr, wrapped.Unwrap())
	assert.ErrorIs(t, wrapped, originalErr)

	// Test that Wrap returns nil for nil error
	assert.Nil(t, Wrap(nil, ErrorTypeStorage, "op", "msg"))
}

func TestSentinelMatching(t *testing.T) {
	build := NewBuildError("create", "ids empty")
	assert.ErrorIs(t, build, ErrIndexBuild)
	assert.NotErrorIs(t, build, ErrIndexLoad)

	// survives fmt wrapping
	outer := fmt.Errorf("flush segment: %w", WrapQueryError(errors.New("freed"), "query", "invalid handle"))
	assert.ErrorIs(t, outer, ErrQuery)
	assert.Equal(t, ErrorTypeQuery, TypeOf(outer))

	status := WrapStatusCheckError(errors.New("connection reset"), "check_status", "job-1")
	assert.ErrorIs(t, status, ErrStatusCheck)

	// validation has no sentinel
	assert.NotErrorIs(t, NewValidationError("op", "msg"), ErrIndexBuild)
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrorTypeValidation, "test", "message")
	// Should have captured some stack frames
	assert.Greater(t, len(err.Stack), 0)
}
