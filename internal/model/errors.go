package model

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an unknown job id or a missing stored artifact
var ErrNotFound = errors.New("not found")

// ErrConflict indicates an operation that is invalid for the job's current status
var ErrConflict = errors.New("conflict")

// ValidationError is a client error: bad request shape, invalid batch or
// orientation, unsupported format, algorithm/params mismatch. It never
// mutates job state and maps to a 400 response at the HTTP boundary.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validationf builds a ValidationError from a format string
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
