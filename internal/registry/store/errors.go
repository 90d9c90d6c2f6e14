package store

import "fmt"

// NotFoundError indicates the resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// AccessDeniedError indicates the caller is authenticated but not allowed to act
// on the resource.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string {
	if e.Message == "" {
		return "access denied"
	}
	return e.Message
}

// OperationFailedError wraps a persistence failure. Error() never includes the
// cause so it is safe to return to clients; use errors.Unwrap to log it.
type OperationFailedError struct {
	Op    string
	Cause error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("%s failed", e.Op)
}

func (e *OperationFailedError) Unwrap() error {
	return e.Cause
}
