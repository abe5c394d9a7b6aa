package service

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Services wrap these with context; handlers map
// them one-to-one onto HTTP responses.
var (
	// ErrValidation indicates malformed input the client can correct.
	ErrValidation = errors.New("validation error")
	// ErrInvalidState indicates a workflow precondition was violated.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotAssigned indicates the actor is not the owner or assigned reviewer.
	ErrNotAssigned = errors.New("not assigned")
	// ErrNotFound indicates an unknown identifier or reference.
	ErrNotFound = errors.New("not found")
	// ErrSizeLimitExceeded indicates evidence above the configured byte ceiling.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")
	// ErrUnsupportedType indicates evidence with a disallowed MIME type.
	ErrUnsupportedType = errors.New("unsupported type")
	// ErrNoReviewersAvailable indicates no active reviewer can take work.
	ErrNoReviewersAvailable = errors.New("no reviewers available")
	// ErrStorageFailure indicates a transient backend failure; callers may retry.
	ErrStorageFailure = errors.New("storage failure")
)

func validationError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func storageFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}
