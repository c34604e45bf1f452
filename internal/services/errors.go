package services

import (
	"errors"
	"fmt"

	"tasksync/backend/internal/repositories"
)

// Error kinds. Handlers map these to HTTP statuses; match with errors.Is.
var (
	ErrValidation   = errors.New("bad_request")
	ErrNotFound     = errors.New("not_found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	// ErrConsistency marks a propagation target that vanished or diverged.
	ErrConsistency = errors.New("consistency")
)

// Error carries a kind plus a message that is safe to show to the caller.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func validationError(format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...interface{}) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func unauthorizedError(message string) error {
	return &Error{Kind: ErrUnauthorized, Message: message}
}

func conflictError(message string) error {
	return &Error{Kind: ErrConflict, Message: message}
}

// notFoundOr turns a repository miss into a NotFound error with message and
// passes any other error through.
func notFoundOr(err error, message string) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return notFoundError("%s", message)
	}
	return err
}
