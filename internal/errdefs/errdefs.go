// Package errdefs defines the error kinds shared by the registry, the
// execution backends and the scheduler. Callers wrap them with %w and test
// with errors.Is or the Is* helpers.
package errdefs

import "errors"

var (
	// ErrNotFound: a session, group, profile or backend handle does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: an id or backend handle is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnavailable: the multiplexer server or container runtime cannot be reached.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalidState: the operation is not allowed in the current state
	// (attach while attached, deleting a non-empty group without a policy).
	ErrInvalidState = errors.New("invalid state")

	// ErrTimeout: a bounded backend call exceeded its deadline.
	ErrTimeout = errors.New("timed out")
)

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsUnavailable(err error) bool   { return errors.Is(err, ErrUnavailable) }
func IsInvalidState(err error) bool  { return errors.Is(err, ErrInvalidState) }
func IsTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }
