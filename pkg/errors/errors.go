package errors

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrNotFound is returned when a requested record is not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput is returned when the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrPermissionDenied is returned when an operation crosses an owner boundary
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidOwnerKey is returned when an owner key is missing or malformed.
	// It is raised before any backend call is made.
	ErrInvalidOwnerKey = errors.New("invalid owner key")

	// ErrVectorSpaceUnavailable is returned by a single vector search that
	// failed or timed out. The orchestrator absorbs it.
	ErrVectorSpaceUnavailable = errors.New("vector space unavailable")

	// ErrAllSpacesUnavailable is returned when every dispatched search failed
	ErrAllSpacesUnavailable = errors.New("all vector spaces unavailable")

	// ErrRerankerUnavailable is returned when the relevance model cannot score
	ErrRerankerUnavailable = errors.New("reranker unavailable")

	// ErrTierWriteFailed is returned when a tier metadata write fails
	ErrTierWriteFailed = errors.New("tier write failed")

	// ErrSweepInProgress is returned when another sweep holds the owner's turnstile
	ErrSweepInProgress = errors.New("tier sweep already in progress")

	// ErrNotReady is returned when a model dependency failed its readiness check
	ErrNotReady = errors.New("dependency not ready")

	// ErrLuaExecution is returned when there's an error executing a Lua script
	ErrLuaExecution = errors.New("lua script execution error")
)

// Wrap wraps an error with additional context
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// New is a convenience alias for errors.New
func New(text string) error {
	return errors.New(text)
}

// Join is a convenience alias for errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience function that wraps errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
// This is a convenience function that wraps errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
