package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDependencyMissing indicates a stage ran without a required
	// upstream module output.
	ErrDependencyMissing = errors.New("dependency missing")
	// ErrServiceUnhealthy indicates the Service Pool has no healthy
	// instance of a required inference service.
	ErrServiceUnhealthy = errors.New("service unhealthy")
	// ErrInvariantViolation marks a non-retryable stage failure (malformed
	// input or output, an unavailable video, a client error from a
	// service): the Stage Runner fails the stage at once without retrying.
	ErrInvariantViolation = errors.New("invariant violation")
)
