package errors

import "errors"

var (
	// ErrInvalidArgument is a caller error and is never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPersistenceFailure means the create transaction did not commit and
	// nothing was written.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrStoreUnavailable is returned while the store breaker is open.
	ErrStoreUnavailable = errors.New("order store unavailable")
	// ErrDeadLettered marks an outbox event that exhausted its attempts.
	ErrDeadLettered = errors.New("outbox event dead-lettered")

	ErrOrderNotFound     = errors.New("order not found")
	ErrEventNotFound     = errors.New("outbox event not found")
	ErrInvalidTransition = errors.New("invalid outbox state transition")
	ErrDuplicateOrder    = errors.New("order already exists")
)
