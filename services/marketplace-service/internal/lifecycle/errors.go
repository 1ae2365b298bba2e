package lifecycle

import "errors"

var (
	// ErrInvalidTransition: the requested edge is not in the allowed set.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict: lost a race for the same row (e.g. double take). Retryable.
	ErrConflict = errors.New("appointment state changed concurrently")
	// ErrForbidden: role or ownership mismatch for the operation.
	ErrForbidden = errors.New("operation not permitted for this user")
	// ErrValidation: malformed or premature request (e.g. mark paid before proof).
	ErrValidation = errors.New("validation failed")
	// ErrNotFound: the referenced appointment or user does not exist.
	ErrNotFound = errors.New("not found")
)
