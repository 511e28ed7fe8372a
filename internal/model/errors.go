package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, the lifecycle engine and the API layer.
// Callers match with errors.Is; messages add context via %w wrapping.
var (
	// ErrValidation is malformed input. Not retryable as-is.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the entity is absent or soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a concurrent write won. Retry after re-reading.
	ErrConflict = errors.New("conflict")

	// ErrState means the operation is invalid for the current lifecycle state.
	ErrState = errors.New("invalid lifecycle state")

	// ErrImmutableAssignment is returned when a courier change is attempted on
	// an assignment the courier has physically worked. There is no override.
	ErrImmutableAssignment = errors.New("courier assignment is immutable: the courier has recorded pickup or delivery")

	// ErrConfirmationRequired is returned when replacing proof on a genuine,
	// timestamped stage without explicit confirmation.
	ErrConfirmationRequired = fmt.Errorf("%w: replacing proof of recorded physical work requires confirmation", ErrConflict)
)
