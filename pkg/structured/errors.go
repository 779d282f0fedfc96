package structured

import "errors"

var (
	// ErrInvalidAssignment is returned when a latent assignment has the wrong
	// length or contains a state outside the model's alphabet.
	ErrInvalidAssignment = errors.New("invalid latent assignment")

	// ErrNotImplemented is returned by capabilities a structured object does
	// not provide.
	ErrNotImplemented = errors.New("not implemented")

	// ErrDimensionMismatch is returned when an example's channel count differs
	// from the rest of its set.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEmptySequence is returned for sequences without time steps.
	ErrEmptySequence = errors.New("empty sequence")

	// ErrIndexOutOfRange is returned for example indices outside the set.
	ErrIndexOutOfRange = errors.New("example index out of range")

	// ErrNoLabels is returned when a ground-truth assignment is required but
	// the example carries none.
	ErrNoLabels = errors.New("example has no ground-truth labels")
)
