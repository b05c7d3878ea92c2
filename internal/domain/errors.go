package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks malformed or out-of-range input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a reference to an unknown entity.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition marks an edge rejected by the handoff state machine.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSchemaRejected marks a context attachment that failed schema validation.
	ErrSchemaRejected = errors.New("schema rejected")
)

// InvalidArgument returns an error wrapping ErrInvalidArgument.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// TransitionError describes a rejected state transition.
type TransitionError struct {
	From     Status
	To       Status
	Terminal bool
}

func (e *TransitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("invalid transition: cannot transition from terminal state %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid transition: %s -> %s is not allowed", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
