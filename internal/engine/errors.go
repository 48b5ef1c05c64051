package engine

import (
	"errors"
	"fmt"

	"github.com/pagecraft/abtest/internal/store"
)

var (
	// ErrInvalidConfiguration is returned when a test definition fails
	// validation. Nothing is written.
	ErrInvalidConfiguration = errors.New("invalid test configuration")
	// ErrInvalidTransition is returned for illegal status moves and for
	// structural edits of a test that has left draft.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("test not found")
	// ErrTestNotRunning is returned when an assignment is requested for a
	// test that is not running, or a conversion for an archived test.
	ErrTestNotRunning     = errors.New("test is not running")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrInvalidInput       = errors.New("invalid input")
)

// translate maps storage sentinels onto the engine's error taxonomy.
// Anything else is an infrastructure failure and is wrapped as-is.
func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrAssignmentNotFound):
		return fmt.Errorf("%s: %w", op, ErrAssignmentNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: test status changed concurrently: %w", op, ErrInvalidTransition)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
