package flowlines

import (
	"errors"
	"fmt"
)

// Common errors returned by the simulation.
var (
	// ErrInvalidParams is wrapped by every *ValidationError.
	ErrInvalidParams = errors.New("flowlines: invalid parameters")

	// ErrClosed is returned by operations on a closed Simulation.
	ErrClosed = errors.New("flowlines: simulation closed")

	// ErrKernelFailed is returned when a required kernel failed to compile.
	ErrKernelFailed = errors.New("flowlines: kernel failed")

	// ErrNilDevice is returned by New when no device is given.
	ErrNilDevice = errors.New("flowlines: nil device")

	// errNoBindingSet signals a skipped dispatch. It never leaves the package.
	errNoBindingSet = errors.New("flowlines: binding set not built")
)

// ValidationError describes a rejected parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flowlines: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidParams.
func (e *ValidationError) Unwrap() error { return ErrInvalidParams }
