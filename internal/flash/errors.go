package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Start while another operation is active.
	ErrBusy = errors.New("another operation is in progress")

	// ErrCancelled is returned by Handle.Wait for cancelled operations.
	ErrCancelled = errors.New("operation cancelled")
)

// ValidationError rejects a Start request before anything was modified.
type ValidationError struct {
	Field  string // device, image, overlay or mode
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Error is the terminal error of a Failed operation. Err is the structured
// cause, e.g. a *provision.ProvisionError or *imagewriter.WriteError.
type Error struct {
	State State // the state in which the operation failed
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
