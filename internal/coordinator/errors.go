// internal/coordinator/errors.go
package coordinator

import (
	"errors"
	"fmt"

	"github.com/user/cadpilot/internal/types"
)

// ConflictError rejects a new turn because another run is already in flight
// for the session. Nothing is appended to the log when this is returned.
type ConflictError struct {
	ActiveRunID types.RunID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("another run is active: %s", e.ActiveRunID)
}

// ValidationError rejects malformed input before any log mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// UpstreamError wraps a model-adapter or log failure that terminated a run.
// The run and its assistant message have already been marked error by the
// time this reaches the caller.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("run failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a run conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
