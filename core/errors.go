package core

import (
	"errors"
	"fmt"
)

// MalformedEventError reports a raw event that failed validation. The event is
// dropped and counted; there is no upstream retry path for this class of error.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: field %q: %s", e.Field, e.Reason)
}

// NewMalformedEventError creates a MalformedEventError for the given field.
func NewMalformedEventError(field, reason string) *MalformedEventError {
	return &MalformedEventError{Field: field, Reason: reason}
}

// IsMalformedEvent reports whether err is (or wraps) a MalformedEventError.
func IsMalformedEvent(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}

var (
	// ErrAlertNotFound is returned when an alert ID does not exist.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrQueueFull is returned when the ingest queue cannot accept an event
	// within the configured backpressure window.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrEngineStopped is returned when an operation is attempted on a
	// stopped engine.
	ErrEngineStopped = errors.New("engine is not running")
	// ErrModelNotTrained is returned when anomaly scoring is requested before
	// any model snapshot has been published.
	ErrModelNotTrained = errors.New("anomaly model not trained")
	// ErrInsufficientBaseline is returned by the trainer when the baseline
	// window holds too few samples to build a model.
	ErrInsufficientBaseline = errors.New("insufficient baseline samples")
)
