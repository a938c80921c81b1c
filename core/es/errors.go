package es

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrValidation          = errors.New("validation failed")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrProjectionHandler   = errors.New("projection handler failed")
	ErrNoEvents            = errors.New("no events to append")
	ErrAlreadyApplied      = errors.New("event already applied")
	ErrClosed              = errors.New("closed")
)

// ConcurrencyConflictError reports that a stream moved past the version a
// command was based on.
type ConcurrencyConflictError struct {
	StreamID string
	Expected Version
	Current  Version
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on stream %s: expected version %d, current version %d",
		e.StreamID, e.Expected, e.Current,
	)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

func NewConcurrencyConflict(streamID string, expected, current Version) error {
	return &ConcurrencyConflictError{StreamID: streamID, Expected: expected, Current: current}
}

// ValidationError is a rejected command or append input. Reason is the
// message surfaced to callers.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }
func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(format string, args ...any) error {
	if len(args) == 0 {
		return &ValidationError{Reason: format}
	}
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func asValidationError(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return &ValidationError{Reason: err.Error()}
}

// Unavailable marks err as a transient storage failure. The original error
// stays reachable through errors.Is / errors.As.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// ProjectionError is returned by a projection handler that failed on one event.
type ProjectionError struct {
	Projection string
	EventID    string
	EventType  string
	Err        error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf(
		"projection %s failed on %s (event_id=%s): %v",
		e.Projection, e.EventType, e.EventID, e.Err,
	)
}

func (e *ProjectionError) Unwrap() []error { return []error{ErrProjectionHandler, e.Err} }

func IsConflict(err error) bool    { return errors.Is(err, ErrConcurrencyConflict) }
func IsValidation(err error) bool  { return errors.Is(err, ErrValidation) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrStorageUnavailable) }
