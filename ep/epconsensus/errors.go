package epconsensus

import (
	"errors"
	"fmt"
)

// NetworkError indicates a failed transmission of an outbound message.
// It is never fatal to the engine.
type NetworkError struct {
	Target MessageTarget
	Err    error
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("failed to transmit to %s: %v", e.Target, e.Err)
}

func (e NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError indicates a malformed or unauthenticated message.
// The message is dropped, and the sender may be penalized.
type ValidationError struct {
	Kind   MessageKind
	Reason string
	Err    error
}

func (e ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// StaleMessageError describes a message for an epoch
// that is already finalized or otherwise not reachable.
// The engine acknowledges stale messages without reporting an error,
// so this type is mostly seen in logs.
type StaleMessageError struct {
	Kind MessageKind

	EpochID uint64
	Current uint64
}

func (e StaleMessageError) Error() string {
	return fmt.Sprintf("stale %s for epoch %d (current epoch %d)", e.Kind, e.EpochID, e.Current)
}

// ExecutionError indicates a failure checking, fetching, or executing
// the transactions of an epoch being committed.
// The round is abandoned and a new proposal is attempted.
type ExecutionError struct {
	Stage   string
	EpochID uint64
	Err     error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at %s for epoch %d: %v", e.Stage, e.EpochID, e.Err)
}

func (e ExecutionError) Unwrap() error {
	return e.Err
}

// StorageError indicates a failure persisting a finalized epoch.
// It is fatal to the engine.
type StorageError struct {
	Stage   string
	EpochID uint64
	Err     error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage failed at %s for epoch %d: %v", e.Stage, e.EpochID, e.Err)
}

func (e StorageError) Unwrap() error {
	return e.Err
}

// EpochGapError is returned when asked to apply an epoch
// that does not immediately follow the last finalized epoch.
// Callers must apply the missing epochs first.
type EpochGapError struct {
	LastFinalized, Got uint64
}

func (e EpochGapError) Error() string {
	return fmt.Sprintf(
		"epoch %d does not follow last finalized epoch %d; epochs %d through %d must be applied first",
		e.Got, e.LastFinalized, e.LastFinalized+1, e.Got-1,
	)
}

// ErrEngineHalted is wrapped in a [StorageError] for every call
// made after a storage failure stopped the engine.
var ErrEngineHalted = errors.New("engine halted after storage failure")

// IsValidationError reports whether err is a [ValidationError] or an [EpochGapError],
// either of which means the input was rejected without changing state.
func IsValidationError(err error) bool {
	var ve ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ge EpochGapError
	return errors.As(err, &ge)
}
