package gwatchdog

import (
	"context"
	"errors"
)

// terminationCause is implemented by every context cause the watchdog sets.
type terminationCause interface {
	error
	watchdogTermination()
}

// IsTermination reports whether ctx was canceled by a watchdog,
// as opposed to by its parent.
func IsTermination(ctx context.Context) bool {
	var tc terminationCause
	return errors.As(context.Cause(ctx), &tc)
}

// FailureToRespondError is the cause set when a monitored subsystem
// misses its response timeout.
type FailureToRespondError struct {
	SubsystemName string
}

func (FailureToRespondError) watchdogTermination() {}

func (e FailureToRespondError) Error() string {
	return "watchdog: " + e.SubsystemName + " did not respond in time"
}

// ForcedTerminationError is the cause set by [*Watchdog.Terminate]
// and [*Watchdog.TerminateWithError].
type ForcedTerminationError struct {
	Reason string

	// Err is the failure reported by the terminating subsystem, if any.
	Err error
}

func (ForcedTerminationError) watchdogTermination() {}

func (e ForcedTerminationError) Error() string {
	msg := "watchdog forced termination: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ForcedTerminationError) Unwrap() error {
	return e.Err
}
