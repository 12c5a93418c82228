// Package glog holds small helpers for structured logging with log/slog.
package glog

import "log/slog"

// ER returns a copy of log that includes fields for the given epoch and round.
//
// This is a convenient shorthand in many log calls where
// the epoch and round are pertinent details.
func ER(log *slog.Logger, epoch uint64, round uint32) *slog.Logger {
	return log.With("epoch", epoch, "round", round)
}

// ERE is [ER] with an additional error field.
func ERE(log *slog.Logger, epoch uint64, round uint32, e error) *slog.Logger {
	return log.With("epoch", epoch, "round", round, "err", e)
}
