package gtest

import (
	"time"
)

// TestingFatalHelper is the part of [testing.TB] used by the channel helpers.
// Fakes of it let the helpers be tested themselves.
type TestingFatalHelper interface {
	Helper()

	Fatalf(format string, args ...any)
}

// fatal reports a failure through tb and panics,
// because a fake tb does not stop the calling goroutine.
func fatal(tb TestingFatalHelper, format string, args ...any) {
	tb.Helper()
	tb.Fatalf(format, args...)
	panic("unreachable")
}

func blockedTooLong(tb TestingFatalHelper, op string, ch any) {
	tb.Helper()
	fatal(tb,
		"blocked %s channel %T %v; on a slow machine, raise %s above %d",
		op, ch, ch, TimeFactorEnv, TimeFactor,
	)
}

// ReceiveSoon receives from ch, failing tb after a short default timeout.
func ReceiveSoon[T any](tb TestingFatalHelper, ch <-chan T) T {
	tb.Helper()
	return ReceiveOrTimeout(tb, ch, ScaleMs(100))
}

// ReceiveOrTimeout receives from ch, failing tb if nothing arrives within timeout.
// Prefer [ReceiveSoon] unless the sender does slow work such as network I/O.
func ReceiveOrTimeout[T any](tb TestingFatalHelper, ch <-chan T, timeout ScaledDuration) T {
	tb.Helper()

	if ch == nil {
		fatal(tb, "receive from nil channel %T would block forever", ch)
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()

	select {
	case x := <-ch:
		return x
	case <-timer.C:
		blockedTooLong(tb, "receiving from", ch)
	}
	panic("unreachable")
}

// SendOrTimeout sends x on ch, failing tb if the send blocks for the whole timeout.
func SendOrTimeout[T any](tb TestingFatalHelper, ch chan<- T, x T, timeout ScaledDuration) {
	tb.Helper()

	if ch == nil {
		fatal(tb, "send to nil channel %T would block forever", ch)
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()

	select {
	case ch <- x:
	case <-timer.C:
		blockedTooLong(tb, "sending to", ch)
	}
}

// NotSending fails tb if a value is immediately available on ch.
func NotSending[T any](tb TestingFatalHelper, ch <-chan T) {
	tb.Helper()

	if ch == nil {
		fatal(tb, "nil channel %T can never send", ch)
	}

	select {
	case x := <-ch:
		fatal(tb, "unexpected value %v on channel %T %v", x, ch, ch)
	default:
	}
}

// NotSendingSoon fails tb if a value arrives on ch within a short window.
// It always blocks for that window, so [NotSending] is preferred
// whenever the test has another way to synchronize.
func NotSendingSoon[T any](tb TestingFatalHelper, ch <-chan T) {
	tb.Helper()

	if ch == nil {
		fatal(tb, "nil channel %T can never send", ch)
	}

	timer := time.NewTimer(time.Duration(ScaleMs(75)))
	defer timer.Stop()

	select {
	case <-timer.C:
	case x := <-ch:
		fatal(tb, "unexpected value %v on channel %T %v", x, ch, ch)
	}
}
