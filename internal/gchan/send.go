// Package gchan wraps the channel operations used by the engine kernel
// and the test networks, so that every cancellation is logged the same way.
package gchan

import (
	"context"
	"log/slog"
)

func logCanceled(ctx context.Context, log *slog.Logger, during string) {
	log.Info("Context canceled", "during", during, "cause", context.Cause(ctx))
}

// SendC sends val to out unless ctx finishes first.
// It reports whether val was sent; on cancellation it logs during.
func SendC[T any](ctx context.Context, log *slog.Logger, out chan<- T, val T, during string) (sent bool) {
	select {
	case out <- val:
		return true
	case <-ctx.Done():
		logCanceled(ctx, log, during)
		return false
	}
}

// TrySend sends val to out only if out has room or a waiting reader.
func TrySend[T any](out chan<- T, val T) (sent bool) {
	select {
	case out <- val:
		return true
	default:
		return false
	}
}

// RecvC receives from in unless ctx finishes first.
// On cancellation it logs during and returns the zero T and false.
func RecvC[T any](ctx context.Context, log *slog.Logger, in <-chan T, during string) (val T, received bool) {
	select {
	case v := <-in:
		return v, true
	case <-ctx.Done():
		logCanceled(ctx, log, during)
		return val, false
	}
}

// ReqResp sends req on reqCh and then waits for the reply on respCh,
// giving up with ok=false if ctx finishes during either step.
//
// respCh must have a buffer of one,
// so that a kernel replying to an abandoned request does not block.
func ReqResp[T, U any](
	ctx context.Context, log *slog.Logger,
	reqCh chan<- T, req T,
	respCh <-chan U,
	name string,
) (resp U, ok bool) {
	if !SendC(ctx, log, reqCh, req, "sending "+name+" request") {
		return resp, false
	}
	return RecvC(ctx, log, respCh, "awaiting "+name+" response")
}
