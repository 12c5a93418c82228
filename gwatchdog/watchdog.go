package gwatchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type Watchdog struct {
	log *slog.Logger

	// Context handed to monitors; canceled with a cause on termination.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// Nop watchdogs ignore Monitor.
	nop bool

	mu      sync.Mutex
	stopped bool

	wg sync.WaitGroup
}

// NewWatchdog returns a Watchdog and a context derived from ctx.
//
// The returned context is canceled when a monitored subsystem
// misses its response timeout, or when [*Watchdog.Terminate] is called.
func NewWatchdog(ctx context.Context, log *slog.Logger) (*Watchdog, context.Context) {
	return newWatchdog(ctx, log, false)
}

// NewNopWatchdog returns a Watchdog that never monitors anything,
// although Terminate still cancels its context.
// It is intended for tests.
func NewNopWatchdog(ctx context.Context, log *slog.Logger) (*Watchdog, context.Context) {
	return newWatchdog(ctx, log, true)
}

func newWatchdog(rootCtx context.Context, log *slog.Logger, nop bool) (*Watchdog, context.Context) {
	wCtx, cancel := context.WithCancelCause(rootCtx)
	w := &Watchdog{
		log:    log,
		ctx:    wCtx,
		cancel: cancel,
		nop:    nop,
	}

	w.wg.Add(1)
	go w.awaitRoot(rootCtx)

	return w, wCtx
}

// awaitRoot holds the wait group open until the root context finishes,
// so that Wait only returns after the owner has shut down.
func (w *Watchdog) awaitRoot(rootCtx context.Context) {
	defer w.wg.Done()

	<-rootCtx.Done()
	w.log.Info("Stopping due to root context cancellation", "cause", context.Cause(rootCtx))

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

// Wait blocks until the context passed to [NewWatchdog] is done
// and every monitor has returned.
// Termination alone does not unblock Wait.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}

// Terminate cancels the watchdog context with a [ForcedTerminationError].
func (w *Watchdog) Terminate(reason string) {
	w.log.Warn("Forcing termination", "reason", reason)
	w.cancel(ForcedTerminationError{Reason: reason})
}

// TerminateWithError is [*Watchdog.Terminate] with an underlying cause,
// retrievable from the context cause with [errors.As].
func (w *Watchdog) TerminateWithError(reason string, err error) {
	w.log.Warn("Forcing termination", "reason", reason, "err", err)
	w.cancel(ForcedTerminationError{Reason: reason, Err: err})
}

// Monitor starts polling a subsystem according to cfg.
//
// The subsystem must receive from the returned channel in its main loop
// and close [Signal.Alive] promptly.
// A signal arrives every cfg.Interval plus a uniform jitter in [-cfg.Jitter, +cfg.Jitter).
//
// The returned channel is nil for a nop watchdog,
// or if ctx or the watchdog is already finished.
// Receiving from a nil channel blocks forever, which suits a select loop.
func (w *Watchdog) Monitor(ctx context.Context, cfg MonitorConfig) <-chan Signal {
	if err := cfg.validate(); err != nil {
		panic(fmt.Errorf("(*Watchdog).Monitor: invalid MonitorConfig: %w", err))
	}
	if w.nop || ctx.Err() != nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.ctx.Err() != nil {
		return nil
	}

	sigCh := make(chan Signal)
	m := &monitor{
		log:    w.log.With("target", cfg.Name),
		cfg:    cfg,
		sigCh:  sigCh,
		cancel: w.cancel,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		m.run(w.ctx)
	}()

	return sigCh
}

// Signal is a liveness check sent to a monitored subsystem.
type Signal struct {
	// Close Alive to acknowledge the signal. It is never nil.
	Alive chan<- struct{}
}
