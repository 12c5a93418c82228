package epstate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RoundTimer is the interface the kernel uses to manage timeouts within an epoch.
// While using a [time.Timer] directly would be simpler,
// that would pose difficulty in fine-grained management of timers during tests.
// So instead, the RoundTimer offers a set of methods that return a channel that will close upon a timeout,
// and an associated cancel function that must be called to release resources.
// It is safe to call the cancel function multiple times, and concurrently, if needed.
//
// Note that calling the cancel function will not close the returned channel,
// as to avoid spuriously indicating a timer has elapsed.
//
// At most one timer is active at a time.
// The kernel must cancel the previous timer before requesting a new one.
//
// The context argument is used only for communicating with any coordination goroutines;
// it has no bearing on when the returned channel is closed.
// If the context is cancelled while attempting to get a timer,
// the returned channel is nil and the returned cancel function is a no-op non-nil function.
type RoundTimer interface {
	// ProposalDelayTimer is armed by the round's proposer
	// before it pulls transactions from the mempool.
	ProposalDelayTimer(ctx context.Context, epochID uint64, round uint32) (ch <-chan struct{}, cancel func())

	// RoundTimer bounds how long a round may take before it is abandoned.
	RoundTimer(ctx context.Context, epochID uint64, round uint32) (ch <-chan struct{}, cancel func())
}

// TimeoutStrategy defines how to calculate the timeout durations
// for a [StandardRoundTimer].
type TimeoutStrategy interface {
	ProposalDelay(epochID uint64, round uint32) time.Duration
	RoundTimeout(epochID uint64, round uint32) time.Duration
}

// StandardRoundTimer is the default implementation of [RoundTimer],
// backed by actual [time.Timer] instances.
type StandardRoundTimer struct {
	strat TimeoutStrategy

	startTimerRequests chan startTimerRequest

	bgDone chan struct{}
}

type startTimerRequest struct {
	Dur  time.Duration
	Resp chan startTimerResponse
}

type startTimerResponse struct {
	Elapsed <-chan struct{}
	Cancel  func()
}

func NewStandardRoundTimer(ctx context.Context, s TimeoutStrategy) *StandardRoundTimer {
	t := &StandardRoundTimer{
		strat: s,

		startTimerRequests: make(chan startTimerRequest),

		bgDone: make(chan struct{}),
	}

	go t.background(ctx)

	return t
}

func (t *StandardRoundTimer) Wait() {
	<-t.bgDone
}

func (t *StandardRoundTimer) background(ctx context.Context) {
	defer close(t.bgDone)

	// Created stopped; every start request resets it.
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if !timer.Stop() {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	var timerElapsed, cancelTimer chan struct{}

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-t.startTimerRequests:
			timer.Reset(req.Dur)

			timerElapsed = make(chan struct{})
			cancelTimer = make(chan struct{})
			localCancel := cancelTimer
			var cancelOnce sync.Once

			// The requester is blocked on the receive.
			req.Resp <- startTimerResponse{
				Elapsed: timerElapsed,
				Cancel: func() {
					cancelOnce.Do(func() {
						close(localCancel)
					})
				},
			}
		}

		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			close(timerElapsed)
			timerElapsed = nil
			cancelTimer = nil

		case <-cancelTimer:
			if !timer.Stop() {
				select {
				case <-timer.C:
				case <-ctx.Done():
					return
				}
			}

			// Never close the elapsed channel on cancel.
			timerElapsed = nil
			cancelTimer = nil

		case <-t.startTimerRequests:
			panic(errors.New(
				"BUG: new timer requested before previous timer elapsed or was cancelled",
			))
		}
	}
}

func (t *StandardRoundTimer) getTimer(ctx context.Context, dur time.Duration) (<-chan struct{}, func()) {
	respCh := make(chan startTimerResponse)
	req := startTimerRequest{
		Dur:  dur,
		Resp: respCh,
	}

	select {
	case t.startTimerRequests <- req:
	case <-ctx.Done():
		return nil, func() {}
	}

	select {
	case resp := <-respCh:
		return resp.Elapsed, resp.Cancel
	case <-ctx.Done():
		return nil, func() {}
	}
}

func (t *StandardRoundTimer) ProposalDelayTimer(ctx context.Context, epochID uint64, round uint32) (<-chan struct{}, func()) {
	return t.getTimer(ctx, t.strat.ProposalDelay(epochID, round))
}

func (t *StandardRoundTimer) RoundTimer(ctx context.Context, epochID uint64, round uint32) (<-chan struct{}, func()) {
	return t.getTimer(ctx, t.strat.RoundTimeout(epochID, round))
}
