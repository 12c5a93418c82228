package epstate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/gordian-engine/epoch/ep/epengine/internal/epstate"
	"github.com/gordian-engine/epoch/internal/gtest"
	"github.com/stretchr/testify/require"
)

type timerFunc func(*epstate.StandardRoundTimer, context.Context) (<-chan struct{}, func())

func TestStandardRoundTimer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping due to short mode")
	}

	ms25 := time.Duration(gtest.ScaleMs(25))
	s25 := epengine.LinearTimeoutStrategy{
		ProposalDelayBase: ms25,
		RoundBase:         ms25,
	}

	sShort := epengine.LinearTimeoutStrategy{
		ProposalDelayBase:      time.Millisecond,
		ProposalDelayIncrement: time.Millisecond,
		RoundBase:              time.Millisecond,
		RoundIncrement:         time.Millisecond,
	}

	for name, getTimer := range map[string]timerFunc{
		"ProposalDelayTimer": func(rt *epstate.StandardRoundTimer, ctx context.Context) (<-chan struct{}, func()) {
			return rt.ProposalDelayTimer(ctx, 1, 0)
		},
		"RoundTimer": func(rt *epstate.StandardRoundTimer, ctx context.Context) (<-chan struct{}, func()) {
			return rt.RoundTimer(ctx, 1, 0)
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Run("channel closed upon elapse", func(t *testing.T) {
				t.Parallel()

				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				rt := epstate.NewStandardRoundTimer(ctx, sShort)
				defer rt.Wait()
				defer cancel()

				ch, tCancel := getTimer(rt, ctx)
				defer tCancel()

				_ = gtest.ReceiveOrTimeout(t, ch, gtest.ScaleMs(50))
			})

			t.Run("channel not closed upon cancel", func(t *testing.T) {
				t.Parallel()

				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				rt := epstate.NewStandardRoundTimer(ctx, s25)
				defer rt.Wait()
				defer cancel()

				ch, tCancel := getTimer(rt, ctx)
				tCancel() // Immediate cancel.

				// Sleep longer than what would elapse.
				gtest.Sleep(gtest.ScaleMs(25 + 5))

				gtest.NotSending(t, ch)
			})
		})
	}

	t.Run("return values when context is cancelled", func(t *testing.T) {
		t.Parallel()

		mainTestDone := make(chan struct{})
		defer close(mainTestDone)

		go func() {
			timer := time.NewTimer(3 * time.Second) // Does not need scaled.
			defer timer.Stop()
			select {
			case <-mainTestDone:
				// Okay.
			case <-timer.C:
				panic(fmt.Errorf("test %q not completed within hardcoded 3s timeout", t.Name()))
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt := epstate.NewStandardRoundTimer(ctx, sShort)
		defer rt.Wait()
		cancel() // Not deferred -- immediately cancelled here.

		ch, tCancel := rt.ProposalDelayTimer(ctx, 1, 0)
		require.NotNil(t, tCancel)
		require.NotPanics(t, tCancel)
		require.Nil(t, ch)

		ch, tCancel = rt.RoundTimer(ctx, 1, 0)
		require.NotNil(t, tCancel)
		require.NotPanics(t, tCancel)
		require.Nil(t, ch)
	})

	t.Run("multiple calls", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt := epstate.NewStandardRoundTimer(ctx, sShort)
		defer rt.Wait()
		defer cancel()

		for r := uint32(0); r < 3; r++ {
			ch, tCancel := rt.ProposalDelayTimer(ctx, 1, r)
			_ = gtest.ReceiveSoon(t, ch)
			tCancel()

			ch, tCancel = rt.RoundTimer(ctx, 1, r)
			_ = gtest.ReceiveSoon(t, ch)
			tCancel()
		}
	})
}

func TestLinearTimeoutStrategy(t *testing.T) {
	t.Parallel()

	var zero epengine.LinearTimeoutStrategy
	require.Equal(t, 500*time.Millisecond, zero.ProposalDelay(1, 0))
	require.Equal(t, 700*time.Millisecond, zero.ProposalDelay(1, 2))
	require.Equal(t, 5*time.Second, zero.RoundTimeout(1, 0))
	require.Equal(t, 6*time.Second, zero.RoundTimeout(9, 2))

	s := epengine.LinearTimeoutStrategy{
		RoundBase:      time.Second,
		RoundIncrement: time.Second,
	}
	require.Equal(t, 4*time.Second, s.RoundTimeout(1, 3))
}
