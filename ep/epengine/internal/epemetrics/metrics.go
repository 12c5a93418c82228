package epemetrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// Metrics is a point-in-time view of the engine kernel.
// This type is declared here, but aliased in [epengine].
type Metrics struct {
	LastFinalizedEpoch uint64

	CurrentEpoch uint64
	Round        uint32
	Phase        epconsensus.Phase

	// Counters since the engine started.
	Commits           uint64
	ValidationRejects uint64
	StaleMessages     uint64
	TransmitFailures  uint64
	RoundTimeouts     uint64
}

func (m Metrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("last_finalized", m.LastFinalizedEpoch),
		slog.String("current_er", fmt.Sprintf("%d/%d", m.CurrentEpoch, m.Round)),
		slog.String("phase", m.Phase.String()),
		slog.Uint64("commits", m.Commits),
		slog.Uint64("validation_rejects", m.ValidationRejects),
		slog.Uint64("stale_messages", m.StaleMessages),
		slog.Uint64("transmit_failures", m.TransmitFailures),
		slog.Uint64("round_timeouts", m.RoundTimeouts),
	)
}

// Collector forwards the most recent Metrics to an output channel
// without ever blocking the kernel.
// Intermediate values are dropped if the reader falls behind.
type Collector struct {
	inCh chan Metrics

	outCh chan<- Metrics

	done chan struct{}
}

func NewCollector(ctx context.Context, bufSize int, outCh chan<- Metrics) *Collector {
	c := &Collector{
		inCh: make(chan Metrics, bufSize),

		outCh: outCh,

		done: make(chan struct{}),
	}
	go c.background(ctx)
	return c
}

// Update records m as the newest value.
// It is a no-op when the input buffer is full.
func (c *Collector) Update(m Metrics) {
	select {
	case c.inCh <- m:
	default:
	}
}

func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) background(ctx context.Context) {
	defer close(c.done)

	var cur Metrics
	var outdated bool
	for {
		var outCh chan<- Metrics
		if outdated {
			outCh = c.outCh
		}

		select {
		case <-ctx.Done():
			return

		case m := <-c.inCh:
			cur = m
			outdated = true

		case outCh <- cur:
			outdated = false
		}
	}
}
