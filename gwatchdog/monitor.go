package gwatchdog

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

type MonitorConfig struct {
	// Subsystem name, used in logs and in [FailureToRespondError].
	Name string

	// Poll period, with a uniform jitter of [-Jitter, +Jitter).
	Interval, Jitter time.Duration

	// Time allowed both to accept a signal and to close its Alive channel.
	ResponseTimeout time.Duration
}

func (c MonitorConfig) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("Name must not be empty"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("Interval must be positive"))
	}
	if c.Jitter <= 0 {
		errs = append(errs, errors.New("Jitter must be positive"))
	}
	if c.Jitter > c.Interval {
		errs = append(errs, errors.New("Jitter must not exceed Interval"))
	}
	if c.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("ResponseTimeout must be positive"))
	}
	return errors.Join(errs...)
}

type monitor struct {
	log *slog.Logger
	cfg MonitorConfig

	sigCh  chan<- Signal
	cancel context.CancelCauseFunc
}

// run polls the subsystem until ctx finishes or a check fails.
// A failed check has already canceled the watchdog context.
func (m *monitor) run(ctx context.Context) {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	for {
		j := time.Duration(rng.Int64N(int64(2*m.cfg.Jitter))) - m.cfg.Jitter
		t := time.NewTimer(m.cfg.Interval + j)

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if !m.check(ctx) {
			return
		}
	}
}

func (m *monitor) check(ctx context.Context) bool {
	alive := make(chan struct{})
	deadline := time.NewTimer(m.cfg.ResponseTimeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return false
	case m.sigCh <- Signal{Alive: alive}:
	case <-deadline.C:
		m.fail("Subsystem did not accept watchdog signal in time")
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-alive:
		return true
	case <-deadline.C:
		// Both cases may have been ready; prefer the acknowledgement.
		select {
		case <-alive:
			return true
		default:
		}
		m.fail("Subsystem did not respond to watchdog signal in time")
		return false
	}
}

func (m *monitor) fail(msg string) {
	m.log.Warn(msg, "timeout", m.cfg.ResponseTimeout)
	m.cancel(FailureToRespondError{SubsystemName: m.cfg.Name})
}
