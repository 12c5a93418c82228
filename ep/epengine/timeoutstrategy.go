package epengine

import "time"

// TimeoutStrategy informs the engine how to calculate timeouts.
// While the methods include an epoch parameter,
// the epoch is rarely used in calculating the duration.
// It is more of a mechanism to coordinate changing the timeouts
// after a certain epoch.
type TimeoutStrategy interface {
	// ProposalDelay is how long the round's proposer waits
	// before pulling transactions from the mempool.
	ProposalDelay(epochID uint64, round uint32) time.Duration

	// RoundTimeout is how long a round may run before it is abandoned.
	RoundTimeout(epochID uint64, round uint32) time.Duration
}

// LinearTimeoutStrategy provides timeout durations that increase linearly with round increases.
// If any of the provided values are zero, reasonable defaults are used.
type LinearTimeoutStrategy struct {
	ProposalDelayBase      time.Duration
	ProposalDelayIncrement time.Duration

	RoundBase      time.Duration
	RoundIncrement time.Duration
}

func (s LinearTimeoutStrategy) ProposalDelay(_ uint64, round uint32) time.Duration {
	b := s.ProposalDelayBase
	if b == 0 {
		b = 500 * time.Millisecond
	}
	i := s.ProposalDelayIncrement
	if i == 0 {
		i = 100 * time.Millisecond
	}
	return b + (time.Duration(round) * i)
}

func (s LinearTimeoutStrategy) RoundTimeout(_ uint64, round uint32) time.Duration {
	b := s.RoundBase
	if b == 0 {
		b = 5 * time.Second
	}
	i := s.RoundIncrement
	if i == 0 {
		i = 500 * time.Millisecond
	}
	return b + (time.Duration(round) * i)
}
