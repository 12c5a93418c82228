package epengine

import (
	"context"
	"errors"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine/internal/epstate"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/gwatchdog"
)

// Opt is an option for the Engine.
type Opt func(*Engine, *epstate.KernelConfig) error

// WithValidators sets the fixed validator set.
// This option is required.
func WithValidators(vs epconsensus.ValidatorSet) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		if vs.Len() == 0 {
			return errors.New("WithValidators: validator set must not be empty")
		}
		kc.Validators = vs
		return nil
	}
}

// WithSigner sets the engine's signer.
// If omitted or set to nil, the engine will never actively participate in consensus;
// it will only operate as an observer.
func WithSigner(s gcrypto.Signer) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		kc.Signer = s
		return nil
	}
}

// WithAdapter sets the mempool, executor, storage, and transmitter
// the engine drives.
// This option is required.
func WithAdapter(a epadapter.Adapter) Opt {
	return func(e *Engine, kc *epstate.KernelConfig) error {
		e.adapter = a
		kc.Adapter = a
		return nil
	}
}

// WithCodec sets the codec used to decode inbound messages and encode outbound ones.
// This option is required.
func WithCodec(c epcodec.MarshalCodec) Opt {
	return func(e *Engine, _ *epstate.KernelConfig) error {
		e.codec = c
		return nil
	}
}

// WithHashScheme sets the engine's hash scheme.
// This option is required.
func WithHashScheme(h epconsensus.HashScheme) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		kc.HashScheme = h
		return nil
	}
}

// WithSignatureScheme sets the engine's signature scheme.
// This option is required.
func WithSignatureScheme(s epconsensus.SignatureScheme) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		kc.SignatureScheme = s
		return nil
	}
}

// WithCycleLimit sets the total cycle budget of each proposed epoch.
// The default is [DefaultCycleLimit].
func WithCycleLimit(n uint64) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		kc.CycleLimit = n
		return nil
	}
}

// WithFutureWindow sets how many epochs ahead of the current epoch
// proposals are buffered instead of dropped.
// The default is [DefaultFutureWindow].
func WithFutureWindow(n uint64) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		kc.FutureWindow = n
		return nil
	}
}

// WithLastFinalized sets the epoch the engine resumes after.
// Without this option, the engine starts from the genesis state at epoch 0.
// The proof may be zero for epoch 0.
func WithLastFinalized(id uint64, hash epconsensus.Hash, proof epconsensus.Proof) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		if id == 0 && !proof.IsZero() {
			return errors.New("WithLastFinalized: genesis must not have a proof")
		}
		kc.LastFinalizedID = id
		kc.LastFinalizedHash = hash
		kc.LastFinalizedProof = proof
		return nil
	}
}

type roundTimer = epstate.RoundTimer

// WithInternalRoundTimer sets the round timer, an internal type to the engine's kernel.
// This is only intended for testing.
//
// Non-test usage should call [WithTimeoutStrategy] to use an exported type.
func WithInternalRoundTimer(rt roundTimer) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		kc.RoundTimer = rt
		return nil
	}
}

// WithTimeoutStrategy sets the timeout strategy
// for calculating round timeouts during consensus.
// The context value controls the lifecycle of the timer.
func WithTimeoutStrategy(ctx context.Context, s TimeoutStrategy) Opt {
	return WithInternalRoundTimer(epstate.NewStandardRoundTimer(ctx, s))
}

// WithWatchdog sets the engine's watchdog.
// This option is required.
// For tests, the caller may use [gwatchdog.NewNopWatchdog] to avoid creating unnecessary goroutines.
func WithWatchdog(wd *gwatchdog.Watchdog) Opt {
	return func(_ *Engine, kc *epstate.KernelConfig) error {
		kc.Watchdog = wd
		return nil
	}
}

// WithMetricsChannel sets the channel where the engine emits metrics.
func WithMetricsChannel(ch chan<- Metrics) Opt {
	return func(e *Engine, _ *epstate.KernelConfig) error {
		if cap(ch) != 0 {
			return errors.New("WithMetricsChannel: ch must be unbuffered")
		}
		e.metricsCh = ch
		return nil
	}
}
