// Package epengine contains the epoch consensus engine.
//
// The engine accepts encoded proposals, votes, and quorum certificates from the network,
// and finalized epochs from state sync,
// and drives the mempool, executor, and storage adapter to commit each epoch in order.
package epengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine/internal/epemetrics"
	"github.com/gordian-engine/epoch/ep/epengine/internal/epstate"
	"github.com/gordian-engine/epoch/ep/eprouter"
	"github.com/gordian-engine/epoch/gexchange"
)

const (
	DefaultCycleLimit   uint64 = 10_000_000
	DefaultFutureWindow uint64 = 4
)

// Engine is the entrypoint to a working consensus engine.
type Engine struct {
	log *slog.Logger

	adapter epadapter.Adapter
	codec   epcodec.MarshalCodec

	metricsCh chan<- Metrics
	mc        *epemetrics.Collector

	k *epstate.Kernel
}

var _ epconsensus.Consensus = (*Engine)(nil)

func New(ctx context.Context, log *slog.Logger, opts ...Opt) (*Engine, error) {
	e := &Engine{
		log: log,
	}

	kc := epstate.KernelConfig{
		CycleLimit:   DefaultCycleLimit,
		FutureWindow: DefaultFutureWindow,
	}

	var err error
	for _, opt := range opts {
		err = errors.Join(err, opt(e, &kc))
	}
	if err != nil {
		return nil, err
	}

	if err := e.validateSettings(kc); err != nil {
		return nil, err
	}

	kc.Router = eprouter.New(e.adapter, e.codec)

	if e.metricsCh != nil {
		e.mc = epemetrics.NewCollector(ctx, 4, e.metricsCh)
		kc.MetricsCollector = e.mc
	}

	e.k, err = epstate.NewKernel(ctx, log.With("e_sys", "kernel"), kc)
	if err != nil {
		return e, fmt.Errorf("failed to instantiate kernel: %w", err)
	}

	return e, nil
}

func (e *Engine) Wait() {
	// The kernel may be nil if New failed.
	if e.k != nil {
		e.k.Wait()
	}
	if e.mc != nil {
		e.mc.Wait()
	}
}

func (e *Engine) validateSettings(kc epstate.KernelConfig) error {
	var err error

	if kc.Validators.Len() == 0 {
		err = errors.Join(err, errors.New("no validators set (use epengine.WithValidators)"))
	}

	if e.adapter == nil {
		err = errors.Join(err, errors.New("no adapter set (use epengine.WithAdapter)"))
	}

	if e.codec == nil {
		err = errors.Join(err, errors.New("no codec set (use epengine.WithCodec)"))
	}

	if kc.HashScheme == nil {
		err = errors.Join(err, errors.New("no hash scheme set (use epengine.WithHashScheme)"))
	}
	if kc.SignatureScheme == nil {
		err = errors.Join(err, errors.New("no signature scheme set (use epengine.WithSignatureScheme)"))
	}

	if kc.RoundTimer == nil {
		err = errors.Join(err, errors.New("no round timer set (use epengine.WithTimeoutStrategy)"))
	}

	if kc.Watchdog == nil {
		err = errors.Join(err, errors.New("no watchdog set (use epengine.WithWatchdog)"))
	}

	if kc.CycleLimit == 0 {
		err = errors.Join(err, errors.New("cycle limit must be positive (use epengine.WithCycleLimit)"))
	}

	return err
}

// SetProposal decodes and applies a proposal.
// A malformed or invalid proposal is a [epconsensus.ValidationError];
// a proposal for an already finalized epoch is ignored with a nil error.
func (e *Engine) SetProposal(ctx context.Context, proposal []byte) error {
	var p epconsensus.Proposal
	if err := e.codec.UnmarshalProposal(proposal, &p); err != nil {
		return epconsensus.ValidationError{Kind: epconsensus.KindProposal, Reason: "malformed proposal", Err: err}
	}
	return e.k.HandleProposal(ctx, p)
}

// SetVote decodes and applies a vote.
func (e *Engine) SetVote(ctx context.Context, vote []byte) error {
	var v epconsensus.Vote
	if err := e.codec.UnmarshalVote(vote, &v); err != nil {
		return epconsensus.ValidationError{Kind: epconsensus.KindVote, Reason: "malformed vote", Err: err}
	}
	return e.k.HandleVote(ctx, v)
}

// SetQC decodes and applies a quorum certificate.
// An invalid certificate never changes engine state.
func (e *Engine) SetQC(ctx context.Context, qc []byte) error {
	var p epconsensus.Proof
	if err := e.codec.UnmarshalProof(qc, &p); err != nil {
		return epconsensus.ValidationError{Kind: epconsensus.KindQC, Reason: "malformed quorum certificate", Err: err}
	}
	return e.k.HandleQC(ctx, p)
}

// UpdateEpoch applies an epoch finalized elsewhere, typically during state sync.
//
// An epoch at or below the last finalized epoch is a no-op.
// An epoch beyond the next expected epoch is rejected with [epconsensus.EpochGapError].
func (e *Engine) UpdateEpoch(
	ctx context.Context, epoch epconsensus.Epoch, signedTxs []epconsensus.SignedTransaction, proof epconsensus.Proof,
) error {
	return e.k.UpdateEpoch(ctx, epoch, signedTxs, proof)
}

// HandleMessage dispatches an encoded envelope received from the network
// and reports the feedback for the sending peer.
func (e *Engine) HandleMessage(ctx context.Context, msg []byte) (gexchange.Feedback, error) {
	err := eprouter.Deliver(ctx, e, e.codec, msg)
	return epconsensus.FeedbackForError(err), err
}

// State returns a copy of the engine's current consensus state.
func (e *Engine) State(ctx context.Context) (State, error) {
	return e.k.Snapshot(ctx)
}
