// Package epstate holds the engine kernel:
// the single goroutine that owns all round state for the current epoch.
package epstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine/internal/epemetrics"
	"github.com/gordian-engine/epoch/ep/eprouter"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/gwatchdog"
	"github.com/gordian-engine/epoch/internal/gchan"
	"github.com/gordian-engine/epoch/internal/glog"
)

// Kernel serializes every consensus operation through one goroutine.
// Callers block on the exported methods until the kernel has fully handled the request,
// including any commit pipeline the request triggered.
type Kernel struct {
	log *slog.Logger

	vals epconsensus.ValidatorSet

	signer   gcrypto.Signer
	selfIdx  int
	selfAddr epconsensus.Address

	a epadapter.Adapter
	r *eprouter.Router

	hs epconsensus.HashScheme
	ss epconsensus.SignatureScheme

	rt RoundTimer
	wd *gwatchdog.Watchdog
	mc *epemetrics.Collector

	// Set before the watchdog is told to terminate,
	// so that requests racing the kernel shutdown report the halt.
	halted atomic.Bool

	cycleLimit   uint64
	futureWindow uint64

	proposalRequests chan proposalRequest
	voteRequests     chan voteRequest
	qcRequests       chan qcRequest
	updateRequests   chan updateRequest
	snapshotRequests chan chan Snapshot

	done chan struct{}
}

// KernelConfig is the set of values required to start a [Kernel].
type KernelConfig struct {
	Validators epconsensus.ValidatorSet

	// Optional. Without a signer, or with a signer outside Validators,
	// the kernel follows consensus but never proposes or votes.
	Signer gcrypto.Signer

	Adapter epadapter.Adapter
	Router  *eprouter.Router

	HashScheme      epconsensus.HashScheme
	SignatureScheme epconsensus.SignatureScheme

	RoundTimer RoundTimer
	Watchdog   *gwatchdog.Watchdog

	// Optional.
	MetricsCollector *epemetrics.Collector

	// Total cycle budget of a proposed epoch.
	CycleLimit uint64

	// Number of epochs past the current one
	// for which proposals are buffered.
	FutureWindow uint64

	LastFinalizedID    uint64
	LastFinalizedHash  epconsensus.Hash
	LastFinalizedProof epconsensus.Proof
}

// Snapshot is a copy of the externally visible kernel state.
type Snapshot struct {
	Phase epconsensus.Phase

	CurrentEpoch uint64
	Round        uint32

	LastFinalizedEpoch uint64
	LastFinalizedHash  epconsensus.Hash
	LastFinalizedProof epconsensus.Proof

	// A commit was interrupted and will resume on the next operation.
	CommitPending bool

	// A storage failure stopped the kernel.
	Halted bool
}

type proposalRequest struct {
	Ctx      context.Context
	Proposal epconsensus.Proposal
	Resp     chan error
}

type voteRequest struct {
	Ctx  context.Context
	Vote epconsensus.Vote
	Resp chan error
}

type qcRequest struct {
	Ctx   context.Context
	Proof epconsensus.Proof
	Resp  chan error
}

type updateRequest struct {
	Ctx   context.Context
	Epoch epconsensus.Epoch
	Txs   []epconsensus.SignedTransaction
	Proof epconsensus.Proof
	Resp  chan error
}

// NewKernel validates cfg and starts the kernel goroutine.
// The kernel runs until ctx is cancelled.
func NewKernel(ctx context.Context, log *slog.Logger, cfg KernelConfig) (*Kernel, error) {
	if cfg.Validators.Len() == 0 {
		return nil, errors.New("validator set must not be empty")
	}
	if !cfg.LastFinalizedProof.IsZero() && cfg.LastFinalizedProof.EpochID != cfg.LastFinalizedID {
		return nil, fmt.Errorf(
			"last finalized proof is for epoch %d, not %d",
			cfg.LastFinalizedProof.EpochID, cfg.LastFinalizedID,
		)
	}

	k := &Kernel{
		log: log,

		vals: cfg.Validators,

		signer:  cfg.Signer,
		selfIdx: -1,

		a: cfg.Adapter,
		r: cfg.Router,

		hs: cfg.HashScheme,
		ss: cfg.SignatureScheme,

		rt: cfg.RoundTimer,
		wd: cfg.Watchdog,
		mc: cfg.MetricsCollector,

		cycleLimit:   cfg.CycleLimit,
		futureWindow: cfg.FutureWindow,

		proposalRequests: make(chan proposalRequest),
		voteRequests:     make(chan voteRequest),
		qcRequests:       make(chan qcRequest),
		updateRequests:   make(chan updateRequest),
		snapshotRequests: make(chan chan Snapshot),

		done: make(chan struct{}),
	}

	if k.signer == nil {
		k.log.Info("Kernel starting with nil signer; can never participate in consensus")
	} else if idx, ok := k.vals.Index(k.signer.PubKey()); ok {
		k.selfIdx = idx
		k.selfAddr = epconsensus.AddressFromPubKey(k.signer.PubKey())
	} else {
		k.log.Warn("Signer is not in the validator set; kernel will only follow consensus")
	}

	s := newKState(cfg.LastFinalizedID, cfg.LastFinalizedHash, cfg.LastFinalizedProof)

	go k.kernel(ctx, s)

	return k, nil
}

func (k *Kernel) Wait() {
	<-k.done
}

// HandleProposal applies a decoded proposal.
func (k *Kernel) HandleProposal(ctx context.Context, p epconsensus.Proposal) error {
	req := proposalRequest{Ctx: ctx, Proposal: p, Resp: make(chan error, 1)}
	return handle(ctx, k, k.proposalRequests, req, req.Resp)
}

// HandleVote applies a decoded vote.
func (k *Kernel) HandleVote(ctx context.Context, v epconsensus.Vote) error {
	req := voteRequest{Ctx: ctx, Vote: v, Resp: make(chan error, 1)}
	return handle(ctx, k, k.voteRequests, req, req.Resp)
}

// HandleQC applies a decoded quorum certificate.
func (k *Kernel) HandleQC(ctx context.Context, p epconsensus.Proof) error {
	req := qcRequest{Ctx: ctx, Proof: p, Resp: make(chan error, 1)}
	return handle(ctx, k, k.qcRequests, req, req.Resp)
}

// UpdateEpoch applies an epoch finalized elsewhere.
func (k *Kernel) UpdateEpoch(
	ctx context.Context, e epconsensus.Epoch, txs []epconsensus.SignedTransaction, p epconsensus.Proof,
) error {
	req := updateRequest{Ctx: ctx, Epoch: e, Txs: txs, Proof: p, Resp: make(chan error, 1)}
	return handle(ctx, k, k.updateRequests, req, req.Resp)
}

// Snapshot returns the current kernel state.
func (k *Kernel) Snapshot(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	return request(ctx, k, k.snapshotRequests, resp, resp)
}

// handle sends req to the kernel and waits for the handler's result.
func handle[T any](ctx context.Context, k *Kernel, reqCh chan<- T, req T, resp <-chan error) error {
	err, reqErr := request(ctx, k, reqCh, req, resp)
	if reqErr != nil {
		return reqErr
	}
	return err
}

// request is like [gchan.ReqResp],
// but it also gives up once the kernel goroutine has stopped.
func request[T, U any](ctx context.Context, k *Kernel, reqCh chan<- T, req T, resp <-chan U) (U, error) {
	var zero U
	select {
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	case <-k.done:
		return zero, k.stoppedErr()
	case reqCh <- req:
	}

	// An accepted request is always answered.
	u, ok := gchan.RecvC(ctx, k.log, resp, "waiting for kernel response")
	if !ok {
		return zero, context.Cause(ctx)
	}
	return u, nil
}

func (k *Kernel) stoppedErr() error {
	if k.halted.Load() {
		return epconsensus.StorageError{Stage: "halted", Err: epconsensus.ErrEngineHalted}
	}
	return ErrKernelStopped
}

// ErrKernelStopped is returned for requests made after the kernel's context was cancelled.
var ErrKernelStopped = errors.New("kernel stopped")

func (k *Kernel) kernel(ctx context.Context, s *kState) {
	defer close(k.done)

	ctx, task := trace.NewTask(ctx, "Kernel.kernel")
	defer task.End()

	defer s.cancelTimer()

	wSig := k.wd.Monitor(ctx, gwatchdog.MonitorConfig{
		Name:     "Epoch kernel",
		Interval: 10 * time.Second, Jitter: time.Second,
		// Commits run on the kernel goroutine and may block on storage.
		ResponseTimeout: 30 * time.Second,
	})

	k.enterRound(ctx, s)
	k.updateMetrics(s)

	for {
		select {
		case <-ctx.Done():
			k.log.Info(
				"Kernel stopping",
				"cause", context.Cause(ctx),
				"current_epoch", s.currentEpoch(),
				"round", s.round,
				"phase", s.phase,
			)
			return

		case req := <-k.proposalRequests:
			req.Resp <- k.serve(req.Ctx, s, true, func(ctx context.Context) error {
				return k.handleProposal(ctx, s, req.Proposal)
			})

		case req := <-k.voteRequests:
			req.Resp <- k.serve(req.Ctx, s, true, func(ctx context.Context) error {
				return k.handleVote(ctx, s, req.Vote)
			})

		case req := <-k.qcRequests:
			req.Resp <- k.serve(req.Ctx, s, true, func(ctx context.Context) error {
				return k.handleQC(ctx, s, req.Proof)
			})

		case req := <-k.updateRequests:
			// A sync of the pending content resumes the pending commit itself.
			req.Resp <- k.serve(req.Ctx, s, false, func(ctx context.Context) error {
				return k.handleUpdateEpoch(ctx, s, req.Epoch, req.Txs, req.Proof)
			})

		case <-s.timerCh:
			k.handleTimer(ctx, s)

		case resp := <-k.snapshotRequests:
			resp <- s.snapshot()

		case sig := <-wSig:
			close(sig.Alive)
		}

		k.updateMetrics(s)
	}
}

// serve runs fn on behalf of a caller,
// after resuming any interrupted commit when resume is set.
func (k *Kernel) serve(ctx context.Context, s *kState, resume bool, fn func(context.Context) error) error {
	if s.haltErr != nil {
		return epconsensus.StorageError{
			Stage:   "halted",
			EpochID: s.currentEpoch(),
			Err:     epconsensus.ErrEngineHalted,
		}
	}

	if resume && s.commit != nil {
		if err := k.runCommit(ctx, s); err != nil {
			return err
		}
	}

	err := fn(ctx)
	if epconsensus.IsValidationError(err) {
		s.counters.ValidationRejects++
	}
	return err
}

func (k *Kernel) handleTimer(ctx context.Context, s *kState) {
	defer trace.StartRegion(ctx, "handleTimer").End()

	kind := s.timerKind
	s.cancelTimer()

	if s.haltErr != nil {
		return
	}

	// An interrupted commit takes priority over the round lifecycle.
	if s.commit != nil {
		if err := k.runCommit(ctx, s); err != nil {
			k.log.Warn("Failed to resume commit on timer", "err", err)
		}
		if s.commit != nil && s.haltErr == nil {
			k.armTimer(ctx, s, timerRound)
		}
		return
	}

	switch kind {
	case timerProposalDelay:
		k.propose(ctx, s)

	case timerRound:
		s.counters.RoundTimeouts++
		glog.ER(k.log, s.currentEpoch(), s.round).Info("Round timed out", "phase", s.phase)
		k.advanceRound(ctx, s)

	default:
		panic(fmt.Errorf("BUG: timer elapsed with unknown kind %d", kind))
	}
}

func (k *Kernel) updateMetrics(s *kState) {
	if k.mc == nil {
		return
	}

	m := s.counters
	m.LastFinalizedEpoch = s.lastID
	m.CurrentEpoch = s.currentEpoch()
	m.Round = s.round
	m.Phase = s.phase
	k.mc.Update(m)
}

// isProposer reports whether the local validator proposes the current round.
func (k *Kernel) isProposer(s *kState) bool {
	if k.selfIdx < 0 {
		return false
	}
	return k.vals.Proposer(s.currentEpoch(), s.round).Address() == k.selfAddr
}
