package epstate

import (
	"context"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine/internal/epemetrics"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/internal/glog"
)

type timerKind uint8

const (
	timerNone timerKind = iota
	timerProposalDelay
	timerRound
)

// kState is the kernel-owned state.
// It is only ever touched from the kernel goroutine.
type kState struct {
	phase epconsensus.Phase

	lastID    uint64
	lastHash  epconsensus.Hash
	lastProof epconsensus.Proof

	round uint32

	// Validated epoch content for the current epoch, by content hash.
	contents map[epconsensus.Hash]epconsensus.Epoch

	// Hash of the accepted proposal for each round of the current epoch.
	proposals map[uint32]epconsensus.Hash

	votes map[uint32]*roundVotes

	// Rounds in which the local validator has voted.
	voted map[uint32]bool

	// Set by the first local vote of the epoch.
	// Later rounds only get a local vote for the locked hash,
	// and a locked proposer proposes the locked content again.
	locked      bool
	lockedHash  epconsensus.Hash
	lockedRound uint32

	// Valid quorum certificate whose content has not arrived yet.
	pendingQC *epconsensus.Proof

	commit *pendingCommit

	// Proposals for epochs after the current one, replayed on arrival at that epoch.
	future map[uint64][]epconsensus.Proposal

	// Set once a storage failure has halted the kernel.
	haltErr error

	timerKind   timerKind
	timerCh     <-chan struct{}
	timerCancel func()

	counters epemetrics.Metrics
}

// roundVotes tallies the votes of a single round.
type roundVotes struct {
	// Validator indices that have voted in this round, for any hash.
	voters *bitset.BitSet

	byHash map[epconsensus.Hash]*gcrypto.SignatureProof

	// Hashes for which a quorum certificate has already been formed.
	certified map[epconsensus.Hash]bool
}

func newKState(lastID uint64, lastHash epconsensus.Hash, lastProof epconsensus.Proof) *kState {
	s := &kState{
		lastID:    lastID,
		lastHash:  lastHash,
		lastProof: lastProof,

		future: make(map[uint64][]epconsensus.Proposal),
	}
	s.resetEpoch()
	return s
}

func (s *kState) currentEpoch() uint64 {
	return s.lastID + 1
}

// resetEpoch clears all round state, for the start of a new epoch.
func (s *kState) resetEpoch() {
	s.phase = epconsensus.PhaseIdle
	s.round = 0
	s.contents = make(map[epconsensus.Hash]epconsensus.Epoch)
	s.proposals = make(map[uint32]epconsensus.Hash)
	s.votes = make(map[uint32]*roundVotes)
	s.voted = make(map[uint32]bool)
	s.unlock()
	s.pendingQC = nil
	s.commit = nil
}

func (s *kState) lock(h epconsensus.Hash, round uint32) {
	s.locked = true
	s.lockedHash = h
	s.lockedRound = round
}

func (s *kState) unlock() {
	s.locked = false
	s.lockedHash = epconsensus.Hash{}
	s.lockedRound = 0
}

func (s *kState) roundVotes(round uint32, nVals int) *roundVotes {
	rv, ok := s.votes[round]
	if !ok {
		rv = &roundVotes{
			voters:    bitset.New(uint(nVals)),
			byHash:    make(map[epconsensus.Hash]*gcrypto.SignatureProof),
			certified: make(map[epconsensus.Hash]bool),
		}
		s.votes[round] = rv
	}
	return rv
}

func (s *kState) cancelTimer() {
	if s.timerCancel != nil {
		s.timerCancel()
	}
	s.timerKind = timerNone
	s.timerCh = nil
	s.timerCancel = nil
}

func (s *kState) snapshot() Snapshot {
	return Snapshot{
		Phase: s.phase,

		CurrentEpoch: s.currentEpoch(),
		Round:        s.round,

		LastFinalizedEpoch: s.lastID,
		LastFinalizedHash:  s.lastHash,
		LastFinalizedProof: s.lastProof,

		CommitPending: s.commit != nil,
		Halted:        s.haltErr != nil,
	}
}

// armTimer replaces any active timer with a timer of the given kind
// for the current epoch and round.
func (k *Kernel) armTimer(ctx context.Context, s *kState, kind timerKind) {
	s.cancelTimer()

	e, r := s.currentEpoch(), s.round
	switch kind {
	case timerProposalDelay:
		s.timerCh, s.timerCancel = k.rt.ProposalDelayTimer(ctx, e, r)
	case timerRound:
		s.timerCh, s.timerCancel = k.rt.RoundTimer(ctx, e, r)
	default:
		panic("BUG: armTimer called with timerNone")
	}
	s.timerKind = kind
}

// enterRound starts the current round: the proposer waits for the proposal delay,
// and everyone else waits for a proposal until the round times out.
func (k *Kernel) enterRound(ctx context.Context, s *kState) {
	s.phase = epconsensus.PhaseIdle

	if k.isProposer(s) {
		glog.ER(k.log, s.currentEpoch(), s.round).Debug("Entering round as proposer")
		k.armTimer(ctx, s, timerProposalDelay)
		return
	}

	k.armTimer(ctx, s, timerRound)
}

// advanceRound abandons the current round.
// Proposals and votes already seen are kept,
// since a quorum certificate for an earlier round remains valid.
//
// At the last representable round the kernel keeps waiting in that round
// for a certificate or a synced epoch.
func (k *Kernel) advanceRound(ctx context.Context, s *kState) {
	if s.round == math.MaxUint32 {
		glog.ER(k.log, s.currentEpoch(), s.round).Error("Round limit reached; not advancing further")
		k.armTimer(ctx, s, timerRound)
		return
	}
	s.round++
	k.enterRound(ctx, s)
}
