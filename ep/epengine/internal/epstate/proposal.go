package epstate

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/trace"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epctx"
	"github.com/gordian-engine/epoch/internal/glog"
)

// maxRoundLead is how far past the current round a message may be
// before the kernel stops tracking it.
const maxRoundLead = 100

// roundTooFar reports whether round is beyond what the kernel tracks
// for the current epoch.
func roundTooFar(s *kState, round uint32) bool {
	return round > s.round && round-s.round > maxRoundLead
}

func (k *Kernel) handleProposal(ctx context.Context, s *kState, p epconsensus.Proposal) error {
	defer trace.StartRegion(ctx, "handleProposal").End()

	id, cur := p.Epoch.ID(), s.currentEpoch()
	log := glog.ER(k.log, id, p.Round).With(epctx.LogAttrs(ctx)...)

	if id < cur {
		s.counters.StaleMessages++
		log.Debug(
			"Ignoring stale proposal",
			"err", epconsensus.StaleMessageError{Kind: epconsensus.KindProposal, EpochID: id, Current: cur},
		)
		return nil
	}

	if id > cur {
		return k.bufferFutureProposal(s, p, log)
	}

	if roundTooFar(s, p.Round) {
		err := epconsensus.ValidationError{
			Kind: epconsensus.KindProposal,
			Reason: fmt.Sprintf(
				"round %d is more than %d rounds past current round %d",
				p.Round, maxRoundLead, s.round,
			),
		}
		log.Debug("Rejecting proposal", "err", err)
		return err
	}

	if err := k.validateProposal(s, p); err != nil {
		log.Debug("Rejecting proposal", "err", err)
		return err
	}

	h := p.EpochHash

	if p.Round < s.round {
		// Too late to vote, but a certificate for this content may still arrive.
		s.contents[h] = p.Epoch.WithoutProof()
		return k.maybeCommitPendingQC(ctx, s, h)
	}

	if p.Round > s.round {
		log.Info("Jumping to round of valid proposal", "from_round", s.round)
		s.round = p.Round
		s.phase = epconsensus.PhaseIdle
		k.armTimer(ctx, s, timerRound)
	}

	if existing, ok := s.proposals[p.Round]; ok {
		if existing == h {
			return nil
		}
		return epconsensus.ValidationError{
			Kind: epconsensus.KindProposal,
			Reason: fmt.Sprintf(
				"conflicting proposal %s for epoch %d round %d, already have %s",
				h, id, p.Round, existing,
			),
		}
	}

	s.proposals[p.Round] = h
	s.contents[h] = p.Epoch.WithoutProof()
	if s.phase == epconsensus.PhaseIdle {
		s.phase = epconsensus.PhaseProposing
	}

	log.Debug("Accepted proposal", "hash", h, "num_txs", len(p.Epoch.OrderedTxHashes))

	if s.pendingQC != nil {
		// The certificate decides the epoch; voting is pointless.
		return k.maybeCommitPendingQC(ctx, s, h)
	}

	return k.castVote(ctx, s, p)
}

func (k *Kernel) bufferFutureProposal(s *kState, p epconsensus.Proposal, log *slog.Logger) error {
	id, cur := p.Epoch.ID(), s.currentEpoch()

	if id-cur > k.futureWindow {
		s.counters.StaleMessages++
		log.Debug(
			"Dropping proposal beyond future window",
			"current_epoch", cur, "window", k.futureWindow,
		)
		return nil
	}

	buf := s.future[id]
	if len(buf) >= 2*k.vals.Len() {
		log.Debug("Dropping future proposal; buffer for epoch is full")
		return nil
	}

	s.future[id] = append(buf, p)
	log.Debug("Buffered future proposal", "current_epoch", cur)
	return nil
}

// replayFutureProposals applies buffered proposals for the new current epoch
// and discards anything older.
func (k *Kernel) replayFutureProposals(ctx context.Context, s *kState) {
	cur := s.currentEpoch()
	for id := range s.future {
		if id < cur {
			delete(s.future, id)
		}
	}

	ps := s.future[cur]
	delete(s.future, cur)
	for _, p := range ps {
		if s.currentEpoch() != cur || s.haltErr != nil {
			// A replayed proposal completed a commit.
			return
		}
		if err := k.handleProposal(ctx, s, p); err != nil {
			glog.ERE(k.log, cur, p.Round, err).Debug("Buffered proposal rejected on replay")
		}
	}
}

// validateProposal checks p against the current epoch.
// Every failure is a ValidationError.
func (k *Kernel) validateProposal(s *kState, p epconsensus.Proposal) error {
	invalid := func(reason string, err error) error {
		return epconsensus.ValidationError{Kind: epconsensus.KindProposal, Reason: reason, Err: err}
	}

	e := p.Epoch
	if !e.Proof.IsZero() {
		return invalid("proposed epoch must not carry a proof", nil)
	}

	if e.Header.PrevHash != s.lastHash {
		return invalid(fmt.Sprintf(
			"previous hash %s does not match last finalized hash %s",
			e.Header.PrevHash, s.lastHash,
		), nil)
	}

	seen := make(map[epconsensus.Hash]struct{}, len(e.OrderedTxHashes))
	for _, h := range e.OrderedTxHashes {
		if _, dup := seen[h]; dup {
			return invalid("duplicate transaction "+h.String(), nil)
		}
		seen[h] = struct{}{}
	}

	root, err := k.hs.OrderRoot(e.OrderedTxHashes)
	if err != nil {
		return invalid("failed to calculate order root", err)
	}
	if root != e.Header.OrderRoot {
		return invalid("order root does not match ordered transactions", nil)
	}

	h, err := k.hs.Epoch(e)
	if err != nil {
		return invalid("failed to calculate epoch hash", err)
	}
	if h != p.EpochHash {
		return invalid(fmt.Sprintf("claimed hash %s does not match content hash %s", p.EpochHash, h), nil)
	}

	want := k.vals.Proposer(e.ID(), p.Round)
	if p.ProposerPubKey == nil || !want.PubKey.Equal(p.ProposerPubKey) {
		return invalid("not signed by the expected proposer for the round", nil)
	}
	// Content proposed again by a locked proposer keeps its original author.
	if !k.vals.ProposedThrough(e.ID(), p.Round, e.Header.Proposer) {
		return invalid("header names a validator that has not proposed in this epoch by this round", nil)
	}

	msg, err := epconsensus.ProposalSignBytes(e.ID(), p.Round, h, k.ss)
	if err != nil {
		return invalid("failed to build signing content", err)
	}
	if !p.ProposerPubKey.Verify(msg, p.Signature) {
		return invalid("bad proposer signature", nil)
	}

	return nil
}

// propose signs and broadcasts an epoch for the current round,
// and then applies it locally.
// A locked proposer proposes its locked content;
// otherwise a new epoch is built from the mempool.
func (k *Kernel) propose(ctx context.Context, s *kState) {
	defer trace.StartRegion(ctx, "propose").End()

	id, round := s.currentEpoch(), s.round
	log := glog.ER(k.log, id, round)

	// The round timer runs regardless of whether proposing succeeds.
	k.armTimer(ctx, s, timerRound)

	var e epconsensus.Epoch
	var h epconsensus.Hash
	if s.locked {
		var ok bool
		e, ok = s.contents[s.lockedHash]
		if !ok {
			panic(fmt.Errorf("BUG: no content for locked hash %s", s.lockedHash))
		}
		h = s.lockedHash
		log.Info(
			"Proposing locked epoch again",
			"hash", h,
			"num_txs", len(e.OrderedTxHashes),
			"locked_round", s.lockedRound,
		)
	} else {
		var ok bool
		e, h, ok = k.buildEpoch(ctx, s, log)
		if !ok {
			return
		}
	}

	msg, err := epconsensus.ProposalSignBytes(id, round, h, k.ss)
	if err != nil {
		log.Warn("Failed to build proposal signing content", "err", err)
		return
	}
	sig, err := k.signer.Sign(ctx, msg)
	if err != nil {
		log.Warn("Failed to sign proposal", "err", err)
		return
	}

	p := epconsensus.Proposal{
		Epoch:          e,
		Round:          round,
		EpochHash:      h,
		ProposerPubKey: k.signer.PubKey(),
		Signature:      sig,
	}

	if err := k.r.SendProposal(ctx, p); err != nil {
		s.counters.TransmitFailures++
		log.Warn("Failed to broadcast proposal", "err", err)
	}

	if err := k.handleProposal(ctx, s, p); err != nil {
		log.Warn("Failed to apply own proposal", "err", err)
	}
}

// buildEpoch orders transactions from the mempool into a new epoch
// for the current epoch ID.
// Failures are logged, and ok is false.
func (k *Kernel) buildEpoch(
	ctx context.Context, s *kState, log *slog.Logger,
) (e epconsensus.Epoch, h epconsensus.Hash, ok bool) {
	id := s.currentEpoch()

	mixed, err := k.a.GetTxsFromMempool(ctx, id, k.cycleLimit)
	if err != nil {
		log.Warn("Failed to get transactions from mempool; round will time out", "err", err)
		return e, h, false
	}

	root, err := k.hs.OrderRoot(mixed.OrderHashes)
	if err != nil {
		log.Warn("Failed to calculate order root", "err", err)
		return e, h, false
	}

	e = epconsensus.Epoch{
		Header: epconsensus.EpochHeader{
			ID:        id,
			PrevHash:  s.lastHash,
			OrderRoot: root,
			Proposer:  k.selfAddr,
		},
		OrderedTxHashes: mixed.OrderHashes,
	}

	h, err = k.hs.Epoch(e)
	if err != nil {
		log.Warn("Failed to calculate epoch hash", "err", err)
		return e, h, false
	}

	log.Info(
		"Proposing epoch",
		"hash", h,
		"num_txs", len(mixed.OrderHashes),
		"num_confirmed", len(mixed.ConfirmedHashes),
		"num_dropped", mixed.DroppedCount,
	)
	return e, h, true
}
