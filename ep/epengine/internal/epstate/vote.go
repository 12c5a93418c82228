package epstate

import (
	"context"
	"fmt"
	"runtime/trace"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epctx"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/internal/glog"
)

func (k *Kernel) handleVote(ctx context.Context, s *kState, v epconsensus.Vote) error {
	defer trace.StartRegion(ctx, "handleVote").End()

	vt := v.Target
	if cur := s.currentEpoch(); vt.EpochID != cur {
		s.counters.StaleMessages++
		glog.ER(k.log, vt.EpochID, vt.Round).With(epctx.LogAttrs(ctx)...).Debug(
			"Ignoring stale vote",
			"err", epconsensus.StaleMessageError{Kind: epconsensus.KindVote, EpochID: vt.EpochID, Current: cur},
		)
		return nil
	}

	if roundTooFar(s, vt.Round) {
		s.counters.StaleMessages++
		glog.ER(k.log, vt.EpochID, vt.Round).With(epctx.LogAttrs(ctx)...).Debug(
			"Ignoring vote for round too far ahead", "current_round", s.round,
		)
		return nil
	}

	if v.VoterPubKey == nil {
		return epconsensus.ValidationError{Kind: epconsensus.KindVote, Reason: "missing voter key"}
	}
	idx, ok := k.vals.Index(v.VoterPubKey)
	if !ok {
		return epconsensus.ValidationError{Kind: epconsensus.KindVote, Reason: "voter is not a validator"}
	}

	return k.tallyVote(ctx, s, v, idx)
}

// tallyVote records v from the validator at idx,
// and forms and applies a quorum certificate if v completes one.
func (k *Kernel) tallyVote(ctx context.Context, s *kState, v epconsensus.Vote, idx int) error {
	vt := v.Target
	rv := s.roundVotes(vt.Round, k.vals.Len())

	if rv.voters.Test(uint(idx)) {
		// One vote per validator per round; later votes are ignored even if they differ.
		return nil
	}

	sp, ok := rv.byHash[vt.EpochHash]
	if !ok {
		msg, err := epconsensus.VoteSignBytes(vt, k.ss)
		if err != nil {
			return fmt.Errorf("failed to build vote signing content: %w", err)
		}
		sp = gcrypto.NewSignatureProof(msg, k.vals.PubKeys(), k.vals.PubKeyHash)
	}

	if err := sp.AddSignature(v.Signature, v.VoterPubKey); err != nil {
		return epconsensus.ValidationError{Kind: epconsensus.KindVote, Reason: "bad vote signature", Err: err}
	}

	// Only keep the proof once it holds a verified signature.
	rv.byHash[vt.EpochHash] = sp
	rv.voters.Set(uint(idx))

	if rv.certified[vt.EpochHash] {
		return nil
	}
	if k.vals.SignerPower(sp.SignatureBitSet()) < k.vals.Quorum() {
		return nil
	}

	rv.certified[vt.EpochHash] = true
	qc := epconsensus.ProofFromSignatures(vt, sp)

	glog.ER(k.log, vt.EpochID, vt.Round).Info(
		"Votes reached quorum",
		"hash", vt.EpochHash,
		"num_signatures", len(qc.Signatures),
	)

	if err := k.r.SendQC(ctx, qc); err != nil {
		s.counters.TransmitFailures++
		k.log.Warn("Failed to broadcast quorum certificate", "err", err)
	}

	return k.acceptQC(ctx, s, qc)
}

// castVote signs a vote for p, records it locally,
// and sends it to the round's proposer unless that is the local validator.
//
// Once the local validator has voted in an epoch,
// it only votes for the same content in later rounds.
func (k *Kernel) castVote(ctx context.Context, s *kState, p epconsensus.Proposal) error {
	if k.selfIdx < 0 || s.voted[p.Round] {
		return nil
	}

	vt := p.VoteTarget()
	log := glog.ER(k.log, vt.EpochID, vt.Round)

	if s.locked && s.lockedHash != vt.EpochHash {
		log.Info(
			"Not voting for proposal conflicting with locked content",
			"hash", vt.EpochHash,
			"locked_hash", s.lockedHash,
			"locked_round", s.lockedRound,
		)
		return nil
	}

	msg, err := epconsensus.VoteSignBytes(vt, k.ss)
	if err != nil {
		return fmt.Errorf("failed to build vote signing content: %w", err)
	}
	sig, err := k.signer.Sign(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to sign vote: %w", err)
	}

	s.voted[p.Round] = true
	if !s.locked {
		s.lock(vt.EpochHash, vt.Round)
	}
	s.phase = epconsensus.PhaseVoting

	v := epconsensus.Vote{Target: vt, VoterPubKey: k.signer.PubKey(), Signature: sig}

	proposer := k.vals.Proposer(vt.EpochID, vt.Round).Address()
	if proposer != k.selfAddr {
		if err := k.r.SendVote(ctx, v, proposer); err != nil {
			s.counters.TransmitFailures++
			log.Warn("Failed to send vote to proposer", "err", err)
		}
	}

	log.Debug("Voted", "hash", vt.EpochHash)
	return k.tallyVote(ctx, s, v, k.selfIdx)
}

func (k *Kernel) handleQC(ctx context.Context, s *kState, p epconsensus.Proof) error {
	defer trace.StartRegion(ctx, "handleQC").End()

	if cur := s.currentEpoch(); p.EpochID != cur {
		s.counters.StaleMessages++
		glog.ER(k.log, p.EpochID, p.Round).With(epctx.LogAttrs(ctx)...).Debug(
			"Ignoring stale quorum certificate",
			"err", epconsensus.StaleMessageError{Kind: epconsensus.KindQC, EpochID: p.EpochID, Current: cur},
		)
		return nil
	}

	if err := epconsensus.VerifyProof(p, k.vals, k.ss); err != nil {
		return err
	}

	return k.acceptQC(ctx, s, p)
}

// acceptQC commits the content certified by the verified proof p,
// or holds p until that content arrives.
func (k *Kernel) acceptQC(ctx context.Context, s *kState, p epconsensus.Proof) error {
	log := glog.ER(k.log, p.EpochID, p.Round)

	if s.commit != nil {
		if s.commit.hash != p.EpochHash {
			log.Warn(
				"Ignoring quorum certificate conflicting with epoch being committed",
				"hash", p.EpochHash, "committing_hash", s.commit.hash,
			)
		}
		return nil
	}

	if s.pendingQC != nil {
		if s.pendingQC.EpochHash != p.EpochHash {
			log.Warn(
				"Ignoring quorum certificate conflicting with held certificate",
				"hash", p.EpochHash, "held_hash", s.pendingQC.EpochHash,
			)
		}
		return nil
	}

	s.phase = epconsensus.PhaseCommitting

	content, ok := s.contents[p.EpochHash]
	if !ok {
		log.Info("Holding quorum certificate until its epoch content arrives", "hash", p.EpochHash)
		s.pendingQC = &p
		return nil
	}

	content.Proof = p
	s.commit = &pendingCommit{epoch: content, hash: p.EpochHash}
	return k.runCommit(ctx, s)
}

// maybeCommitPendingQC commits the held certificate if h is its content.
func (k *Kernel) maybeCommitPendingQC(ctx context.Context, s *kState, h epconsensus.Hash) error {
	if s.pendingQC == nil || s.pendingQC.EpochHash != h {
		return nil
	}

	p := *s.pendingQC
	s.pendingQC = nil
	return k.acceptQC(ctx, s, p)
}
