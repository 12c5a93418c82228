package epengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/epoch/ep/epadapter/epadaptertest"
	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/gordian-engine/epoch/ep/epengine/epenginetest"
	"github.com/gordian-engine/epoch/gexchange"
	"github.com/gordian-engine/epoch/gwatchdog"
	"github.com/gordian-engine/epoch/internal/gtest"
	"github.com/stretchr/testify/require"
)

// startEngine starts an engine from opts and waits until it has armed
// the round timer for epoch e round 0.
// The engine is stopped and waited on test cleanup.
func startEngine(
	t *testing.T, efx *epenginetest.Fixture, cancel context.CancelFunc, e uint64, opts epenginetest.OptionMap,
) *epengine.Engine {
	t.Helper()

	started := efx.RoundTimer.RoundStartNotification(e, 0)

	engine := efx.MustNewEngine(opts.ToSlice()...)
	t.Cleanup(func() {
		cancel()
		engine.Wait()
	})

	_ = gtest.ReceiveSoon(t, started)
	return engine
}

func mustMarshalProposal(t *testing.T, efx *epenginetest.Fixture, p epconsensus.Proposal) []byte {
	t.Helper()
	b, err := efx.Codec.MarshalProposal(p)
	require.NoError(t, err)
	return b
}

func mustMarshalVote(t *testing.T, efx *epenginetest.Fixture, v epconsensus.Vote) []byte {
	t.Helper()
	b, err := efx.Codec.MarshalVote(v)
	require.NoError(t, err)
	return b
}

func mustMarshalProof(t *testing.T, efx *epenginetest.Fixture, p epconsensus.Proof) []byte {
	t.Helper()
	b, err := efx.Codec.MarshalProof(p)
	require.NoError(t, err)
	return b
}

func decodeEnvelope(t *testing.T, efx *epenginetest.Fixture, tr epadaptertest.Transmission) epcodec.Envelope {
	t.Helper()
	var env epcodec.Envelope
	require.NoError(t, efx.Codec.UnmarshalEnvelope(tr.Msg, &env))
	return env
}

// sentVotes decodes every vote the engine has transmitted so far.
func sentVotes(t *testing.T, efx *epenginetest.Fixture) []epconsensus.Vote {
	t.Helper()
	var out []epconsensus.Vote
	for _, tr := range efx.Adapter.Transmissions() {
		env := decodeEnvelope(t, efx, tr)
		if env.Kind != epconsensus.KindVote {
			continue
		}
		var v epconsensus.Vote
		require.NoError(t, efx.Codec.UnmarshalVote(env.Payload, &v))
		out = append(out, v)
	}
	return out
}

// lastSentProposal decodes the most recent proposal the engine has transmitted.
func lastSentProposal(t *testing.T, efx *epenginetest.Fixture) epconsensus.Proposal {
	t.Helper()
	trs := efx.Adapter.Transmissions()
	for i := len(trs) - 1; i >= 0; i-- {
		env := decodeEnvelope(t, efx, trs[i])
		if env.Kind != epconsensus.KindProposal {
			continue
		}
		var p epconsensus.Proposal
		require.NoError(t, efx.Codec.UnmarshalProposal(env.Payload, &p))
		return p
	}
	t.Fatal("no proposal transmitted")
	return epconsensus.Proposal{}
}

func requireState(t *testing.T, engine *epengine.Engine) epengine.State {
	t.Helper()
	s, err := engine.State(context.Background())
	require.NoError(t, err)
	return s
}

func TestEngine_New_missingOptions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)

	_, err := epengine.New(ctx, efx.Log)
	require.Error(t, err)
	require.ErrorContains(t, err, "no validators set (use epengine.WithValidators)")
	require.ErrorContains(t, err, "no adapter set (use epengine.WithAdapter)")
	require.ErrorContains(t, err, "no watchdog set (use epengine.WithWatchdog)")

	_, err = epengine.New(ctx, efx.Log, epengine.WithMetricsChannel(make(chan epengine.Metrics, 1)))
	require.ErrorContains(t, err, "ch must be unbuffered")
}

// Epoch 5 is finalized; epoch 6 is proposed, voted to quorum, and committed.
func TestEngine_commitAfterFive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx

	chain, _ := fx.FinalizedChain(5, 1)
	last := chain[4]
	lastHash := fx.EpochHash(last)

	const selfIdx = 0
	require.NotEqual(t, selfIdx, fx.ProposerIndex(6, 0))

	opts := efx.SigningOptionMap(selfIdx)
	opts["WithLastFinalized"] = epengine.WithLastFinalized(5, lastHash, last.Proof)
	engine := startEngine(t, efx, cancel, 6, opts)

	s := requireState(t, engine)
	require.Equal(t, uint64(5), s.LastFinalizedEpoch)
	require.Equal(t, uint64(6), s.CurrentEpoch)
	require.Equal(t, epconsensus.PhaseIdle, s.Phase)

	txs := fx.NewTxs("e6", 3, 10)
	efx.Adapter.AddTxs(txs...)

	e6 := fx.NewEpoch(6, lastHash, 0, txs)
	p := fx.Proposal(e6, 0, fx.ProposerIndex(6, 0))
	vt := p.VoteTarget()

	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))

	t.Run("vote sent only to proposer", func(t *testing.T) {
		tr := gtest.ReceiveSoon(t, efx.Adapter.Transmitted())
		addr, ok := tr.Target.Address()
		require.True(t, ok)
		require.Equal(t, fx.ValSet.Proposer(6, 0).Address(), addr)

		env := decodeEnvelope(t, efx, tr)
		require.Equal(t, epconsensus.KindVote, env.Kind)

		var v epconsensus.Vote
		require.NoError(t, efx.Codec.UnmarshalVote(env.Payload, &v))
		require.Equal(t, vt, v.Target)
		require.True(t, v.VoterPubKey.Equal(fx.Signers[selfIdx].PubKey()))

		require.Equal(t, epconsensus.PhaseVoting, requireState(t, engine).Phase)
	})

	efx.Adapter.ResetCalls()

	// With our own vote, two more reach quorum of 3.
	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 1))))
	require.Empty(t, efx.Adapter.Calls())

	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 3))))

	t.Run("pipeline order", func(t *testing.T) {
		require.Equal(t, epadaptertest.PipelineOps, efx.Adapter.CallsExcept(epadaptertest.OpTransmit))

		// The quorum certificate is broadcast before committing.
		calls := efx.Adapter.Calls()
		require.Equal(t, epadaptertest.OpTransmit, calls[0])
	})

	t.Run("quorum certificate broadcast", func(t *testing.T) {
		tr := gtest.ReceiveSoon(t, efx.Adapter.Transmitted())
		require.True(t, tr.Target.IsBroadcast())

		env := decodeEnvelope(t, efx, tr)
		require.Equal(t, epconsensus.KindQC, env.Kind)

		var qc epconsensus.Proof
		require.NoError(t, efx.Codec.UnmarshalProof(env.Payload, &qc))
		require.Equal(t, vt, qc.Target())
		require.NoError(t, epconsensus.VerifyProof(qc, fx.ValSet, fx.SignatureScheme))
	})

	t.Run("persisted values", func(t *testing.T) {
		saved := efx.Adapter.SavedEpochs()
		require.Len(t, saved, 1)
		require.True(t, saved[0].ContentEqual(e6))
		require.Equal(t, vt, saved[0].Proof.Target())

		receipts := efx.Adapter.SavedReceipts()
		require.Len(t, receipts, 1)
		require.Len(t, receipts[0], 3)
		for i, r := range receipts[0] {
			require.Equal(t, uint64(6), r.EpochID)
			require.Equal(t, txs[i].Hash, r.TxHash)
		}

		require.Equal(t, [][]epconsensus.SignedTransaction{txs}, efx.Adapter.SavedTxs())
		require.Equal(t, [][]epconsensus.Hash{epconsensus.TxHashes(txs)}, efx.Adapter.Flushed())
	})

	s = requireState(t, engine)
	require.Equal(t, uint64(6), s.LastFinalizedEpoch)
	require.Equal(t, fx.EpochHash(e6), s.LastFinalizedHash)
	require.Equal(t, uint64(7), s.CurrentEpoch)
	require.Zero(t, s.Round)
	require.Equal(t, epconsensus.PhaseIdle, s.Phase)
	require.False(t, s.CommitPending)

	efx.RoundTimer.RequireActiveRoundTimer(t, 7, 0)
}

func TestEngine_staleVote(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx

	chain, _ := fx.FinalizedChain(5, 0)
	opts := efx.SigningOptionMap(0)
	opts["WithLastFinalized"] = epengine.WithLastFinalized(5, fx.EpochHash(chain[4]), chain[4].Proof)
	engine := startEngine(t, efx, cancel, 6, opts)

	before := requireState(t, engine)
	require.Equal(t, uint64(6), before.CurrentEpoch)

	vt := epconsensus.VoteTarget{EpochID: 4, EpochHash: fx.EpochHash(chain[3])}
	err := engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 1)))
	require.NoError(t, err)
	require.Equal(t, gexchange.FeedbackAccepted, epconsensus.FeedbackForError(err))

	require.Equal(t, before, requireState(t, engine))
	require.Empty(t, efx.Adapter.Calls())
}

func TestEngine_invalidQuorumQC(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx

	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	e1 := fx.NewEpoch(1, epconsensus.Hash{}, 0, nil)
	p := fx.Proposal(e1, 0, fx.ProposerIndex(1, 0))
	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))

	before := requireState(t, engine)

	// Two of four is below quorum.
	qc := fx.Proof(p.VoteTarget(), 0, 1)
	err := engine.SetQC(ctx, mustMarshalProof(t, efx, qc))

	var ve epconsensus.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, epconsensus.KindQC, ve.Kind)

	var qe epconsensus.QuorumNotMetError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, uint64(2), qe.Have)
	require.Equal(t, uint64(3), qe.Want)

	require.Equal(t, gexchange.FeedbackRejected, epconsensus.FeedbackForError(err))

	require.Equal(t, before, requireState(t, engine))
	require.Empty(t, efx.Adapter.Calls())
}

func TestEngine_conflictingQCs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx

	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	txsA := fx.NewTxs("a", 2, 1)
	txsB := fx.NewTxs("b", 2, 1)
	efx.Adapter.AddTxs(txsA...)
	efx.Adapter.AddTxs(txsB...)

	pA := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, txsA), 0, fx.ProposerIndex(1, 0))
	pB := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 1, txsB), 1, fx.ProposerIndex(1, 1))
	require.NotEqual(t, pA.EpochHash, pB.EpochHash)

	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, pA)))

	// The later round's proposal moves the engine forward.
	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, pB)))
	require.Equal(t, uint32(1), requireState(t, engine).Round)

	qcB := fx.Proof(pB.VoteTarget(), fx.QuorumIdxs()...)
	require.NoError(t, engine.SetQC(ctx, mustMarshalProof(t, efx, qcB)))

	s := requireState(t, engine)
	require.Equal(t, uint64(1), s.LastFinalizedEpoch)
	require.Equal(t, pB.EpochHash, s.LastFinalizedHash)

	efx.Adapter.ResetCalls()

	// The competing certificate is for an already finalized epoch.
	qcA := fx.Proof(pA.VoteTarget(), fx.QuorumIdxs()...)
	require.NoError(t, engine.SetQC(ctx, mustMarshalProof(t, efx, qcA)))

	require.Empty(t, efx.Adapter.Calls())
	require.Equal(t, s, requireState(t, engine))

	saved := efx.Adapter.SavedEpochs()
	require.Len(t, saved, 1)
	require.Equal(t, epconsensus.TxHashes(txsB), saved[0].OrderedTxHashes)
}

func TestEngine_UpdateEpoch(t *testing.T) {
	t.Parallel()

	t.Run("twice is a no-op", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		efx := epenginetest.NewFixture(ctx, t, 4)
		fx := efx.Fx
		engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

		chain, txs := fx.FinalizedChain(2, 2)

		require.NoError(t, engine.UpdateEpoch(ctx, chain[0], txs[0], chain[0].Proof))
		require.Equal(t, epadaptertest.SyncPipelineOps, efx.Adapter.Calls())

		s := requireState(t, engine)
		require.Equal(t, uint64(1), s.LastFinalizedEpoch)

		efx.Adapter.ResetCalls()
		require.NoError(t, engine.UpdateEpoch(ctx, chain[0], txs[0], chain[0].Proof))
		require.Empty(t, efx.Adapter.Calls())
		require.Equal(t, s, requireState(t, engine))

		require.NoError(t, engine.UpdateEpoch(ctx, chain[1], txs[1], chain[1].Proof))
		require.Equal(t, epadaptertest.SyncPipelineOps, efx.Adapter.Calls())
		require.Equal(t, uint64(2), requireState(t, engine).LastFinalizedEpoch)
	})

	t.Run("gap is rejected", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		efx := epenginetest.NewFixture(ctx, t, 4)
		fx := efx.Fx
		engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

		chain, txs := fx.FinalizedChain(3, 1)

		err := engine.UpdateEpoch(ctx, chain[2], txs[2], chain[2].Proof)
		var ge epconsensus.EpochGapError
		require.ErrorAs(t, err, &ge)
		require.Equal(t, epconsensus.EpochGapError{LastFinalized: 0, Got: 3}, ge)
		require.True(t, epconsensus.IsValidationError(err))

		require.Empty(t, efx.Adapter.Calls())
	})

	t.Run("invalid inputs", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		efx := epenginetest.NewFixture(ctx, t, 4)
		fx := efx.Fx
		engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

		chain, txs := fx.FinalizedChain(1, 2)
		e, p := chain[0], chain[0].Proof

		// Proof for other content.
		other := fx.NewEpoch(1, epconsensus.Hash{}, 0, nil)
		otherProof := fx.Proof(epconsensus.VoteTarget{EpochID: 1, EpochHash: fx.EpochHash(other)}, fx.QuorumIdxs()...)
		require.True(t, epconsensus.IsValidationError(engine.UpdateEpoch(ctx, e, txs[0], otherProof)))

		// Transactions out of order.
		swapped := []epconsensus.SignedTransaction{txs[0][1], txs[0][0]}
		require.True(t, epconsensus.IsValidationError(engine.UpdateEpoch(ctx, e, swapped, p)))

		// Missing transaction.
		require.True(t, epconsensus.IsValidationError(engine.UpdateEpoch(ctx, e, txs[0][:1], p)))

		// Tampered payload.
		bad := []epconsensus.SignedTransaction{txs[0][0], txs[0][1]}
		bad[1].Payload = []byte("tampered")
		require.True(t, epconsensus.IsValidationError(engine.UpdateEpoch(ctx, e, bad, p)))

		require.Empty(t, efx.Adapter.Calls())
		require.Zero(t, requireState(t, engine).LastFinalizedEpoch)
	})
}

func TestEngine_commitResumesAfterCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	chain, txs := fx.FinalizedChain(1, 2)

	release := efx.Adapter.BlockOn(epadaptertest.OpSaveReceipts)
	defer release()

	reqCtx, reqCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.UpdateEpoch(reqCtx, chain[0], txs[0], chain[0].Proof)
	}()

	require.Eventually(t, func() bool {
		calls := efx.Adapter.Calls()
		return len(calls) > 0 && calls[len(calls)-1] == epadaptertest.OpSaveReceipts
	}, time.Duration(gtest.ScaleMs(500)), time.Duration(gtest.ScaleMs(5)))

	reqCancel()
	err := gtest.ReceiveSoon(t, errCh)
	require.ErrorIs(t, err, context.Canceled)

	s := requireState(t, engine)
	require.True(t, s.CommitPending)
	require.Zero(t, s.LastFinalizedEpoch)

	release()
	efx.Adapter.ResetCalls()

	require.NoError(t, engine.UpdateEpoch(ctx, chain[0], txs[0], chain[0].Proof))

	// Execution already completed; only the remaining steps run.
	require.Equal(t, []string{
		epadaptertest.OpSaveReceipts,
		epadaptertest.OpSaveSignedTxs,
		epadaptertest.OpFlushMempool,
	}, efx.Adapter.Calls())

	s = requireState(t, engine)
	require.False(t, s.CommitPending)
	require.Equal(t, uint64(1), s.LastFinalizedEpoch)
}

func TestEngine_storageFailureHalts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	chain, txs := fx.FinalizedChain(2, 1)

	efx.Adapter.FailNext(epadaptertest.OpSaveEpoch, epadaptertest.ErrInjected)

	err := engine.UpdateEpoch(ctx, chain[0], txs[0], chain[0].Proof)
	var se epconsensus.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "save_epoch", se.Stage)
	require.Equal(t, uint64(1), se.EpochID)
	require.ErrorIs(t, err, epadaptertest.ErrInjected)

	// The watchdog context is terminated with the storage failure as its cause.
	_ = gtest.ReceiveSoon(t, efx.WatchdogCtx.Done())
	cause := context.Cause(efx.WatchdogCtx)
	var fte gwatchdog.ForcedTerminationError
	require.ErrorAs(t, cause, &fte)
	require.ErrorIs(t, cause, epadaptertest.ErrInjected)

	err = engine.UpdateEpoch(ctx, chain[1], txs[1], chain[1].Proof)
	require.ErrorIs(t, err, epconsensus.ErrEngineHalted)
	require.ErrorAs(t, err, &se)
}

func TestEngine_executionFailureAbandonsRound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	txs := fx.NewTxs("x", 1, 1)
	efx.Adapter.AddTxs(txs...)

	p := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, txs), 0, fx.ProposerIndex(1, 0))
	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))

	nextRound := efx.RoundTimer.RoundStartNotification(1, 1)

	efx.Adapter.FailNext(epadaptertest.OpCheckTxs, epadaptertest.ErrInjected)
	err := engine.SetQC(ctx, mustMarshalProof(t, efx, fx.Proof(p.VoteTarget(), fx.QuorumIdxs()...)))

	var ee epconsensus.ExecutionError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "check_txs", ee.Stage)
	require.Equal(t, gexchange.FeedbackIgnored, epconsensus.FeedbackForError(err))

	_ = gtest.ReceiveSoon(t, nextRound)

	s := requireState(t, engine)
	require.Zero(t, s.LastFinalizedEpoch)
	require.Equal(t, uint32(1), s.Round)
	require.Equal(t, epconsensus.PhaseIdle, s.Phase)
	require.Empty(t, efx.Adapter.SavedEpochs())
}

func TestEngine_qcBeforeProposal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	p := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, nil), 0, fx.ProposerIndex(1, 0))

	require.NoError(t, engine.SetQC(ctx, mustMarshalProof(t, efx, fx.Proof(p.VoteTarget(), fx.QuorumIdxs()...))))
	require.Empty(t, efx.Adapter.Calls())
	require.Equal(t, epconsensus.PhaseCommitting, requireState(t, engine).Phase)

	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))
	require.Equal(t, epadaptertest.PipelineOps, efx.Adapter.Calls())
	require.Equal(t, uint64(1), requireState(t, engine).LastFinalizedEpoch)
}

func TestEngine_proposals(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	e1 := fx.NewEpoch(1, epconsensus.Hash{}, 0, fx.NewTxs("p", 1, 1))
	proposerIdx := fx.ProposerIndex(1, 0)

	t.Run("wrong signer", func(t *testing.T) {
		p := fx.Proposal(e1, 0, (proposerIdx+1)%4)
		err := engine.SetProposal(ctx, mustMarshalProposal(t, efx, p))
		require.True(t, epconsensus.IsValidationError(err))
	})

	t.Run("tampered content", func(t *testing.T) {
		p := fx.Proposal(e1, 0, proposerIdx)
		p.Epoch.OrderedTxHashes = nil
		err := engine.SetProposal(ctx, mustMarshalProposal(t, efx, p))
		require.True(t, epconsensus.IsValidationError(err))
	})

	t.Run("malformed", func(t *testing.T) {
		err := engine.SetProposal(ctx, []byte("not a proposal"))
		require.True(t, epconsensus.IsValidationError(err))
	})

	require.Equal(t, epconsensus.PhaseIdle, requireState(t, engine).Phase)

	p := fx.Proposal(e1, 0, proposerIdx)

	t.Run("identical twice", func(t *testing.T) {
		require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))
		s := requireState(t, engine)
		require.Equal(t, epconsensus.PhaseProposing, s.Phase)

		require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))
		require.Equal(t, s, requireState(t, engine))
	})

	t.Run("conflicting for same round", func(t *testing.T) {
		conflict := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, nil), 0, proposerIdx)
		err := engine.SetProposal(ctx, mustMarshalProposal(t, efx, conflict))

		var ve epconsensus.ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, epconsensus.KindProposal, ve.Kind)
	})

	t.Run("stale", func(t *testing.T) {
		// Genesis is epoch 0; there is no earlier epoch to propose for.
		// An epoch far beyond the buffer window is dropped instead.
		far := fx.Proposal(fx.NewEpoch(100, epconsensus.Hash{}, 0, nil), 0, fx.ProposerIndex(100, 0))
		require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, far)))
	})

	require.Empty(t, efx.Adapter.Calls())
}

func TestEngine_duplicateVoteIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	p := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, nil), 0, fx.ProposerIndex(1, 0))
	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))

	vt := p.VoteTarget()
	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 0))))
	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 0))))
	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 1))))

	// Three votes from two validators do not reach quorum.
	require.Empty(t, efx.Adapter.Calls())

	t.Run("unknown voter", func(t *testing.T) {
		// Correctly signed, but by a key outside the validator set.
		signBytes, err := epconsensus.VoteSignBytes(vt, fx.SignatureScheme)
		require.NoError(t, err)
		sig, err := fx.TxSigner.Sign(ctx, signBytes)
		require.NoError(t, err)
		v := epconsensus.Vote{Target: vt, VoterPubKey: fx.TxSigner.PubKey(), Signature: sig}

		err = engine.SetVote(ctx, mustMarshalVote(t, efx, v))
		require.True(t, epconsensus.IsValidationError(err))
	})

	t.Run("bad signature", func(t *testing.T) {
		v := fx.Vote(vt, 2)
		v.Signature = []byte("bad")
		err := engine.SetVote(ctx, mustMarshalVote(t, efx, v))
		require.True(t, epconsensus.IsValidationError(err))
	})

	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 2))))
	require.Equal(t, uint64(1), requireState(t, engine).LastFinalizedEpoch)
}

func TestEngine_proposerFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx

	selfIdx := fx.ProposerIndex(1, 0)

	opts := efx.SigningOptionMap(selfIdx)
	opts["WithCycleLimit"] = epengine.WithCycleLimit(25)

	delayStarted := efx.RoundTimer.ProposalDelayStartNotification(1, 0)
	engine := efx.MustNewEngine(opts.ToSlice()...)
	defer func() {
		cancel()
		engine.Wait()
	}()
	_ = gtest.ReceiveSoon(t, delayStarted)

	txs := fx.NewTxs("prop", 3, 10)
	efx.Adapter.AddTxs(txs...)

	roundStarted := efx.RoundTimer.RoundStartNotification(1, 0)
	require.NoError(t, efx.RoundTimer.ElapseProposalDelayTimer(1, 0))
	_ = gtest.ReceiveSoon(t, roundStarted)

	tr := gtest.ReceiveSoon(t, efx.Adapter.Transmitted())
	require.True(t, tr.Target.IsBroadcast())

	env := decodeEnvelope(t, efx, tr)
	require.Equal(t, epconsensus.KindProposal, env.Kind)

	var p epconsensus.Proposal
	require.NoError(t, efx.Codec.UnmarshalProposal(env.Payload, &p))

	// Only two transactions fit in the cycle limit.
	require.Equal(t, epconsensus.TxHashes(txs[:2]), p.Epoch.OrderedTxHashes)
	require.Equal(t, fx.ValSet.Proposer(1, 0).Address(), p.Epoch.Header.Proposer)

	s := requireState(t, engine)
	require.Equal(t, epconsensus.PhaseVoting, s.Phase)

	// The proposer's own vote is only counted locally.
	require.Equal(t, []string{epadaptertest.OpGetTxsFromMempool, epadaptertest.OpTransmit}, efx.Adapter.Calls())

	// Two more votes complete the quorum.
	vt := p.VoteTarget()
	for _, idx := range []int{(selfIdx + 1) % 4, (selfIdx + 2) % 4} {
		require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, idx))))
	}

	require.Equal(t, uint64(1), requireState(t, engine).LastFinalizedEpoch)
}

func TestEngine_roundTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	next := efx.RoundTimer.RoundStartNotification(1, 1)
	require.NoError(t, efx.RoundTimer.ElapseRoundTimer(1, 0))
	_ = gtest.ReceiveSoon(t, next)

	s := requireState(t, engine)
	require.Equal(t, uint64(1), s.CurrentEpoch)
	require.Equal(t, uint32(1), s.Round)
	require.Equal(t, epconsensus.PhaseIdle, s.Phase)
}

func TestEngine_futureProposalReplayed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	chain, txs := fx.FinalizedChain(1, 1)
	e1Hash := fx.EpochHash(chain[0])

	p2 := fx.Proposal(fx.NewEpoch(2, e1Hash, 0, nil), 0, fx.ProposerIndex(2, 0))
	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p2)))
	require.Equal(t, epconsensus.PhaseIdle, requireState(t, engine).Phase)

	require.NoError(t, engine.UpdateEpoch(ctx, chain[0], txs[0], chain[0].Proof))

	s := requireState(t, engine)
	require.Equal(t, uint64(2), s.CurrentEpoch)
	require.Equal(t, epconsensus.PhaseProposing, s.Phase)

	require.NoError(t, engine.SetQC(ctx, mustMarshalProof(t, efx, fx.Proof(p2.VoteTarget(), fx.QuorumIdxs()...))))
	require.Equal(t, uint64(2), requireState(t, engine).LastFinalizedEpoch)
}

func TestEngine_HandleMessage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	fb, err := engine.HandleMessage(ctx, []byte("garbage"))
	require.Error(t, err)
	require.Equal(t, gexchange.FeedbackRejected, fb)

	p := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, nil), 0, fx.ProposerIndex(1, 0))
	msg, err := epcodec.EncodeProposal(efx.Codec, p)
	require.NoError(t, err)

	fb, err = engine.HandleMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, gexchange.FeedbackAccepted, fb)
	require.Equal(t, epconsensus.PhaseProposing, requireState(t, engine).Phase)
}

func TestEngine_metrics(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx

	mCh := make(chan epengine.Metrics)
	opts := efx.BaseOptionMap()
	opts["WithMetricsChannel"] = epengine.WithMetricsChannel(mCh)
	engine := startEngine(t, efx, cancel, 1, opts)

	m := gtest.ReceiveSoon(t, mCh)
	require.Equal(t, uint64(1), m.CurrentEpoch)

	chain, txs := fx.FinalizedChain(1, 1)
	require.NoError(t, engine.UpdateEpoch(ctx, chain[0], txs[0], chain[0].Proof))

	for m.LastFinalizedEpoch != 1 {
		m = gtest.ReceiveSoon(t, mCh)
	}
	require.Equal(t, uint64(1), m.Commits)
	require.Equal(t, uint64(2), m.CurrentEpoch)
}

func TestEngine_stopped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	cancel()
	engine.Wait()

	_, err := engine.State(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, epconsensus.ErrEngineHalted))
}

// A validator that voted in round 0 does not vote for other content
// in a later round, and re-proposes its voted content when it is the proposer.
func TestEngine_voteLock(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx

	// Proposers for epoch 1 are validators 1, 2, 3 in rounds 0, 1, 2.
	const selfIdx = 3
	require.Equal(t, selfIdx, fx.ProposerIndex(1, 2))

	engine := startEngine(t, efx, cancel, 1, efx.SigningOptionMap(selfIdx))

	txsA := fx.NewTxs("a", 2, 1)
	txsB := fx.NewTxs("b", 2, 1)
	efx.Adapter.AddTxs(txsA...)
	efx.Adapter.AddTxs(txsB...)

	pA := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, txsA), 0, fx.ProposerIndex(1, 0))
	pB := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 1, txsB), 1, fx.ProposerIndex(1, 1))

	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, pA)))
	votes := sentVotes(t, efx)
	require.Len(t, votes, 1)
	require.Equal(t, pA.VoteTarget(), votes[0].Target)

	round1 := efx.RoundTimer.RoundStartNotification(1, 1)
	require.NoError(t, efx.RoundTimer.ElapseRoundTimer(1, 0))
	_ = gtest.ReceiveSoon(t, round1)

	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, pB)))

	t.Run("no vote for other content", func(t *testing.T) {
		for _, v := range sentVotes(t, efx) {
			require.Equal(t, pA.EpochHash, v.Target.EpochHash)
		}
		require.Len(t, sentVotes(t, efx), 1)

		s := requireState(t, engine)
		require.Equal(t, uint32(1), s.Round)
		require.Equal(t, epconsensus.PhaseProposing, s.Phase)
	})

	efx.Adapter.ResetCalls()

	delay2 := efx.RoundTimer.ProposalDelayStartNotification(1, 2)
	require.NoError(t, efx.RoundTimer.ElapseRoundTimer(1, 1))
	_ = gtest.ReceiveSoon(t, delay2)

	round2 := efx.RoundTimer.RoundStartNotification(1, 2)
	require.NoError(t, efx.RoundTimer.ElapseProposalDelayTimer(1, 2))
	_ = gtest.ReceiveSoon(t, round2)

	// The round timer is armed before proposing;
	// a state request is only served once the proposal is out.
	require.Equal(t, uint32(2), requireState(t, engine).Round)
	p2 := lastSentProposal(t, efx)

	t.Run("locked content proposed again", func(t *testing.T) {
		require.Equal(t, uint32(2), p2.Round)
		require.Equal(t, pA.EpochHash, p2.EpochHash)
		require.True(t, p2.ProposerPubKey.Equal(fx.Signers[selfIdx].PubKey()))

		// The header keeps the original author.
		require.Equal(t, fx.ValSet.Proposer(1, 0).Address(), p2.Epoch.Header.Proposer)

		require.NotContains(t, efx.Adapter.Calls(), epadaptertest.OpGetTxsFromMempool)
	})

	vt := p2.VoteTarget()
	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 0))))
	require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(vt, 1))))

	saved := efx.Adapter.SavedEpochs()
	require.Len(t, saved, 1)
	require.Equal(t, pA.EpochHash, fx.EpochHash(saved[0].WithoutProof()))
	require.Equal(t, uint32(2), saved[0].Proof.Round)
	require.Equal(t, uint64(1), requireState(t, engine).LastFinalizedEpoch)
}

// A proposal another validator re-proposes keeps its original author in the header,
// but that author must have been a proposer for the epoch by that round.
func TestEngine_reproposalHeader(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	// Authored in round 2, but proposed in round 1.
	early := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 2, nil), 1, fx.ProposerIndex(1, 1))
	require.True(t, epconsensus.IsValidationError(
		engine.SetProposal(ctx, mustMarshalProposal(t, efx, early)),
	))

	// Authored in round 0, proposed again in round 1.
	again := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, nil), 1, fx.ProposerIndex(1, 1))
	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, again)))

	s := requireState(t, engine)
	require.Equal(t, uint32(1), s.Round)
	require.Equal(t, epconsensus.PhaseProposing, s.Phase)
}

func TestEngine_proposalRoundTooFar(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	proposalAt := func(round uint32) epconsensus.Proposal {
		return fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, round, nil), round, fx.ProposerIndex(1, round))
	}

	for _, round := range []uint32{101, 1 << 31, ^uint32(0)} {
		err := engine.SetProposal(ctx, mustMarshalProposal(t, efx, proposalAt(round)))
		var ve epconsensus.ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, epconsensus.KindProposal, ve.Kind)
		require.Zero(t, requireState(t, engine).Round)
	}

	// Votes far ahead are not tracked, so they never count toward a later quorum.
	farVT := proposalAt(200).VoteTarget()
	for i := range 4 {
		require.NoError(t, engine.SetVote(ctx, mustMarshalVote(t, efx, fx.Vote(farVT, i))))
	}
	require.Empty(t, efx.Adapter.Calls())

	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, proposalAt(100))))
	require.Equal(t, uint32(100), requireState(t, engine).Round)
}

// Quorum messages arriving at once from many connections commit the epoch exactly once.
func TestEngine_concurrentQuorum(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	efx := epenginetest.NewFixture(ctx, t, 4)
	fx := efx.Fx
	engine := startEngine(t, efx, cancel, 1, efx.BaseOptionMap())

	txs := fx.NewTxs("c", 2, 1)
	efx.Adapter.AddTxs(txs...)

	p := fx.Proposal(fx.NewEpoch(1, epconsensus.Hash{}, 0, txs), 0, fx.ProposerIndex(1, 0))
	require.NoError(t, engine.SetProposal(ctx, mustMarshalProposal(t, efx, p)))

	vt := p.VoteTarget()
	var msgs [][]byte
	for i := range 4 {
		msgs = append(msgs, mustMarshalVote(t, efx, fx.Vote(vt, i)))
	}
	qc := mustMarshalProof(t, efx, fx.Proof(vt, fx.QuorumIdxs()...))

	start := make(chan struct{})
	errs := make(chan error, 2*len(msgs)+2)
	var wg sync.WaitGroup
	for range 2 {
		for _, m := range msgs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- engine.SetVote(ctx, m)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- engine.SetQC(ctx, qc)
		}()
	}

	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, efx.Adapter.SavedEpochs(), 1)
	require.Equal(t, epadaptertest.PipelineOps, efx.Adapter.CallsExcept(epadaptertest.OpTransmit))

	s := requireState(t, engine)
	require.Equal(t, uint64(1), s.LastFinalizedEpoch)
	require.Equal(t, p.EpochHash, s.LastFinalizedHash)
}
