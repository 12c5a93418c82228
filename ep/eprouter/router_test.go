package eprouter_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/epoch/ep/epadapter/epadaptertest"
	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epcodec/epjson"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/gordian-engine/epoch/ep/eprouter"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/stretchr/testify/require"
)

func newCodec() epjson.MarshalCodec {
	var reg gcrypto.Registry
	gcrypto.RegisterEd25519(&reg)
	return epjson.MarshalCodec{CryptoRegistry: &reg}
}

func TestRouter_targets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := epconsensustest.NewFixture(4)
	a := epadaptertest.New()
	r := eprouter.New(a, newCodec())

	e := fx.NewEpoch(1, epconsensus.Hash{}, 0, nil)
	p := fx.Proposal(e, 0, fx.ProposerIndex(1, 0))
	require.NoError(t, r.SendProposal(ctx, p))

	proposer := fx.ValSet.Proposer(1, 0).Address()
	require.NoError(t, r.SendVote(ctx, fx.Vote(p.VoteTarget(), 2), proposer))

	require.NoError(t, r.SendQC(ctx, fx.Proof(p.VoteTarget(), fx.QuorumIdxs()...)))

	trs := a.Transmissions()
	require.Len(t, trs, 3)
	require.Equal(t, []string{epadaptertest.OpTransmit, epadaptertest.OpTransmit, epadaptertest.OpTransmit}, a.Calls())

	require.True(t, trs[0].Target.IsBroadcast())

	addr, ok := trs[1].Target.Address()
	require.True(t, ok)
	require.Equal(t, proposer, addr)

	require.True(t, trs[2].Target.IsBroadcast())
}

func TestRouter_transmitFailure(t *testing.T) {
	t.Parallel()

	fx := epconsensustest.NewFixture(2)
	a := epadaptertest.New()
	r := eprouter.New(a, newCodec())

	a.FailNext(epadaptertest.OpTransmit, epadaptertest.ErrInjected)

	err := r.SendQC(context.Background(), fx.Proof(epconsensus.VoteTarget{EpochID: 1}, 0, 1))

	var ne epconsensus.NetworkError
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Target.IsBroadcast())
	require.ErrorIs(t, err, epadaptertest.ErrInjected)

	// Exactly one attempt, no retry.
	require.Equal(t, []string{epadaptertest.OpTransmit}, a.Calls())
}

type recordingConsensus struct {
	kinds []epconsensus.MessageKind
}

func (c *recordingConsensus) SetProposal(context.Context, []byte) error {
	c.kinds = append(c.kinds, epconsensus.KindProposal)
	return nil
}

func (c *recordingConsensus) SetVote(context.Context, []byte) error {
	c.kinds = append(c.kinds, epconsensus.KindVote)
	return nil
}

func (c *recordingConsensus) SetQC(context.Context, []byte) error {
	c.kinds = append(c.kinds, epconsensus.KindQC)
	return nil
}

func (c *recordingConsensus) UpdateEpoch(
	context.Context, epconsensus.Epoch, []epconsensus.SignedTransaction, epconsensus.Proof,
) error {
	c.kinds = append(c.kinds, epconsensus.KindEpoch)
	return nil
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := epconsensustest.NewFixture(4)
	codec := newCodec()

	vt := epconsensus.VoteTarget{EpochID: 1}
	voteMsg, err := epcodec.EncodeVote(codec, fx.Vote(vt, 0))
	require.NoError(t, err)
	qcMsg, err := epcodec.EncodeQC(codec, fx.Proof(vt, 0, 1, 2))
	require.NoError(t, err)

	c := new(recordingConsensus)
	require.NoError(t, eprouter.Deliver(ctx, c, codec, voteMsg))
	require.NoError(t, eprouter.Deliver(ctx, c, codec, qcMsg))
	require.Equal(t, []epconsensus.MessageKind{epconsensus.KindVote, epconsensus.KindQC}, c.kinds)

	err = eprouter.Deliver(ctx, c, codec, []byte("garbage"))
	require.True(t, epconsensus.IsValidationError(err))

	// Epochs are applied through UpdateEpoch, never routed from the network.
	b, err := codec.MarshalEnvelope(epcodec.Envelope{Kind: epconsensus.KindEpoch, Payload: []byte("{}")})
	require.NoError(t, err)
	err = eprouter.Deliver(ctx, c, codec, b)
	require.True(t, epconsensus.IsValidationError(err))
	require.Len(t, c.kinds, 2)
}
