// Package epcodectest holds a compliance suite for [epcodec.MarshalCodec] implementations.
package epcodectest

import (
	"testing"

	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/stretchr/testify/require"
)

const determinismTries = 20

// In case there is any state in the codec,
// providing a factory function allows a clean start for every subtest.
type MarshalCodecFactory func() epcodec.MarshalCodec

// TestMarshalCodecCompliance ensures the codec in mcf
// follows all expected properties of a [epcodec.MarshalCodec].
// The codec must be able to encode ed25519 public keys.
func TestMarshalCodecCompliance(t *testing.T, mcf MarshalCodecFactory) {
	fx := epconsensustest.NewFixture(4)
	txs := fx.NewTxs("codec", 3, 2)
	e := fx.NewEpoch(6, epconsensus.Hash{5}, 1, txs)
	vt := epconsensus.VoteTarget{EpochID: 6, Round: 1, EpochHash: fx.EpochHash(e)}

	t.Run("proposal round trip", func(t *testing.T) {
		t.Parallel()

		c := mcf()
		p := fx.Proposal(e, 1, fx.ProposerIndex(6, 1))

		b, err := c.MarshalProposal(p)
		require.NoError(t, err)

		var got epconsensus.Proposal
		require.NoError(t, c.UnmarshalProposal(b, &got))
		require.Equal(t, p, got)

		requireDeterministic(t, func() ([]byte, error) { return c.MarshalProposal(p) })
	})

	t.Run("vote round trip", func(t *testing.T) {
		t.Parallel()

		c := mcf()
		v := fx.Vote(vt, 2)

		b, err := c.MarshalVote(v)
		require.NoError(t, err)

		var got epconsensus.Vote
		require.NoError(t, c.UnmarshalVote(b, &got))
		require.Equal(t, v, got)
	})

	t.Run("proof round trip", func(t *testing.T) {
		t.Parallel()

		c := mcf()
		p := fx.Proof(vt, 0, 1, 3)

		b, err := c.MarshalProof(p)
		require.NoError(t, err)

		var got epconsensus.Proof
		require.NoError(t, c.UnmarshalProof(b, &got))
		require.Equal(t, p, got)

		// Still verifiable after decoding.
		require.NoError(t, epconsensus.VerifyProof(got, fx.ValSet, fx.SignatureScheme))
	})

	t.Run("epoch round trip", func(t *testing.T) {
		t.Parallel()

		c := mcf()

		t.Run("without proof", func(t *testing.T) {
			b, err := c.MarshalEpoch(e)
			require.NoError(t, err)

			var got epconsensus.Epoch
			require.NoError(t, c.UnmarshalEpoch(b, &got))
			require.Equal(t, e, got)
			require.True(t, got.Proof.IsZero())
		})

		t.Run("with proof", func(t *testing.T) {
			withProof := e
			withProof.Proof = fx.Proof(vt, fx.QuorumIdxs()...)

			b, err := c.MarshalEpoch(withProof)
			require.NoError(t, err)

			var got epconsensus.Epoch
			require.NoError(t, c.UnmarshalEpoch(b, &got))
			require.Equal(t, withProof, got)
		})

		t.Run("empty epoch", func(t *testing.T) {
			empty := fx.NewEpoch(7, epconsensus.Hash{6}, 0, nil)

			b, err := c.MarshalEpoch(empty)
			require.NoError(t, err)

			var got epconsensus.Epoch
			require.NoError(t, c.UnmarshalEpoch(b, &got))
			require.True(t, empty.ContentEqual(got))
			require.Equal(t, fx.EpochHash(empty), fx.EpochHash(got))
		})
	})

	t.Run("signed tx round trip", func(t *testing.T) {
		t.Parallel()

		c := mcf()
		b, err := c.MarshalSignedTx(txs[0])
		require.NoError(t, err)

		var got epconsensus.SignedTransaction
		require.NoError(t, c.UnmarshalSignedTx(b, &got))
		require.Equal(t, txs[0], got)
		require.NoError(t, got.Verify(fx.HashScheme, fx.SignatureScheme))
	})

	t.Run("envelopes", func(t *testing.T) {
		t.Parallel()

		c := mcf()

		b, err := epcodec.EncodeVote(c, fx.Vote(vt, 1))
		require.NoError(t, err)

		var env epcodec.Envelope
		require.NoError(t, c.UnmarshalEnvelope(b, &env))
		require.Equal(t, epconsensus.KindVote, env.Kind)

		var v epconsensus.Vote
		require.NoError(t, c.UnmarshalVote(env.Payload, &v))
		require.Equal(t, fx.Vote(vt, 1), v)

		b, err = epcodec.EncodeProposal(c, fx.Proposal(e, 1, fx.ProposerIndex(6, 1)))
		require.NoError(t, err)
		require.NoError(t, c.UnmarshalEnvelope(b, &env))
		require.Equal(t, epconsensus.KindProposal, env.Kind)

		b, err = epcodec.EncodeQC(c, fx.Proof(vt, fx.QuorumIdxs()...))
		require.NoError(t, err)
		require.NoError(t, c.UnmarshalEnvelope(b, &env))
		require.Equal(t, epconsensus.KindQC, env.Kind)
	})

	t.Run("garbage input", func(t *testing.T) {
		t.Parallel()

		c := mcf()
		garbage := []byte("\x00\x01not a message")

		require.Error(t, c.UnmarshalEnvelope(garbage, new(epcodec.Envelope)))
		require.Error(t, c.UnmarshalProposal(garbage, new(epconsensus.Proposal)))
		require.Error(t, c.UnmarshalVote(garbage, new(epconsensus.Vote)))
		require.Error(t, c.UnmarshalProof(garbage, new(epconsensus.Proof)))
		require.Error(t, c.UnmarshalEpoch(garbage, new(epconsensus.Epoch)))
		require.Error(t, c.UnmarshalSignedTx(garbage, new(epconsensus.SignedTransaction)))
	})
}

func requireDeterministic(t *testing.T, marshal func() ([]byte, error)) {
	t.Helper()

	first, err := marshal()
	require.NoError(t, err)
	for range determinismTries {
		b, err := marshal()
		require.NoError(t, err)
		require.Equal(t, first, b)
	}
}
