// Package epstoretest contains compliance tests for [epstore.Store] implementations.
package epstoretest

import (
	"context"
	"testing"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/gordian-engine/epoch/ep/epstore"
	"github.com/stretchr/testify/require"
)

// StoreFactory returns a new, empty store.
// Stores must use the default hash scheme of [epconsensustest.Fixture].
type StoreFactory func(cleanup func(func())) (epstore.Store, error)

func TestStoreCompliance(t *testing.T, f StoreFactory) {
	t.Run("EpochStore", func(t *testing.T) {
		t.Parallel()
		testEpochStore(t, f)
	})
	t.Run("ReceiptStore", func(t *testing.T) {
		t.Parallel()
		testReceiptStore(t, f)
	})
	t.Run("TxStore", func(t *testing.T) {
		t.Parallel()
		testTxStore(t, f)
	})
}

func requireEpochEqual(t *testing.T, want, got epconsensus.Epoch) {
	t.Helper()
	require.True(t, want.ContentEqual(got), "epoch content differs: want %#v, got %#v", want, got)
	require.Equal(t, want.Proof, got.Proof)
}

func testEpochStore(t *testing.T, f StoreFactory) {
	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LastEpoch(ctx)
		require.ErrorIs(t, err, epstore.ErrStoreUninitialized)

		fx := epconsensustest.NewFixture(4)
		chain, _ := fx.FinalizedChain(3, 2)

		for _, e := range chain {
			require.NoError(t, s.SaveEpoch(ctx, e))
		}

		for _, e := range chain {
			got, err := s.LoadEpoch(ctx, e.ID())
			require.NoError(t, err)
			requireEpochEqual(t, e, got)
		}

		last, err := s.LastEpoch(ctx)
		require.NoError(t, err)
		requireEpochEqual(t, chain[2], last)
	})

	t.Run("unknown epoch", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LoadEpoch(ctx, 7)
		require.ErrorIs(t, err, epstore.EpochUnknownError{Want: 7})
	})

	t.Run("idempotent save", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := epconsensustest.NewFixture(4)
		chain, _ := fx.FinalizedChain(1, 1)
		e := chain[0]

		require.NoError(t, s.SaveEpoch(ctx, e))
		require.NoError(t, s.SaveEpoch(ctx, e))

		// Same content with a different signer set keeps the original proof.
		alt := e
		alt.Proof = fx.Proof(e.Proof.Target(), 1, 2, 3)
		require.NoError(t, s.SaveEpoch(ctx, alt))

		got, err := s.LoadEpoch(ctx, e.ID())
		require.NoError(t, err)
		requireEpochEqual(t, e, got)
	})

	t.Run("conflicting save", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := epconsensustest.NewFixture(4)
		chain, _ := fx.FinalizedChain(1, 1)
		e := chain[0]
		require.NoError(t, s.SaveEpoch(ctx, e))

		other := fx.NewEpoch(1, epconsensus.Hash{}, 0, fx.NewTxs("other", 1, 1))
		other.Proof = fx.Proof(
			epconsensus.VoteTarget{EpochID: 1, EpochHash: fx.EpochHash(other)},
			fx.QuorumIdxs()...,
		)

		err = s.SaveEpoch(ctx, other)
		var oe epstore.EpochOverwriteError
		require.ErrorAs(t, err, &oe)
		require.Equal(t, uint64(1), oe.ID)
		require.Equal(t, fx.EpochHash(e), oe.Have)
		require.Equal(t, fx.EpochHash(other), oe.Got)
	})

	t.Run("missing proof", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := epconsensustest.NewFixture(4)
		e := fx.NewEpoch(1, epconsensus.Hash{}, 0, fx.NewTxs("tx", 1, 1))
		require.ErrorIs(t, s.SaveEpoch(ctx, e), epstore.ErrMissingProof)

		_, err = s.LastEpoch(ctx)
		require.ErrorIs(t, err, epstore.ErrStoreUninitialized)
	})
}

func testReceiptStore(t *testing.T, f StoreFactory) {
	receipts := func(epochID uint64, n int) []epconsensus.Receipt {
		fx := epconsensustest.NewFixture(1)
		txs := fx.NewTxs("r", n, 3)
		out := make([]epconsensus.Receipt, n)
		for i, tx := range txs {
			out[i] = epconsensus.Receipt{
				TxHash:     tx.Hash,
				EpochID:    epochID,
				Success:    i%2 == 0,
				CyclesUsed: uint64(i + 1),
				StateDelta: epconsensus.Hash{byte(epochID), byte(i)},
			}
		}
		return out
	}

	t.Run("round trip preserves order", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		rs := receipts(2, 5)
		require.NoError(t, s.SaveReceipts(ctx, rs))

		got, err := s.LoadReceipts(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, rs, got)

		got, err = s.LoadReceipts(ctx, 3)
		require.NoError(t, err)
		require.Empty(t, got)

		// Empty save is fine.
		require.NoError(t, s.SaveReceipts(ctx, nil))
	})

	t.Run("idempotent and conflicting saves", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		rs := receipts(1, 3)
		require.NoError(t, s.SaveReceipts(ctx, rs))
		require.NoError(t, s.SaveReceipts(ctx, rs))

		changed := receipts(1, 3)
		changed[1].Success = !changed[1].Success

		var oe epstore.OverwriteError
		require.ErrorAs(t, s.SaveReceipts(ctx, changed), &oe)

		got, err := s.LoadReceipts(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, rs, got)
	})

	t.Run("invalid epoch ids", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		require.ErrorIs(t, s.SaveReceipts(ctx, receipts(0, 2)), epstore.ErrZeroEpochReceipt)

		mixed := append(receipts(1, 1), receipts(2, 1)...)
		require.ErrorIs(t, s.SaveReceipts(ctx, mixed), epstore.MixedEpochReceiptsError{Want: 1, Got: 2})

		got, err := s.LoadReceipts(ctx, 1)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func testTxStore(t *testing.T, f StoreFactory) {
	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := epconsensustest.NewFixture(1)
		txs := fx.NewTxs("tx", 3, 7)
		require.NoError(t, s.SaveSignedTxs(ctx, txs))

		for _, tx := range txs {
			got, err := s.LoadSignedTx(ctx, tx.Hash)
			require.NoError(t, err)
			require.True(t, tx.Equal(got), "transaction differs after round trip")
		}

		missing := fx.NewTx("missing", 1)
		_, err = s.LoadSignedTx(ctx, missing.Hash)
		require.ErrorIs(t, err, epstore.TxUnknownError{Want: missing.Hash})
	})

	t.Run("idempotent and conflicting saves", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := epconsensustest.NewFixture(1)
		txs := fx.NewTxs("tx", 2, 7)
		require.NoError(t, s.SaveSignedTxs(ctx, txs))
		require.NoError(t, s.SaveSignedTxs(ctx, txs))

		// Same hash re-signed for a different cost.
		resigned := fx.NewTx("tx-1", 8)
		require.Equal(t, txs[1].Hash, resigned.Hash)

		fresh := fx.NewTx("fresh", 1)
		var oe epstore.OverwriteError
		require.ErrorAs(t, s.SaveSignedTxs(ctx, []epconsensus.SignedTransaction{fresh, resigned}), &oe)

		// Nothing from the failed batch was written.
		_, err = s.LoadSignedTx(ctx, fresh.Hash)
		require.ErrorIs(t, err, epstore.TxUnknownError{Want: fresh.Hash})

		got, err := s.LoadSignedTx(ctx, txs[1].Hash)
		require.NoError(t, err)
		require.True(t, txs[1].Equal(got))
	})
}
