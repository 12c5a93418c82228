package epmempool_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/gordian-engine/epoch/ep/epmempool"
	"github.com/gordian-engine/epoch/internal/gtest"
	"github.com/stretchr/testify/require"
)

func newMempool(t *testing.T, fx *epconsensustest.Fixture) *epmempool.Mempool {
	t.Helper()
	m, err := epmempool.New(gtest.NewLogger(t), fx.HashScheme, fx.SignatureScheme, 0)
	require.NoError(t, err)
	return m
}

func TestMempool_Insert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := epconsensustest.NewFixture(1)
	m := newMempool(t, fx)

	tx := fx.NewTx("a", 5)
	require.NoError(t, m.Insert(ctx, tx, 0))
	require.Equal(t, 1, m.Len())

	require.ErrorIs(t, m.Insert(ctx, tx, 10), epmempool.ErrDuplicateTx)

	require.ErrorIs(t, m.Insert(ctx, fx.NewTx("zero", 0), 0), epmempool.ErrZeroCycles)

	tampered := fx.NewTx("b", 5)
	tampered.Cycles = 1
	err := m.Insert(ctx, tampered, 0)
	require.True(t, epconsensus.IsValidationError(err))

	require.Equal(t, 1, m.Len())
}

func TestMempool_GetTxsFromMempool(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := epconsensustest.NewFixture(1)

	low := fx.NewTxs("low", 2, 10)
	high := fx.NewTx("high", 10)
	big := fx.NewTx("big", 100)
	small := fx.NewTx("small", 1)

	m := newMempool(t, fx)
	require.NoError(t, m.Insert(ctx, low[0], 1))
	require.NoError(t, m.Insert(ctx, big, 5))
	require.NoError(t, m.Insert(ctx, low[1], 1))
	require.NoError(t, m.Insert(ctx, high, 9))
	require.NoError(t, m.Insert(ctx, small, 0))

	// Total cost is 131.

	t.Run("zero limit", func(t *testing.T) {
		got, err := m.GetTxsFromMempool(ctx, 1, 0)
		require.NoError(t, err)
		require.Empty(t, got.OrderHashes)
		require.Equal(t, 5, got.DroppedCount)
	})

	t.Run("limit covers everything", func(t *testing.T) {
		for _, limit := range []uint64{131, 1_000_000} {
			got, err := m.GetTxsFromMempool(ctx, 1, limit)
			require.NoError(t, err)
			require.Equal(t, []epconsensus.Hash{
				high.Hash, big.Hash, low[0].Hash, low[1].Hash, small.Hash,
			}, got.OrderHashes)
			require.Zero(t, got.DroppedCount)
		}
	})

	t.Run("expensive transaction skipped", func(t *testing.T) {
		got, err := m.GetTxsFromMempool(ctx, 1, 25)
		require.NoError(t, err)

		// high=10, big skipped, low[0]=10, low[1] skipped, small=1.
		require.Equal(t, []epconsensus.Hash{high.Hash, low[0].Hash, small.Hash}, got.OrderHashes)
		require.Equal(t, 2, got.DroppedCount)
	})

	// Selection never removes anything.
	require.Equal(t, 5, m.Len())
}

func TestMempool_CheckAndGetFullTxs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := epconsensustest.NewFixture(1)
	m := newMempool(t, fx)

	txs := fx.NewTxs("tx", 3, 1)
	for _, tx := range txs[:2] {
		require.NoError(t, m.Insert(ctx, tx, 0))
	}

	present := []epconsensus.Hash{txs[1].Hash, txs[0].Hash}
	require.NoError(t, m.CheckTxs(ctx, present))

	got, err := m.GetFullTxs(ctx, present)
	require.NoError(t, err)
	require.Equal(t, []epconsensus.SignedTransaction{txs[1], txs[0]}, got)

	withMissing := epconsensus.TxHashes(txs)
	var me epmempool.MissingTxsError

	require.ErrorAs(t, m.CheckTxs(ctx, withMissing), &me)
	require.Equal(t, []epconsensus.Hash{txs[2].Hash}, me.Hashes)

	_, err = m.GetFullTxs(ctx, withMissing)
	require.ErrorAs(t, err, &me)
}

func TestMempool_FlushMempool(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := epconsensustest.NewFixture(1)
	m := newMempool(t, fx)

	txs := fx.NewTxs("tx", 3, 1)
	for _, tx := range txs {
		require.NoError(t, m.Insert(ctx, tx, 0))
	}

	flush := []epconsensus.Hash{txs[0].Hash, txs[2].Hash}
	require.NoError(t, m.FlushMempool(ctx, flush))
	require.Equal(t, 1, m.Len())

	// Flushing again has no further effect.
	require.NoError(t, m.FlushMempool(ctx, flush))
	require.Equal(t, 1, m.Len())

	got, err := m.GetTxsFromMempool(ctx, 2, 100)
	require.NoError(t, err)
	require.Equal(t, []epconsensus.Hash{txs[1].Hash}, got.OrderHashes)

	require.ErrorIs(t, m.Insert(ctx, txs[0], 0), epmempool.ErrAlreadyConfirmed)

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		require.ErrorIs(t, m.FlushMempool(cctx, flush), context.Canceled)
	})
}
