package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/gordian-engine/epoch/ep/epstore/epmemstore"
	"github.com/gordian-engine/epoch/ep/epscheme"
	"github.com/gordian-engine/epoch/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestRecoverStateRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := epmemstore.New(epscheme.Blake2bHashScheme{})

	root, err := recoverStateRoot(ctx, s, 0)
	require.NoError(t, err)
	require.True(t, root.IsZero())

	r1 := epconsensus.Hash{1}
	r2 := epconsensus.Hash{2}
	require.NoError(t, s.SaveReceipts(ctx, []epconsensus.Receipt{
		{TxHash: epconsensus.Hash{0xa}, EpochID: 1, Success: true, StateDelta: r1},
		{TxHash: epconsensus.Hash{0xb}, EpochID: 1, Success: true, StateDelta: r2},
	}))

	// Epochs 2 and 3 were empty.
	root, err = recoverStateRoot(ctx, s, 3)
	require.NoError(t, err)
	require.Equal(t, r2, root)
}

func TestResumePoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := gtest.NewLogger(t)
	fx := epconsensustest.NewFixture(4)
	s := epmemstore.New(fx.HashScheme)

	chain, txs := fx.FinalizedChain(2, 2)
	receiptsFor := func(i int) []epconsensus.Receipt {
		out := make([]epconsensus.Receipt, len(txs[i]))
		for j, tx := range txs[i] {
			out[j] = epconsensus.Receipt{
				TxHash:     tx.Hash,
				EpochID:    chain[i].ID(),
				Success:    true,
				StateDelta: epconsensus.Hash{byte(i + 1), byte(j + 1)},
			}
		}
		return out
	}

	last, root, err := resumePoint(ctx, log, s)
	require.NoError(t, err)
	require.Zero(t, last.ID())
	require.True(t, root.IsZero())

	// Stopped right after saving the first epoch.
	require.NoError(t, s.SaveEpoch(ctx, chain[0]))
	last, root, err = resumePoint(ctx, log, s)
	require.NoError(t, err)
	require.Zero(t, last.ID())
	require.True(t, root.IsZero())

	require.NoError(t, s.SaveReceipts(ctx, receiptsFor(0)))
	require.NoError(t, s.SaveSignedTxs(ctx, txs[0]))

	last, root, err = resumePoint(ctx, log, s)
	require.NoError(t, err)
	require.Equal(t, uint64(1), last.ID())
	require.Equal(t, epconsensus.Hash{1, 2}, root)

	t.Run("epoch saved without receipts", func(t *testing.T) {
		require.NoError(t, s.SaveEpoch(ctx, chain[1]))

		last, root, err := resumePoint(ctx, log, s)
		require.NoError(t, err)
		require.Equal(t, uint64(1), last.ID())
		require.Equal(t, fx.EpochHash(chain[0]), last.Proof.EpochHash)
		require.Equal(t, epconsensus.Hash{1, 2}, root)
	})

	t.Run("receipts saved without transactions", func(t *testing.T) {
		require.NoError(t, s.SaveReceipts(ctx, receiptsFor(1)))

		last, root, err := resumePoint(ctx, log, s)
		require.NoError(t, err)
		require.Equal(t, uint64(1), last.ID())
		require.Equal(t, epconsensus.Hash{1, 2}, root)
	})

	t.Run("complete", func(t *testing.T) {
		require.NoError(t, s.SaveSignedTxs(ctx, txs[1]))

		last, root, err := resumePoint(ctx, log, s)
		require.NoError(t, err)
		require.Equal(t, uint64(2), last.ID())
		require.Equal(t, epconsensus.Hash{2, 2}, root)
	})
}

func TestValidatorPublicKeyCmd(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd(gtest.NewLogger(t))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"validator-pubkey", "correct horse"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))

	b, err := hex.DecodeString(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)
	require.Len(t, b, 32)
	require.Contains(t, stderr.String(), "address: ")
}
