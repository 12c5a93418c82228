package epintegration

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epcodec/epjson"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/gordian-engine/epoch/ep/epexec"
	"github.com/gordian-engine/epoch/ep/epmempool"
	"github.com/gordian-engine/epoch/ep/epp2p"
	"github.com/gordian-engine/epoch/ep/epstore"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/gwatchdog"
	"github.com/gordian-engine/epoch/internal/gtest"
	"github.com/stretchr/testify/require"
)

// validator is one running node of an integration test.
type validator struct {
	idx int

	mempool  *epmempool.Mempool
	executor *epexec.Executor
	store    epstore.Store
	conn     epp2p.Connection

	engine *epengine.Engine
}

type harness struct {
	t   *testing.T
	ctx context.Context
	log *slog.Logger

	f  Factory
	fx *epconsensustest.Fixture

	codec epjson.MarshalCodec
}

func newHarness(t *testing.T, ctx context.Context, log *slog.Logger, f Factory, nVals int) *harness {
	reg := new(gcrypto.Registry)
	gcrypto.RegisterEd25519(reg)

	return &harness{
		t:   t,
		ctx: ctx,
		log: log,

		f:  f,
		fx: epconsensustest.NewFixture(nVals),

		codec: epjson.MarshalCodec{CryptoRegistry: reg},
	}
}

// newValidator builds the collaborators of the validator at idx,
// without starting its engine.
func (h *harness) newValidator(idx int, conn epp2p.Connection) *validator {
	t := h.t

	mp, err := epmempool.New(
		h.log.With("sys", "mempool", "idx", idx),
		h.fx.HashScheme, h.fx.SignatureScheme, epmempool.DefaultConfirmedCacheSize,
	)
	require.NoError(t, err)

	st, err := h.f.NewStore(h.ctx, idx, h.fx.HashScheme)
	require.NoError(t, err)

	return &validator{
		idx: idx,

		mempool:  mp,
		executor: epexec.New(h.log.With("sys", "executor", "idx", idx), epconsensus.Hash{}, epexec.DefaultMaxTxCycles),
		store:    st,
		conn:     conn,
	}
}

// start runs v's engine and, if handle is set, routes inbound messages to it.
func (h *harness) start(ctx context.Context, v *validator, handle bool) {
	t := h.t

	wd, wCtx := gwatchdog.NewWatchdog(ctx, h.log.With("sys", "watchdog", "idx", v.idx))
	t.Cleanup(wd.Wait)

	e, err := epengine.New(
		wCtx,
		h.log.With("sys", "engine", "idx", v.idx),
		epengine.WithValidators(h.fx.ValSet),
		epengine.WithSigner(h.fx.Signers[v.idx]),

		epengine.WithAdapter(epadapter.Compose(v.mempool, v.executor, v.store, v.conn)),
		epengine.WithCodec(h.codec),

		epengine.WithHashScheme(h.fx.HashScheme),
		epengine.WithSignatureScheme(h.fx.SignatureScheme),

		// Short enough that a round led by an absent proposer
		// does not stall the test for long.
		epengine.WithTimeoutStrategy(ctx, epengine.LinearTimeoutStrategy{
			ProposalDelayBase:      20 * time.Millisecond,
			ProposalDelayIncrement: 5 * time.Millisecond,

			RoundBase:      time.Duration(gtest.ScaleMs(400)),
			RoundIncrement: 100 * time.Millisecond,
		}),

		epengine.WithWatchdog(wd),
	)
	require.NoError(t, err)
	t.Cleanup(e.Wait)

	v.engine = e
	if handle {
		v.conn.SetHandler(e)
	}
}

// insertAll inserts txs into every validator's mempool.
func (h *harness) insertAll(vals []*validator, txs []epconsensus.SignedTransaction) {
	for _, v := range vals {
		for i, tx := range txs {
			require.NoError(h.t, v.mempool.Insert(h.ctx, tx, uint64(len(txs)-i)))
		}
	}
}

// awaitDrained blocks until every mempool in vals is empty,
// meaning every inserted transaction was committed and flushed.
func (h *harness) awaitDrained(vals []*validator) {
	require.Eventually(h.t, func() bool {
		for _, v := range vals {
			if v.mempool.Len() != 0 {
				return false
			}
		}
		return true
	}, time.Duration(gtest.ScaleMs(15_000)), 10*time.Millisecond)
}

// lastEpoch returns the ID of the last epoch in v's store, or zero.
func (h *harness) lastEpoch(v *validator) uint64 {
	e, err := v.store.LastEpoch(h.ctx)
	if err != nil {
		return 0
	}
	return e.ID()
}

// requireSameLedger asserts that every validator in vals
// stored the same epochs and receipts for IDs 1 through last.
func (h *harness) requireSameLedger(vals []*validator, last uint64) {
	t := h.t

	for id := uint64(1); id <= last; id++ {
		want, err := vals[0].store.LoadEpoch(h.ctx, id)
		require.NoError(t, err)
		wantReceipts, err := vals[0].store.LoadReceipts(h.ctx, id)
		require.NoError(t, err)
		require.Len(t, wantReceipts, len(want.OrderedTxHashes))

		for _, v := range vals[1:] {
			got, err := v.store.LoadEpoch(h.ctx, id)
			require.NoError(t, err, "validator %d epoch %d", v.idx, id)
			require.True(t, want.ContentEqual(got), "validator %d diverged at epoch %d", v.idx, id)

			gotReceipts, err := v.store.LoadReceipts(h.ctx, id)
			require.NoError(t, err)
			require.Equal(t, wantReceipts, gotReceipts, "validator %d receipts for epoch %d", v.idx, id)
		}
	}
}

// committedTxHashes collects the transaction hashes of epochs 1 through last in v's store.
func (h *harness) committedTxHashes(v *validator, last uint64) []epconsensus.Hash {
	var out []epconsensus.Hash
	for id := uint64(1); id <= last; id++ {
		e, err := v.store.LoadEpoch(h.ctx, id)
		require.NoError(h.t, err)
		out = append(out, e.OrderedTxHashes...)
	}
	return out
}

func RunIntegrationTest(t *testing.T, nf NewFactoryFunc) {
	t.Run("transactions finalize identically on every validator", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		log := gtest.NewLogger(t)
		f := nf(&Env{
			RootLogger: log,

			tb: t,
		})

		n, err := f.NewNetwork(ctx, log)
		require.NoError(t, err)
		defer n.Wait()
		defer cancel()

		h := newHarness(t, ctx, log, f, 4)

		// Connections first, so the network is stable before any engine starts.
		vals := make([]*validator, len(h.fx.Signers))
		for i, s := range h.fx.Signers {
			conn, err := n.Connect(ctx, epconsensus.AddressFromPubKey(s.PubKey()))
			require.NoError(t, err)
			vals[i] = h.newValidator(i, conn)
		}
		require.NoError(t, n.Stabilize(ctx))

		txs := h.fx.NewTxs("integration", 10, 100)
		h.insertAll(vals, txs)

		for _, v := range vals {
			h.start(ctx, v, true)
			t.Cleanup(cancel)
		}

		h.awaitDrained(vals)

		last := h.lastEpoch(vals[0])
		require.NotZero(t, last)
		require.Eventually(t, func() bool {
			for _, v := range vals {
				if h.lastEpoch(v) < last {
					return false
				}
			}
			return true
		}, time.Duration(gtest.ScaleMs(5000)), 10*time.Millisecond)

		h.requireSameLedger(vals, last)

		// Every transaction was committed exactly once.
		committed := h.committedTxHashes(vals[0], last)
		require.Len(t, committed, len(txs))
		for _, tx := range txs {
			require.Contains(t, committed, tx.Hash)

			stored, err := vals[0].store.LoadSignedTx(ctx, tx.Hash)
			require.NoError(t, err)
			require.True(t, tx.Equal(stored))
		}

		// Executors applied the same transactions in the same order.
		for _, v := range vals[1:] {
			require.Equal(t, vals[0].executor.Root(), v.executor.Root(), "validator %d state root", v.idx)
		}
	})

	t.Run("late validator catches up through UpdateEpoch", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		log := gtest.NewLogger(t)
		f := nf(&Env{
			RootLogger: log,

			tb: t,
		})

		n, err := f.NewNetwork(ctx, log)
		require.NoError(t, err)
		defer n.Wait()
		defer cancel()

		h := newHarness(t, ctx, log, f, 4)

		vals := make([]*validator, len(h.fx.Signers))
		for i, s := range h.fx.Signers {
			conn, err := n.Connect(ctx, epconsensus.AddressFromPubKey(s.PubKey()))
			require.NoError(t, err)
			vals[i] = h.newValidator(i, conn)
		}
		require.NoError(t, n.Stabilize(ctx))

		// Three of four validators are a quorum.
		live, late := vals[:3], vals[3]

		txs := h.fx.NewTxs("catchup", 6, 50)
		h.insertAll(live, txs)

		for _, v := range live {
			h.start(ctx, v, true)
			t.Cleanup(cancel)
		}

		h.awaitDrained(live)
		last := h.lastEpoch(live[0])
		require.NotZero(t, last)

		// The late validator never handles network messages,
		// so its progress comes only from state sync.
		h.start(ctx, late, false)
		t.Cleanup(cancel)

		src := live[0]
		for id := uint64(1); id <= last; id++ {
			e, err := src.store.LoadEpoch(ctx, id)
			require.NoError(t, err)

			signed := make([]epconsensus.SignedTransaction, len(e.OrderedTxHashes))
			for i, txHash := range e.OrderedTxHashes {
				signed[i], err = src.store.LoadSignedTx(ctx, txHash)
				require.NoError(t, err)
			}

			require.NoError(t, late.engine.UpdateEpoch(ctx, e, signed, e.Proof), fmt.Sprintf("epoch %d", id))
		}

		st, err := late.engine.State(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, st.LastFinalizedEpoch, last)

		h.requireSameLedger([]*validator{src, late}, last)
		require.Equal(t, src.executor.Root(), late.executor.Root())

		// Replaying an already applied epoch is a no-op.
		e, err := src.store.LoadEpoch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, late.engine.UpdateEpoch(ctx, e, nil, e.Proof))
	})
}
