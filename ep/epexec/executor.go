// Package epexec contains a deterministic reference [epadapter.Executor].
//
// The executor keeps a running state root.
// Each successful transaction folds its hash and payload into the root,
// and its receipt references the root after that transaction.
package epexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"golang.org/x/crypto/blake2b"
)

// DefaultMaxTxCycles is the per-transaction cycle limit
// of an Executor created with a zero limit.
const DefaultMaxTxCycles uint64 = 1_000_000

// Executor applies transactions to a chained state root.
// It is safe for concurrent use, although the engine never calls it concurrently.
type Executor struct {
	log *slog.Logger

	maxTxCycles uint64

	mu      sync.Mutex
	root    epconsensus.Hash
	applied uint64
}

var _ epadapter.Executor = (*Executor)(nil)

// New returns an Executor starting from the given state root.
// A transaction declaring more than maxTxCycles is not applied,
// and its receipt reports failure.
func New(log *slog.Logger, initialRoot epconsensus.Hash, maxTxCycles uint64) *Executor {
	if maxTxCycles == 0 {
		maxTxCycles = DefaultMaxTxCycles
	}
	return &Executor{
		log:         log,
		maxTxCycles: maxTxCycles,
		root:        initialRoot,
	}
}

// Execute applies signedTxs in order.
// A failed transaction consumes the cycle limit and leaves the root unchanged.
//
// Receipts have a zero EpochID; the engine stamps the epoch.
func (x *Executor) Execute(ctx context.Context, signedTxs []epconsensus.SignedTransaction) ([]epconsensus.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// Work on a copy so that a cancelled call leaves no partial state.
	root := x.root
	var applied uint64

	receipts := make([]epconsensus.Receipt, len(signedTxs))
	for i, tx := range signedTxs {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		r := epconsensus.Receipt{TxHash: tx.Hash}
		if tx.Cycles > x.maxTxCycles {
			r.CyclesUsed = x.maxTxCycles
			r.StateDelta = root
			receipts[i] = r
			continue
		}

		next, err := fold(root, tx)
		if err != nil {
			return nil, fmt.Errorf("failed to apply transaction %d: %w", i, err)
		}
		root = next
		applied++

		r.Success = true
		r.CyclesUsed = tx.Cycles
		r.StateDelta = root
		receipts[i] = r
	}

	x.root = root
	x.applied += applied

	x.log.Debug(
		"Executed transactions",
		"n_txs", len(signedTxs),
		"n_applied", applied,
		"root", root,
	)
	return receipts, nil
}

// Root returns the current state root.
func (x *Executor) Root() epconsensus.Hash {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.root
}

// Applied returns the number of transactions successfully applied.
func (x *Executor) Applied() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.applied
}

func fold(root epconsensus.Hash, tx epconsensus.SignedTransaction) (epconsensus.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return epconsensus.Hash{}, err
	}

	_, _ = h.Write([]byte("epoch-state:"))
	_, _ = h.Write(root[:])
	_, _ = h.Write(tx.Hash[:])
	_, _ = h.Write(tx.Payload)

	var out epconsensus.Hash
	h.Sum(out[:0])
	return out, nil
}
