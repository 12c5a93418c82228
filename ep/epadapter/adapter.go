// Package epadapter defines the capabilities the consensus engine consumes
// from the surrounding node: mempool, executor, storage, and transmission.
//
// The engine never implements these interfaces.
// Every method receives the caller's context and must return promptly
// once that context is cancelled.
package epadapter

import (
	"context"

	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// Mempool is the engine's view of the pool of pending transactions.
type Mempool interface {
	// GetTxsFromMempool selects pending transactions for a proposal at epochID.
	// The total cost of the returned OrderHashes must not exceed cycleLimit.
	GetTxsFromMempool(ctx context.Context, epochID, cycleLimit uint64) (epconsensus.MixedTxHashes, error)

	// CheckTxs reports an error if any of txs is no longer valid to execute.
	// It has no side effects.
	CheckTxs(ctx context.Context, txs []epconsensus.Hash) error

	// GetFullTxs returns the signed transactions for txs, in the same order.
	// It is an error if any transaction is unknown.
	GetFullTxs(ctx context.Context, txs []epconsensus.Hash) ([]epconsensus.SignedTransaction, error)

	// FlushMempool removes txs from the pending pool.
	// Flushing an absent hash is a no-op.
	FlushMempool(ctx context.Context, txs []epconsensus.Hash) error
}

// Executor applies finalized transactions.
type Executor interface {
	// Execute deterministically applies signedTxs in order
	// and returns exactly one receipt per transaction, in the same order.
	// The engine calls Execute at most once per finalized epoch.
	Execute(ctx context.Context, signedTxs []epconsensus.SignedTransaction) ([]epconsensus.Receipt, error)
}

// Storage persists finalized epochs.
// Each method must be idempotent under retry.
type Storage interface {
	SaveEpoch(ctx context.Context, e epconsensus.Epoch) error
	SaveReceipts(ctx context.Context, receipts []epconsensus.Receipt) error
	SaveSignedTxs(ctx context.Context, txs []epconsensus.SignedTransaction) error
}

// Transmitter delivers encoded consensus messages to other validators.
// Delivery is best-effort.
type Transmitter interface {
	Transmit(ctx context.Context, msg []byte, target epconsensus.MessageTarget) error
}

// Adapter is the complete capability set required by the engine.
type Adapter interface {
	Mempool
	Executor
	Storage
	Transmitter
}

type composed struct {
	Mempool
	Executor
	Storage
	Transmitter
}

// Compose builds an Adapter out of independent collaborators.
// It panics if any argument is nil.
func Compose(m Mempool, e Executor, s Storage, t Transmitter) Adapter {
	if m == nil || e == nil || s == nil || t == nil {
		panic("BUG: epadapter.Compose requires non-nil mempool, executor, storage, and transmitter")
	}
	return composed{Mempool: m, Executor: e, Storage: s, Transmitter: t}
}
