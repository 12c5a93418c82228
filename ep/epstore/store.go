// Package epstore contains the persistence interfaces for finalized epochs,
// their receipts, and their signed transactions.
//
// Every Save method is idempotent under retry:
// saving a value identical to the stored value succeeds.
// Saving a different value under an existing key is an overwrite error.
package epstore

import (
	"context"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// EpochStore persists finalized epochs, including their proofs.
type EpochStore interface {
	// SaveEpoch stores e, which must carry its finalizing proof.
	// Saving an epoch whose content hash matches the stored epoch with the same ID
	// is a no-op, even if the proof's signatures differ.
	SaveEpoch(ctx context.Context, e epconsensus.Epoch) error

	// LoadEpoch returns the epoch with the given ID
	// or an [EpochUnknownError].
	LoadEpoch(ctx context.Context, id uint64) (epconsensus.Epoch, error)

	// LastEpoch returns the finalized epoch with the highest ID,
	// or [ErrStoreUninitialized] if no epoch has been saved.
	LastEpoch(ctx context.Context) (epconsensus.Epoch, error)
}

// ReceiptStore persists execution receipts.
type ReceiptStore interface {
	// SaveReceipts stores receipts.
	// Every receipt must have the same, non-zero EpochID.
	SaveReceipts(ctx context.Context, receipts []epconsensus.Receipt) error

	// LoadReceipts returns the receipts for the given epoch in execution order.
	// An epoch without saved receipts returns an empty slice and no error.
	LoadReceipts(ctx context.Context, epochID uint64) ([]epconsensus.Receipt, error)
}

// TxStore persists signed transactions by hash.
type TxStore interface {
	SaveSignedTxs(ctx context.Context, txs []epconsensus.SignedTransaction) error

	// LoadSignedTx returns the transaction with the given hash
	// or a [TxUnknownError].
	LoadSignedTx(ctx context.Context, h epconsensus.Hash) (epconsensus.SignedTransaction, error)
}

// Store is the union of the individual stores,
// and it satisfies [epadapter.Storage].
type Store interface {
	EpochStore
	ReceiptStore
	TxStore
}

var _ epadapter.Storage = Store(nil)
