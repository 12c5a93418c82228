package epstore

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// EpochUnknownError is returned when loading an epoch that was never saved.
type EpochUnknownError struct {
	Want uint64
}

func (e EpochUnknownError) Error() string {
	return fmt.Sprintf("no epoch stored with id %d", e.Want)
}

// TxUnknownError is returned when loading a transaction that was never saved.
type TxUnknownError struct {
	Want epconsensus.Hash
}

func (e TxUnknownError) Error() string {
	return fmt.Sprintf("no transaction stored with hash %s", e.Want)
}

// EpochOverwriteError is returned from [EpochStore.SaveEpoch]
// when a different epoch already exists with the same ID.
// Two conflicting finalized epochs indicate a safety violation or a serious bug.
type EpochOverwriteError struct {
	ID uint64

	Have, Got epconsensus.Hash
}

func (e EpochOverwriteError) Error() string {
	return fmt.Sprintf(
		"attempted to overwrite epoch %d with hash %s (have %s)",
		e.ID, e.Got, e.Have,
	)
}

// OverwriteError is returned from the receipt and transaction stores
// when a different value already exists under the same key.
type OverwriteError struct {
	Field, Value string
}

func (e OverwriteError) Error() string {
	return fmt.Sprintf(
		"attempted to overwrite existing entry with %s = %s",
		e.Field, e.Value,
	)
}

// MixedEpochReceiptsError is returned from [ReceiptStore.SaveReceipts]
// when the receipts do not all belong to one epoch.
type MixedEpochReceiptsError struct {
	Want, Got uint64
}

func (e MixedEpochReceiptsError) Error() string {
	return fmt.Sprintf("receipt for epoch %d saved with receipts for epoch %d", e.Got, e.Want)
}

var (
	// ErrStoreUninitialized is returned by [EpochStore.LastEpoch]
	// before any epoch has been saved.
	ErrStoreUninitialized = errors.New("uninitialized")

	// ErrMissingProof is returned when saving an epoch without its finalizing proof.
	ErrMissingProof = errors.New("epoch has no proof")

	// ErrZeroEpochReceipt is returned when saving a receipt that has no epoch ID.
	ErrZeroEpochReceipt = errors.New("receipt has no epoch id")
)

// CheckReceipts validates the shared constraints of [ReceiptStore.SaveReceipts]
// and returns the receipts' epoch ID.
// Store implementations call it before writing anything.
func CheckReceipts(receipts []epconsensus.Receipt) (uint64, error) {
	if len(receipts) == 0 {
		return 0, nil
	}
	id := receipts[0].EpochID
	if id == 0 {
		return 0, ErrZeroEpochReceipt
	}
	for _, r := range receipts[1:] {
		if r.EpochID != id {
			return 0, MixedEpochReceiptsError{Want: id, Got: r.EpochID}
		}
	}
	return id, nil
}
