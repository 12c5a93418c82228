package epconsensus

import (
	"bytes"
	"slices"

	"github.com/gordian-engine/epoch/gcrypto"
)

// EpochHeader is the part of an [Epoch] that identifies its content.
type EpochHeader struct {
	// Monotonically increasing, starting at 1 for the first epoch
	// after the genesis state at epoch 0.
	ID uint64

	// Content hash of the previously finalized epoch.
	PrevHash Hash

	// Merkle root over OrderedTxHashes, as calculated by a [HashScheme].
	OrderRoot Hash

	// Address of the validator that proposed the epoch.
	Proposer Address
}

// Epoch is one unit of finality:
// an ordered batch of transaction references plus the proof that finalized it.
type Epoch struct {
	Header EpochHeader

	OrderedTxHashes []Hash

	// Proof that finalized this epoch.
	// It is zero while the epoch is only proposed,
	// and it is excluded from the epoch's content hash.
	Proof Proof
}

// ID is shorthand for e.Header.ID.
func (e Epoch) ID() uint64 {
	return e.Header.ID
}

// ContentEqual reports whether e and other have the same header and transactions,
// disregarding their proofs.
func (e Epoch) ContentEqual(other Epoch) bool {
	return e.Header == other.Header && slices.Equal(e.OrderedTxHashes, other.OrderedTxHashes)
}

// WithoutProof returns a copy of e with a zero Proof.
func (e Epoch) WithoutProof() Epoch {
	e.Proof = Proof{}
	return e
}

// SignedTransaction is a transaction payload plus its sender's signature.
type SignedTransaction struct {
	// Hash is the [HashScheme] hash of Payload.
	Hash Hash

	Payload []byte

	// Declared cost of executing the transaction.
	// It is covered by the signature so that it cannot be altered in flight.
	Cycles uint64

	Sender    gcrypto.PubKey
	Signature []byte
}

// Verify checks that tx's hash is derived from its payload
// and that its signature verifies against its sender.
// Any failure is a [ValidationError].
func (tx SignedTransaction) Verify(hs HashScheme, ss SignatureScheme) error {
	want, err := hs.Tx(tx.Payload)
	if err != nil {
		return ValidationError{Kind: KindTransaction, Reason: "failed to hash payload", Err: err}
	}

	if want != tx.Hash {
		return ValidationError{
			Kind:   KindTransaction,
			Reason: "hash " + tx.Hash.String() + " does not match payload hash " + want.String(),
		}
	}

	if tx.Sender == nil {
		return ValidationError{Kind: KindTransaction, Reason: "missing sender"}
	}

	msg, err := TxSignBytes(tx.Hash, tx.Cycles, ss)
	if err != nil {
		return ValidationError{Kind: KindTransaction, Reason: "failed to build signing content", Err: err}
	}
	if !tx.Sender.Verify(msg, tx.Signature) {
		return ValidationError{Kind: KindTransaction, Reason: "bad signature", Err: gcrypto.ErrInvalidSignature}
	}

	return nil
}

// Equal reports whether tx and other have identical fields.
func (tx SignedTransaction) Equal(other SignedTransaction) bool {
	if tx.Hash != other.Hash || tx.Cycles != other.Cycles {
		return false
	}
	if !bytes.Equal(tx.Payload, other.Payload) || !bytes.Equal(tx.Signature, other.Signature) {
		return false
	}
	if tx.Sender == nil || other.Sender == nil {
		return tx.Sender == nil && other.Sender == nil
	}
	return tx.Sender.Equal(other.Sender)
}

// TxHashes returns the hashes of txs, in order.
func TxHashes(txs []SignedTransaction) []Hash {
	out := make([]Hash, len(txs))
	for i, tx := range txs {
		out[i] = tx.Hash
	}
	return out
}

// Receipt is the outcome of executing a single transaction.
type Receipt struct {
	TxHash  Hash
	EpochID uint64

	Success bool

	CyclesUsed uint64

	// Reference to the resulting state change.
	StateDelta Hash
}

// MixedTxHashes classifies the hashes returned from a mempool
// when building a proposal.
type MixedTxHashes struct {
	// Hashes to include in the proposal, in proposal order.
	// Their total cost never exceeds the requested cycle limit.
	OrderHashes []Hash

	// Hashes the mempool knows to be already finalized.
	ConfirmedHashes []Hash

	// How many pending transactions were skipped
	// because they did not fit in the cycle limit.
	DroppedCount int
}
