package epconsensus

import (
	"bytes"
	"io"
	"sync"

	"github.com/gordian-engine/epoch/gcrypto"
)

// HashScheme defines how content hashes are calculated.
type HashScheme interface {
	// Epoch calculates the content hash of e,
	// covering the header and ordered transaction hashes but not the proof.
	Epoch(e Epoch) (Hash, error)

	// OrderRoot calculates the merkle root of the ordered transaction hashes.
	// An empty slice has a well-defined root.
	OrderRoot(txs []Hash) (Hash, error)

	// Tx calculates the hash of a transaction payload.
	Tx(payload []byte) (Hash, error)

	// PubKeys calculates the hash of the ordered set of public keys.
	PubKeys([]gcrypto.PubKey) ([]byte, error)
}

// SignatureScheme determines the content to be signed, for consensus messages.
//
// Rather than returning a slice of bytes, its methods write to an io.Writer,
// so that callers in loops can reuse a buffer.
type SignatureScheme interface {
	WriteProposalSigningContent(w io.Writer, epochID uint64, round uint32, epochHash Hash) (int, error)

	WriteVoteSigningContent(w io.Writer, vt VoteTarget) (int, error)

	WriteTxSigningContent(w io.Writer, txHash Hash, cycles uint64) (int, error)
}

var sigBufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

func signBytes(write func(*bytes.Buffer) error) ([]byte, error) {
	buf := sigBufPool.Get().(*bytes.Buffer)
	defer sigBufPool.Put(buf)

	buf.Reset()
	if err := write(buf); err != nil {
		return nil, err
	}

	return bytes.Clone(buf.Bytes()), nil
}

// ProposalSignBytes returns a new byte slice containing
// the proposal sign bytes, as defined by s.
func ProposalSignBytes(epochID uint64, round uint32, epochHash Hash, s SignatureScheme) ([]byte, error) {
	return signBytes(func(buf *bytes.Buffer) error {
		_, err := s.WriteProposalSigningContent(buf, epochID, round, epochHash)
		return err
	})
}

// VoteSignBytes returns a new byte slice containing
// the vote sign bytes for vt, as defined by s.
func VoteSignBytes(vt VoteTarget, s SignatureScheme) ([]byte, error) {
	return signBytes(func(buf *bytes.Buffer) error {
		_, err := s.WriteVoteSigningContent(buf, vt)
		return err
	})
}

// TxSignBytes returns a new byte slice containing
// the transaction sign bytes, as defined by s.
func TxSignBytes(txHash Hash, cycles uint64, s SignatureScheme) ([]byte, error) {
	return signBytes(func(buf *bytes.Buffer) error {
		_, err := s.WriteTxSigningContent(buf, txHash, cycles)
		return err
	})
}
