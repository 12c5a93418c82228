// Package epscheme contains the production hash and signature schemes
// for epoch consensus.
package epscheme

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/gmerkle"
	"golang.org/x/crypto/blake2b"
)

// Domain separation prefixes.
// Every hashed value starts with exactly one of these bytes
// so that no two kinds of content can collide.
const (
	prefixEpoch byte = iota + 1
	prefixTx
	prefixOrderLeaf
	prefixOrderBranch
	prefixOrderEmpty
	prefixPubKeys
)

// Blake2bHashScheme is a [epconsensus.HashScheme] over blake2b-256.
type Blake2bHashScheme struct{}

var _ epconsensus.HashScheme = Blake2bHashScheme{}

func (Blake2bHashScheme) Epoch(e epconsensus.Epoch) (epconsensus.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return epconsensus.Hash{}, fmt.Errorf("failed to create new blake2b hasher: %w", err)
	}

	var u64 [8]byte
	_, _ = h.Write([]byte{prefixEpoch})
	binary.BigEndian.PutUint64(u64[:], e.Header.ID)
	_, _ = h.Write(u64[:])
	_, _ = h.Write(e.Header.PrevHash[:])
	_, _ = h.Write(e.Header.OrderRoot[:])
	_, _ = h.Write(e.Header.Proposer[:])

	binary.BigEndian.PutUint64(u64[:], uint64(len(e.OrderedTxHashes)))
	_, _ = h.Write(u64[:])
	for _, txh := range e.OrderedTxHashes {
		_, _ = h.Write(txh[:])
	}

	var out epconsensus.Hash
	h.Sum(out[:0])
	return out, nil
}

func (Blake2bHashScheme) Tx(payload []byte) (epconsensus.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return epconsensus.Hash{}, fmt.Errorf("failed to create new blake2b hasher: %w", err)
	}
	_, _ = h.Write([]byte{prefixTx})
	_, _ = h.Write(payload)

	var out epconsensus.Hash
	h.Sum(out[:0])
	return out, nil
}

func (Blake2bHashScheme) OrderRoot(txs []epconsensus.Hash) (epconsensus.Hash, error) {
	if len(txs) == 0 {
		return blake2b.Sum256([]byte{prefixOrderEmpty}), nil
	}

	t, err := gmerkle.NewTree[epconsensus.Hash, epconsensus.Hash](OrderScheme{}, txs)
	if err != nil {
		return epconsensus.Hash{}, err
	}
	return t.RootID(), nil
}

func (Blake2bHashScheme) PubKeys(keys []gcrypto.PubKey) ([]byte, error) {
	if len(keys) == 0 {
		panic(errors.New("BUG: HashScheme.PubKeys should never be called with zero keys"))
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create new blake2b hasher: %w", err)
	}
	_, _ = h.Write([]byte{prefixPubKeys})

	var u16 [2]byte
	for _, k := range keys {
		b := k.PubKeyBytes()
		binary.BigEndian.PutUint16(u16[:], uint16(len(b)))
		_, _ = h.Write(u16[:])
		_, _ = h.Write(b)
	}
	return h.Sum(nil), nil
}

// OrderScheme is the binary [gmerkle.MerkleScheme] used for epoch order roots.
// It is exported so that callers may build inclusion proofs
// for a transaction within an epoch.
type OrderScheme struct{}

var _ gmerkle.MerkleScheme[epconsensus.Hash, epconsensus.Hash] = OrderScheme{}

func (OrderScheme) BranchFactor() uint8 { return 2 }

func (OrderScheme) LeafID(idx int, txHash epconsensus.Hash) (epconsensus.Hash, error) {
	var buf [1 + epconsensus.HashSize]byte
	buf[0] = prefixOrderLeaf
	copy(buf[1:], txHash[:])
	return blake2b.Sum256(buf[:]), nil
}

func (OrderScheme) BranchID(depth, rowIdx int, childIDs []epconsensus.Hash) (epconsensus.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return epconsensus.Hash{}, fmt.Errorf("failed to create new blake2b hasher: %w", err)
	}
	_, _ = h.Write([]byte{prefixOrderBranch, byte(len(childIDs))})
	for _, c := range childIDs {
		_, _ = h.Write(c[:])
	}

	var out epconsensus.Hash
	h.Sum(out[:0])
	return out, nil
}
