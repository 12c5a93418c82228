package gcrypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"

	"github.com/bits-and-blooms/bitset"
)

// Errors from [*SignatureProof.AddSignature].
var (
	// ErrUnknownKey means the key is outside the proof's candidate key set.
	ErrUnknownKey = errors.New("key is not a candidate signer")

	// ErrInvalidSignature means the signature does not verify against the key.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SparseSignature pairs a key ID with a signature.
// The key ID is the big-endian uint16 index of the signing key
// within the candidate key set of the [SignatureProof] that produced it.
type SparseSignature struct {
	KeyID []byte
	Sig   []byte
}

// SparseSignatureProof is the wire form of a [SignatureProof].
type SparseSignatureProof struct {
	PubKeyHash []byte

	Signatures []SparseSignature
}

// MergeResult describes the outcome of merging signatures into a [SignatureProof].
type MergeResult struct {
	// Whether every offered signature verified against its key.
	AllValidSignatures bool

	// Whether at least one signature was new to the proof.
	IncreasedSignatures bool
}

// SignatureProof collects signatures from a fixed candidate key set
// over a single common message.
// The set of keys that have signed is tracked in a bit set
// indexed the same as the candidate keys.
//
// A SignatureProof is not safe for concurrent use.
type SignatureProof struct {
	msg []byte

	keys    []PubKey
	keyIdxs map[string]int

	pubKeyHash []byte

	// Signature bytes indexed by candidate key index.
	sigs [][]byte

	signed *bitset.BitSet
}

// NewSignatureProof returns an empty proof for msg.
// The pubKeyHash is an opaque identifier of candidateKeys,
// used to reject sparse proofs built against a different key set.
func NewSignatureProof(msg []byte, candidateKeys []PubKey, pubKeyHash []byte) *SignatureProof {
	keyIdxs := make(map[string]int, len(candidateKeys))
	for i, k := range candidateKeys {
		keyIdxs[string(k.PubKeyBytes())] = i
	}

	return &SignatureProof{
		msg: msg,

		keys:    candidateKeys,
		keyIdxs: keyIdxs,

		pubKeyHash: pubKeyHash,

		sigs: make([][]byte, len(candidateKeys)),

		signed: bitset.New(uint(len(candidateKeys))),
	}
}

func (p *SignatureProof) Message() []byte {
	return p.msg
}

func (p *SignatureProof) PubKeyHash() []byte {
	return p.pubKeyHash
}

// AddSignature verifies sig against key and records it.
// A second signature for an already-signed key is ignored.
func (p *SignatureProof) AddSignature(sig []byte, key PubKey) error {
	idx, ok := p.keyIdxs[string(key.PubKeyBytes())]
	if !ok {
		return ErrUnknownKey
	}
	if p.signed.Test(uint(idx)) {
		return nil
	}
	if !key.Verify(p.msg, sig) {
		return ErrInvalidSignature
	}

	p.sigs[idx] = sig
	p.signed.Set(uint(idx))
	return nil
}

// MergeSparse verifies and adds every signature in s.
// If s references a different key set, nothing is merged
// and the result reports invalid signatures.
func (p *SignatureProof) MergeSparse(s SparseSignatureProof) MergeResult {
	if !bytes.Equal(p.pubKeyHash, s.PubKeyHash) {
		return MergeResult{}
	}

	res := MergeResult{AllValidSignatures: true}
	before := p.signed.Count()

	for _, ss := range s.Signatures {
		idx, ok := p.keyIndex(ss.KeyID)
		if !ok {
			res.AllValidSignatures = false
			continue
		}

		if err := p.AddSignature(ss.Sig, p.keys[idx]); err != nil {
			res.AllValidSignatures = false
		}
	}

	res.IncreasedSignatures = p.signed.Count() > before
	return res
}

// HasSparseKeyID reports whether the proof holds a signature for keyID.
// valid is false if keyID does not map into the candidate keys.
func (p *SignatureProof) HasSparseKeyID(keyID []byte) (has, valid bool) {
	idx, ok := p.keyIndex(keyID)
	if !ok {
		return false, false
	}
	return p.signed.Test(uint(idx)), true
}

// SignatureBitSet returns the bit set of candidate key indices that have signed.
// The returned value must not be modified.
func (p *SignatureProof) SignatureBitSet() *bitset.BitSet {
	return p.signed
}

// AsSparse returns the signatures in ascending key order.
func (p *SignatureProof) AsSparse() SparseSignatureProof {
	sigs := make([]SparseSignature, 0, p.signed.Count())
	for i, ok := p.signed.NextSet(0); ok; i, ok = p.signed.NextSet(i + 1) {
		sigs = append(sigs, SparseSignature{
			KeyID: KeyIDForIndex(int(i)),
			Sig:   slices.Clone(p.sigs[i]),
		})
	}

	return SparseSignatureProof{
		PubKeyHash: slices.Clone(p.pubKeyHash),
		Signatures: sigs,
	}
}

// Clone returns an independent copy of p.
func (p *SignatureProof) Clone() *SignatureProof {
	return &SignatureProof{
		msg: p.msg,

		keys:    p.keys,
		keyIdxs: p.keyIdxs,

		pubKeyHash: p.pubKeyHash,

		sigs: slices.Clone(p.sigs),

		signed: p.signed.Clone(),
	}
}

func (p *SignatureProof) keyIndex(keyID []byte) (int, bool) {
	if len(keyID) != 2 {
		return 0, false
	}
	idx := int(binary.BigEndian.Uint16(keyID))
	if idx >= len(p.keys) {
		return 0, false
	}
	return idx, true
}

// KeyIDForIndex returns the sparse key ID for the candidate key at idx.
func KeyIDForIndex(idx int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(idx))
	return b
}
