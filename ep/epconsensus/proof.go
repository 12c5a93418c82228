package epconsensus

import (
	"bytes"

	"github.com/gordian-engine/epoch/gcrypto"
)

// Proof is a quorum certificate:
// the collected signatures of validators that voted for one epoch content hash.
type Proof struct {
	EpochID uint64
	Round   uint32

	EpochHash Hash

	// Hash of the validator public keys the signatures were collected against.
	PubKeyHash []byte

	Signatures []gcrypto.SparseSignature
}

func (p Proof) IsZero() bool {
	return p.EpochID == 0 && p.Round == 0 && p.EpochHash.IsZero() &&
		len(p.PubKeyHash) == 0 && len(p.Signatures) == 0
}

// Target returns the vote target that every signature in p covers.
func (p Proof) Target() VoteTarget {
	return VoteTarget{EpochID: p.EpochID, Round: p.Round, EpochHash: p.EpochHash}
}

// ProofFromSignatures converts the signatures collected for vt into a Proof.
func ProofFromSignatures(vt VoteTarget, sp *gcrypto.SignatureProof) Proof {
	sparse := sp.AsSparse()
	return Proof{
		EpochID:   vt.EpochID,
		Round:     vt.Round,
		EpochHash: vt.EpochHash,

		PubKeyHash: sparse.PubKeyHash,
		Signatures: sparse.Signatures,
	}
}

// VerifyProof checks that every signature in p is a valid vote for p's target
// by a member of vs, and that the signers hold at least a Byzantine majority of power.
// Any failure is a [ValidationError].
func VerifyProof(p Proof, vs ValidatorSet, ss SignatureScheme) error {
	if p.IsZero() || len(p.Signatures) == 0 {
		return ValidationError{Kind: KindQC, Reason: "proof has no signatures"}
	}

	if !bytes.Equal(p.PubKeyHash, vs.PubKeyHash) {
		return ValidationError{Kind: KindQC, Reason: "proof signed against a different validator set"}
	}

	msg, err := VoteSignBytes(p.Target(), ss)
	if err != nil {
		return ValidationError{Kind: KindQC, Reason: "failed to build vote signing content", Err: err}
	}

	sp := gcrypto.NewSignatureProof(msg, vs.PubKeys(), vs.PubKeyHash)
	res := sp.MergeSparse(gcrypto.SparseSignatureProof{
		PubKeyHash: p.PubKeyHash,
		Signatures: p.Signatures,
	})
	if !res.AllValidSignatures {
		return ValidationError{Kind: KindQC, Reason: "proof contains an invalid signature", Err: gcrypto.ErrInvalidSignature}
	}

	if have, want := vs.SignerPower(sp.SignatureBitSet()), vs.Quorum(); have < want {
		return ValidationError{
			Kind:   KindQC,
			Reason: "signer power below quorum",
			Err:    QuorumNotMetError{Have: have, Want: want},
		}
	}

	return nil
}

// QuorumNotMetError is the underlying cause of a proof rejected for insufficient power.
type QuorumNotMetError struct {
	Have, Want uint64
}

func (e QuorumNotMetError) Error() string {
	return "quorum not met: have power " + uitoa(e.Have) + ", need " + uitoa(e.Want)
}
