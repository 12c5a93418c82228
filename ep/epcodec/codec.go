// Package epcodec defines the serialization boundary for consensus values.
package epcodec

import (
	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// Marshaler serializes epconsensus values to byte slices.
type Marshaler interface {
	MarshalEnvelope(Envelope) ([]byte, error)

	MarshalProposal(epconsensus.Proposal) ([]byte, error)
	MarshalVote(epconsensus.Vote) ([]byte, error)
	MarshalProof(epconsensus.Proof) ([]byte, error)

	MarshalEpoch(epconsensus.Epoch) ([]byte, error)
	MarshalSignedTx(epconsensus.SignedTransaction) ([]byte, error)
}

// Unmarshaler deserializes byte slices into epconsensus values.
type Unmarshaler interface {
	UnmarshalEnvelope([]byte, *Envelope) error

	UnmarshalProposal([]byte, *epconsensus.Proposal) error
	UnmarshalVote([]byte, *epconsensus.Vote) error
	UnmarshalProof([]byte, *epconsensus.Proof) error

	UnmarshalEpoch([]byte, *epconsensus.Epoch) error
	UnmarshalSignedTx([]byte, *epconsensus.SignedTransaction) error
}

// MarshalCodec marshals and unmarshals epconsensus values, producing byte slices.
type MarshalCodec interface {
	Marshaler
	Unmarshaler
}

// Envelope wraps an encoded consensus message with its kind,
// so that a receiver can dispatch it without decoding the payload first.
type Envelope struct {
	Kind epconsensus.MessageKind

	// Output of the matching Marshal method for Kind.
	Payload []byte
}

// EncodeProposal marshals p and wraps it in an envelope.
func EncodeProposal(m Marshaler, p epconsensus.Proposal) ([]byte, error) {
	b, err := m.MarshalProposal(p)
	if err != nil {
		return nil, err
	}
	return m.MarshalEnvelope(Envelope{Kind: epconsensus.KindProposal, Payload: b})
}

// EncodeVote marshals v and wraps it in an envelope.
func EncodeVote(m Marshaler, v epconsensus.Vote) ([]byte, error) {
	b, err := m.MarshalVote(v)
	if err != nil {
		return nil, err
	}
	return m.MarshalEnvelope(Envelope{Kind: epconsensus.KindVote, Payload: b})
}

// EncodeQC marshals p and wraps it in an envelope.
func EncodeQC(m Marshaler, p epconsensus.Proof) ([]byte, error) {
	b, err := m.MarshalProof(p)
	if err != nil {
		return nil, err
	}
	return m.MarshalEnvelope(Envelope{Kind: epconsensus.KindQC, Payload: b})
}
