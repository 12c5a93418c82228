// Package epjson is a JSON implementation of [epcodec.MarshalCodec].
package epjson

import (
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/gcrypto"
)

// MarshalCodec is a [epcodec.MarshalCodec] that
// translates epconsensus values to and from JSON.
// Public keys are encoded through CryptoRegistry.
type MarshalCodec struct {
	CryptoRegistry *gcrypto.Registry
}

var _ epcodec.MarshalCodec = MarshalCodec{}

type jsonEnvelope struct {
	Kind    epconsensus.MessageKind
	Payload json.RawMessage
}

func (c MarshalCodec) MarshalEnvelope(e epcodec.Envelope) ([]byte, error) {
	if !json.Valid(e.Payload) {
		return nil, fmt.Errorf("envelope payload for %s is not valid JSON", e.Kind)
	}
	return json.Marshal(jsonEnvelope{Kind: e.Kind, Payload: e.Payload})
}

func (c MarshalCodec) UnmarshalEnvelope(b []byte, e *epcodec.Envelope) error {
	var je jsonEnvelope
	if err := json.Unmarshal(b, &je); err != nil {
		return err
	}
	*e = epcodec.Envelope{Kind: je.Kind, Payload: []byte(je.Payload)}
	return nil
}

type jsonProposal struct {
	Epoch     jsonEpoch
	Round     uint32
	EpochHash epconsensus.Hash

	ProposerPubKey []byte
	Signature      []byte
}

func (c MarshalCodec) MarshalProposal(p epconsensus.Proposal) ([]byte, error) {
	if p.ProposerPubKey == nil {
		return nil, fmt.Errorf("proposal has no proposer public key")
	}
	return json.Marshal(jsonProposal{
		Epoch:     toJSONEpoch(p.Epoch),
		Round:     p.Round,
		EpochHash: p.EpochHash,

		ProposerPubKey: c.CryptoRegistry.Marshal(p.ProposerPubKey),
		Signature:      p.Signature,
	})
}

func (c MarshalCodec) UnmarshalProposal(b []byte, p *epconsensus.Proposal) error {
	var jp jsonProposal
	if err := json.Unmarshal(b, &jp); err != nil {
		return err
	}

	pubKey, err := c.CryptoRegistry.Unmarshal(jp.ProposerPubKey)
	if err != nil {
		return fmt.Errorf("failed to unmarshal proposer pubkey: %w", err)
	}

	*p = epconsensus.Proposal{
		Epoch:     jp.Epoch.ToEpoch(),
		Round:     jp.Round,
		EpochHash: jp.EpochHash,

		ProposerPubKey: pubKey,
		Signature:      jp.Signature,
	}
	return nil
}

type jsonVote struct {
	Target epconsensus.VoteTarget

	VoterPubKey []byte
	Signature   []byte
}

func (c MarshalCodec) MarshalVote(v epconsensus.Vote) ([]byte, error) {
	if v.VoterPubKey == nil {
		return nil, fmt.Errorf("vote has no voter public key")
	}
	return json.Marshal(jsonVote{
		Target:      v.Target,
		VoterPubKey: c.CryptoRegistry.Marshal(v.VoterPubKey),
		Signature:   v.Signature,
	})
}

func (c MarshalCodec) UnmarshalVote(b []byte, v *epconsensus.Vote) error {
	var jv jsonVote
	if err := json.Unmarshal(b, &jv); err != nil {
		return err
	}

	pubKey, err := c.CryptoRegistry.Unmarshal(jv.VoterPubKey)
	if err != nil {
		return fmt.Errorf("failed to unmarshal voter pubkey: %w", err)
	}

	*v = epconsensus.Vote{Target: jv.Target, VoterPubKey: pubKey, Signature: jv.Signature}
	return nil
}

func (c MarshalCodec) MarshalProof(p epconsensus.Proof) ([]byte, error) {
	return json.Marshal(p)
}

func (c MarshalCodec) UnmarshalProof(b []byte, p *epconsensus.Proof) error {
	var out epconsensus.Proof
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// jsonEpoch exists so that a nil transaction list and a zero proof
// survive a round trip unchanged.
type jsonEpoch struct {
	Header          epconsensus.EpochHeader
	OrderedTxHashes []epconsensus.Hash `json:",omitempty"`
	Proof           *epconsensus.Proof `json:",omitempty"`
}

func toJSONEpoch(e epconsensus.Epoch) jsonEpoch {
	je := jsonEpoch{Header: e.Header, OrderedTxHashes: e.OrderedTxHashes}
	if !e.Proof.IsZero() {
		p := e.Proof
		je.Proof = &p
	}
	return je
}

func (je jsonEpoch) ToEpoch() epconsensus.Epoch {
	e := epconsensus.Epoch{Header: je.Header, OrderedTxHashes: je.OrderedTxHashes}
	if je.Proof != nil {
		e.Proof = *je.Proof
	}
	return e
}

func (c MarshalCodec) MarshalEpoch(e epconsensus.Epoch) ([]byte, error) {
	return json.Marshal(toJSONEpoch(e))
}

func (c MarshalCodec) UnmarshalEpoch(b []byte, e *epconsensus.Epoch) error {
	var je jsonEpoch
	if err := json.Unmarshal(b, &je); err != nil {
		return err
	}
	*e = je.ToEpoch()
	return nil
}

type jsonSignedTx struct {
	Hash      epconsensus.Hash
	Payload   []byte
	Cycles    uint64
	Sender    []byte
	Signature []byte
}

func (c MarshalCodec) MarshalSignedTx(tx epconsensus.SignedTransaction) ([]byte, error) {
	if tx.Sender == nil {
		return nil, fmt.Errorf("transaction %s has no sender", tx.Hash)
	}
	return json.Marshal(jsonSignedTx{
		Hash:      tx.Hash,
		Payload:   tx.Payload,
		Cycles:    tx.Cycles,
		Sender:    c.CryptoRegistry.Marshal(tx.Sender),
		Signature: tx.Signature,
	})
}

func (c MarshalCodec) UnmarshalSignedTx(b []byte, tx *epconsensus.SignedTransaction) error {
	var jt jsonSignedTx
	if err := json.Unmarshal(b, &jt); err != nil {
		return err
	}

	sender, err := c.CryptoRegistry.Unmarshal(jt.Sender)
	if err != nil {
		return fmt.Errorf("failed to unmarshal sender pubkey: %w", err)
	}

	*tx = epconsensus.SignedTransaction{
		Hash:      jt.Hash,
		Payload:   jt.Payload,
		Cycles:    jt.Cycles,
		Sender:    sender,
		Signature: jt.Signature,
	}
	return nil
}
