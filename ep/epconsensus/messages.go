package epconsensus

import (
	"fmt"

	"github.com/gordian-engine/epoch/gcrypto"
)

// MessageKind names a category of consensus message.
type MessageKind uint8

const (
	KindUnspecified MessageKind = iota
	KindProposal
	KindVote
	KindQC
	KindEpoch
	KindTransaction
)

func (k MessageKind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	case KindQC:
		return "qc"
	case KindEpoch:
		return "epoch"
	case KindTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// VoteTarget is the value a vote endorses.
type VoteTarget struct {
	EpochID uint64
	Round   uint32

	EpochHash Hash
}

// Proposal is a candidate epoch for a specific round,
// signed by the proposer of that round.
type Proposal struct {
	Epoch Epoch
	Round uint32

	// Content hash of Epoch as calculated by the proposer.
	// Receivers recalculate and compare it.
	EpochHash Hash

	ProposerPubKey gcrypto.PubKey
	Signature      []byte
}

// VoteTarget returns the value a vote for p would endorse.
func (p Proposal) VoteTarget() VoteTarget {
	return VoteTarget{
		EpochID:   p.Epoch.ID(),
		Round:     p.Round,
		EpochHash: p.EpochHash,
	}
}

// Vote is one validator's signed endorsement of a [VoteTarget].
type Vote struct {
	Target VoteTarget

	VoterPubKey gcrypto.PubKey
	Signature   []byte
}

// MessageTarget is the delivery target of an outbound message:
// either every validator or exactly one.
//
// The zero value is a broadcast target.
type MessageTarget struct {
	specified bool
	addr      Address
}

// Broadcast returns a target for every known validator.
func Broadcast() MessageTarget {
	return MessageTarget{}
}

// Specified returns a target for only the validator at addr.
func Specified(addr Address) MessageTarget {
	return MessageTarget{specified: true, addr: addr}
}

func (t MessageTarget) IsBroadcast() bool {
	return !t.specified
}

// Address returns the single recipient of a Specified target.
// For a broadcast target, ok is false.
func (t MessageTarget) Address() (addr Address, ok bool) {
	return t.addr, t.specified
}

func (t MessageTarget) String() string {
	if !t.specified {
		return "Broadcast"
	}
	return "Specified(" + t.addr.String() + ")"
}
