// Package epconsensustest contains fixtures for building
// validators, transactions, epochs, and signed consensus messages in tests.
package epconsensustest

import (
	"context"
	"fmt"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epscheme"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/gcrypto/gcryptotest"
)

// Fixture is a set of values used for typical test flows
// involving validators and voting,
// with convenience methods for common test actions.
//
// Fixture methods panic on failure, as they are only used in test.
type Fixture struct {
	// Signers[i] signs for ValSet.Validators[i].
	Signers []gcrypto.Ed25519Signer

	ValSet epconsensus.ValidatorSet

	// Separate account that signs transactions.
	TxSigner gcrypto.Ed25519Signer

	// May be safely reassigned before building any values,
	// but the validator set hash is computed with the default hash scheme.
	HashScheme      epconsensus.HashScheme
	SignatureScheme epconsensus.SignatureScheme
}

// NewFixture returns a Fixture with numVals deterministic ed25519 validators,
// each with power 1, in key order.
func NewFixture(numVals int) *Fixture {
	signers := gcryptotest.DeterministicEd25519Signers(numVals + 1)

	hs := epscheme.Blake2bHashScheme{}
	vals := make([]epconsensus.Validator, numVals)
	for i := range vals {
		vals[i] = epconsensus.Validator{PubKey: signers[i].PubKey(), Power: 1}
	}

	vs, err := epconsensus.NewValidatorSet(vals, hs)
	if err != nil {
		panic(fmt.Errorf("failed to build validator set: %w", err))
	}

	return &Fixture{
		Signers:  signers[:numVals],
		ValSet:   vs,
		TxSigner: signers[numVals],

		HashScheme:      hs,
		SignatureScheme: epscheme.SignatureScheme{ChainID: "epochtest"},
	}
}

// ProposerIndex returns the index of the expected proposer at epochID and round.
func (f *Fixture) ProposerIndex(epochID uint64, round uint32) int {
	p := f.ValSet.Proposer(epochID, round)
	idx, ok := f.ValSet.Index(p.PubKey)
	if !ok {
		panic("BUG: proposer not in validator set")
	}
	return idx
}

// NewTx returns a transaction over payload, signed by f.TxSigner.
func (f *Fixture) NewTx(payload string, cycles uint64) epconsensus.SignedTransaction {
	h, err := f.HashScheme.Tx([]byte(payload))
	if err != nil {
		panic(fmt.Errorf("failed to hash tx: %w", err))
	}

	msg, err := epconsensus.TxSignBytes(h, cycles, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("failed to get tx sign bytes: %w", err))
	}
	sig, err := f.TxSigner.Sign(context.Background(), msg)
	if err != nil {
		panic(fmt.Errorf("failed to sign tx: %w", err))
	}

	return epconsensus.SignedTransaction{
		Hash:      h,
		Payload:   []byte(payload),
		Cycles:    cycles,
		Sender:    f.TxSigner.PubKey(),
		Signature: sig,
	}
}

// NewTxs returns n transactions, each costing cycles,
// with payloads prefix-0 through prefix-(n-1).
func (f *Fixture) NewTxs(prefix string, n int, cycles uint64) []epconsensus.SignedTransaction {
	out := make([]epconsensus.SignedTransaction, n)
	for i := range out {
		out[i] = f.NewTx(fmt.Sprintf("%s-%d", prefix, i), cycles)
	}
	return out
}

// NewEpoch returns the epoch with the given ID following prevHash,
// ordering txs and naming the expected proposer for round.
func (f *Fixture) NewEpoch(
	id uint64, prevHash epconsensus.Hash, round uint32, txs []epconsensus.SignedTransaction,
) epconsensus.Epoch {
	hashes := epconsensus.TxHashes(txs)
	root, err := f.HashScheme.OrderRoot(hashes)
	if err != nil {
		panic(fmt.Errorf("failed to calculate order root: %w", err))
	}

	return epconsensus.Epoch{
		Header: epconsensus.EpochHeader{
			ID:        id,
			PrevHash:  prevHash,
			OrderRoot: root,
			Proposer:  f.ValSet.Proposer(id, round).Address(),
		},
		OrderedTxHashes: hashes,
	}
}

// EpochHash returns the content hash of e.
func (f *Fixture) EpochHash(e epconsensus.Epoch) epconsensus.Hash {
	h, err := f.HashScheme.Epoch(e)
	if err != nil {
		panic(fmt.Errorf("failed to hash epoch: %w", err))
	}
	return h
}

// Proposal returns a proposal for e at round,
// signed by the validator at signerIdx.
// Pass [Fixture.ProposerIndex] for a valid proposal.
func (f *Fixture) Proposal(e epconsensus.Epoch, round uint32, signerIdx int) epconsensus.Proposal {
	h := f.EpochHash(e)
	msg, err := epconsensus.ProposalSignBytes(e.ID(), round, h, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("failed to get proposal sign bytes: %w", err))
	}

	s := f.Signers[signerIdx]
	sig, err := s.Sign(context.Background(), msg)
	if err != nil {
		panic(fmt.Errorf("failed to sign proposal: %w", err))
	}

	return epconsensus.Proposal{
		Epoch:          e,
		Round:          round,
		EpochHash:      h,
		ProposerPubKey: s.PubKey(),
		Signature:      sig,
	}
}

// Vote returns a vote for vt signed by the validator at signerIdx.
func (f *Fixture) Vote(vt epconsensus.VoteTarget, signerIdx int) epconsensus.Vote {
	msg, err := epconsensus.VoteSignBytes(vt, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("failed to get vote sign bytes: %w", err))
	}

	s := f.Signers[signerIdx]
	sig, err := s.Sign(context.Background(), msg)
	if err != nil {
		panic(fmt.Errorf("failed to sign vote: %w", err))
	}

	return epconsensus.Vote{Target: vt, VoterPubKey: s.PubKey(), Signature: sig}
}

// Proof returns a proof for vt with signatures from the validators at signerIdxs.
func (f *Fixture) Proof(vt epconsensus.VoteTarget, signerIdxs ...int) epconsensus.Proof {
	msg, err := epconsensus.VoteSignBytes(vt, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("failed to get vote sign bytes: %w", err))
	}

	sp := gcrypto.NewSignatureProof(msg, f.ValSet.PubKeys(), f.ValSet.PubKeyHash)
	for _, idx := range signerIdxs {
		v := f.Vote(vt, idx)
		if err := sp.AddSignature(v.Signature, v.VoterPubKey); err != nil {
			panic(fmt.Errorf("failed to add signature for validator %d: %w", idx, err))
		}
	}
	return epconsensus.ProofFromSignatures(vt, sp)
}

// QuorumIdxs returns the indices of the first validators
// whose combined power reaches quorum.
func (f *Fixture) QuorumIdxs() []int {
	var out []int
	var pow uint64
	for i, v := range f.ValSet.Validators {
		if pow >= f.ValSet.Quorum() {
			break
		}
		out = append(out, i)
		pow += v.Power
	}
	return out
}

// FinalizedChain returns n consecutive finalized epochs starting at ID 1,
// each with txsPerEpoch transactions, and the transactions per epoch.
func (f *Fixture) FinalizedChain(n, txsPerEpoch int) ([]epconsensus.Epoch, [][]epconsensus.SignedTransaction) {
	epochs := make([]epconsensus.Epoch, n)
	allTxs := make([][]epconsensus.SignedTransaction, n)

	var prev epconsensus.Hash
	for i := range epochs {
		id := uint64(i + 1)
		txs := f.NewTxs(fmt.Sprintf("chain-%d", id), txsPerEpoch, 1)
		e := f.NewEpoch(id, prev, 0, txs)
		h := f.EpochHash(e)
		e.Proof = f.Proof(epconsensus.VoteTarget{EpochID: id, EpochHash: h}, f.QuorumIdxs()...)

		epochs[i] = e
		allTxs[i] = txs
		prev = h
	}
	return epochs, allTxs
}
