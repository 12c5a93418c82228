package epconsensus

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/epoch/gcrypto"
)

// Validator is the simple representation of a validator,
// just a public key and a voting power.
type Validator struct {
	PubKey gcrypto.PubKey
	Power  uint64
}

// Address is shorthand for AddressFromPubKey(v.PubKey).
func (v Validator) Address() Address {
	return AddressFromPubKey(v.PubKey)
}

// ValidatorSet is a fixed, ordered collection of validators.
// The order determines the key indices within a [Proof]
// and the proposer rotation.
type ValidatorSet struct {
	Validators []Validator

	// Generated via a [HashScheme].
	PubKeyHash []byte
}

// NewValidatorSet returns a ValidatorSet based on vs,
// with its public key hash calculated using hs.
//
// NewValidatorSet assumes ownership over the validator slice,
// so that slice should not be modified after passing it to NewValidatorSet.
func NewValidatorSet(vs []Validator, hs HashScheme) (ValidatorSet, error) {
	if len(vs) == 0 {
		return ValidatorSet{}, errors.New("validator set must not be empty")
	}

	var total uint64
	for i, v := range vs {
		if v.PubKey == nil {
			return ValidatorSet{}, fmt.Errorf("validator at index %d has no public key", i)
		}
		if v.Power == 0 {
			return ValidatorSet{}, fmt.Errorf("validator at index %d has zero power", i)
		}
		total += v.Power
	}
	if total == 0 {
		return ValidatorSet{}, errors.New("validator set has zero total power")
	}

	h, err := hs.PubKeys(ValidatorsToPubKeys(vs))
	if err != nil {
		return ValidatorSet{}, fmt.Errorf("failed to calculate public key hash: %w", err)
	}

	return ValidatorSet{Validators: vs, PubKeyHash: h}, nil
}

// Equal reports whether v and other hold the same validators and hash.
func (v ValidatorSet) Equal(other ValidatorSet) bool {
	return bytes.Equal(v.PubKeyHash, other.PubKeyHash) &&
		slices.EqualFunc(v.Validators, other.Validators, func(a, b Validator) bool {
			return a.Power == b.Power && a.PubKey.Equal(b.PubKey)
		})
}

func (v ValidatorSet) Len() int {
	return len(v.Validators)
}

func (v ValidatorSet) TotalPower() uint64 {
	var n uint64
	for _, val := range v.Validators {
		n += val.Power
	}
	return n
}

// Quorum is the minimum signer power for a valid [Proof].
func (v ValidatorSet) Quorum() uint64 {
	return ByzantineMajority(v.TotalPower())
}

// Proposer returns the validator expected to propose at the given epoch and round.
// The proposer rotates by one position for every epoch and every round.
func (v ValidatorSet) Proposer(epochID uint64, round uint32) Validator {
	n := uint64(len(v.Validators))
	return v.Validators[(epochID+uint64(round))%n]
}

// ProposedThrough reports whether addr is the proposer of epochID
// at round or at any earlier round.
func (v ValidatorSet) ProposedThrough(epochID uint64, round uint32, addr Address) bool {
	n := uint64(len(v.Validators))
	for i, val := range v.Validators {
		if val.Address() != addr {
			continue
		}
		first := (uint64(i) + n - epochID%n) % n
		return first <= uint64(round)
	}
	return false
}

// Index returns the position of pk within v.
func (v ValidatorSet) Index(pk gcrypto.PubKey) (int, bool) {
	for i, val := range v.Validators {
		if val.PubKey.Equal(pk) {
			return i, true
		}
	}
	return -1, false
}

// ByAddress returns the validator whose public key derives to addr.
func (v ValidatorSet) ByAddress(addr Address) (Validator, bool) {
	for _, val := range v.Validators {
		if val.Address() == addr {
			return val, true
		}
	}
	return Validator{}, false
}

// PubKeys returns the public keys of v, in order.
func (v ValidatorSet) PubKeys() []gcrypto.PubKey {
	return ValidatorsToPubKeys(v.Validators)
}

// SignerPower sums the power of the validators whose indices are set in signers.
func (v ValidatorSet) SignerPower(signers *bitset.BitSet) uint64 {
	var n uint64
	for i, ok := signers.NextSet(0); ok; i, ok = signers.NextSet(i + 1) {
		if int(i) >= len(v.Validators) {
			break
		}
		n += v.Validators[i].Power
	}
	return n
}

// SortValidators sorts vs in-place, by power descending,
// and then by public key ascending.
func SortValidators(vs []Validator) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Power == vs[j].Power {
			return bytes.Compare(vs[i].PubKey.PubKeyBytes(), vs[j].PubKey.PubKeyBytes()) < 0
		}
		return vs[i].Power > vs[j].Power
	})
}

// ValidatorsToPubKeys returns a slice of just the public keys of vs.
func ValidatorsToPubKeys(vs []Validator) []gcrypto.PubKey {
	out := make([]gcrypto.PubKey, len(vs))
	for i, v := range vs {
		out[i] = v.PubKey
	}
	return out
}
