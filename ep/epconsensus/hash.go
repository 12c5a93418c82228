package epconsensus

import (
	"encoding/hex"
	"fmt"

	"github.com/gordian-engine/epoch/gcrypto"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the width in bytes of a [Hash].
const HashSize = 32

// Hash is a content-addressed identifier of a transaction or epoch.
type Hash [HashSize]byte

// HashFromBytes copies b into a Hash.
// It is an error for b to be any length other than [HashSize].
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes; got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != HashSize {
		return fmt.Errorf("hex hash must encode %d bytes; got %d characters", HashSize, len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// AddressSize is the width in bytes of an [Address].
const AddressSize = 20

// Address identifies a validator or account.
// It is the target of a Specified [MessageTarget].
type Address [AddressSize]byte

// AddressFromPubKey derives the address of a public key:
// the first 20 bytes of the blake2b-256 digest of the raw key bytes.
func AddressFromPubKey(pk gcrypto.PubKey) Address {
	sum := blake2b.Sum256(pk.PubKeyBytes())
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != AddressSize {
		return fmt.Errorf("hex address must encode %d bytes; got %d characters", AddressSize, len(b))
	}
	_, err := hex.Decode(a[:], b)
	return err
}
