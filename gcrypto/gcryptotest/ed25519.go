// Package gcryptotest holds deterministic key material for tests.
package gcryptotest

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/gordian-engine/epoch/gcrypto"
)

var (
	muEd     sync.Mutex
	seededEd []ed25519.PrivateKey
)

// DeterministicEd25519Signers returns n ed25519 signers
// whose keys are identical across calls and across test runs.
// Stable keys keep log output comparable between runs,
// and the keys are cached so repeated calls are nearly free.
func DeterministicEd25519Signers(n int) []gcrypto.Ed25519Signer {
	muEd.Lock()
	for i := len(seededEd); i < n; i++ {
		seed := fmt.Sprintf("%032d", i) // Seed must be exactly 32 bytes.
		seededEd = append(seededEd, ed25519.NewKeyFromSeed([]byte(seed)))
	}
	privs := seededEd[:n]
	muEd.Unlock()

	out := make([]gcrypto.Ed25519Signer, n)
	for i, p := range privs {
		// Copy the private key so a caller cannot corrupt the cache.
		out[i] = gcrypto.NewEd25519Signer(append(ed25519.PrivateKey(nil), p...))
	}
	return out
}

// PubKeys returns the public keys of signers, in order.
func PubKeys(signers []gcrypto.Ed25519Signer) []gcrypto.PubKey {
	out := make([]gcrypto.PubKey, len(signers))
	for i, s := range signers {
		out[i] = s.PubKey()
	}
	return out
}
