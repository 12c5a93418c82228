// Package gcmd contains helpers shared by the command line tools.
package gcmd

import (
	"crypto/ed25519"

	"github.com/gordian-engine/epoch/gcrypto"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/blake2b"
)

// Key derivation prefixes.
// Each use of a passphrase gets its own prefix so that
// the same passphrase never yields the same key twice.
const (
	ValidatorKeyPrefix = "epochd|"
	NetworkKeyPrefix   = "epochd:network|"
)

func seedFromPassphrase(prefix, insecurePassphrase string) ([]byte, error) {
	bh, err := blake2b.New(ed25519.SeedSize, nil)
	if err != nil {
		return nil, err
	}
	bh.Write([]byte(prefix + insecurePassphrase))
	return bh.Sum(nil), nil
}

// SignerFromInsecurePassphrase deterministically derives an ed25519 signer
// from prefix and insecurePassphrase.
func SignerFromInsecurePassphrase(prefix, insecurePassphrase string) (gcrypto.Ed25519Signer, error) {
	seed, err := seedFromPassphrase(prefix, insecurePassphrase)
	if err != nil {
		return gcrypto.Ed25519Signer{}, err
	}

	return gcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
}

// Libp2pKeyFromInsecurePassphrase deterministically derives
// a libp2p identity key from prefix and insecurePassphrase.
func Libp2pKeyFromInsecurePassphrase(prefix, insecurePassphrase string) (libp2pcrypto.PrivKey, error) {
	seed, err := seedFromPassphrase(prefix, insecurePassphrase)
	if err != nil {
		return nil, err
	}

	privKey := ed25519.NewKeyFromSeed(seed)

	priv, _, err := libp2pcrypto.KeyPairFromStdKey(&privKey)
	if err != nil {
		return nil, err
	}

	return priv, nil
}
