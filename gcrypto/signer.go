package gcrypto

import "context"

// Signer produces signatures verifiable by its PubKey.
type Signer interface {
	PubKey() PubKey

	// Sign returns the signature for input.
	// The context is present for signers backed by a remote key service.
	Sign(ctx context.Context, input []byte) (signature []byte, err error)
}
