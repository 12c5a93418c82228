package gcrypto

// PubKey is a public key able to verify signatures
// produced by its corresponding [Signer].
type PubKey interface {
	// PubKeyBytes is the raw encoding of the key, without any type prefix.
	PubKeyBytes() []byte

	Equal(other PubKey) bool

	Verify(msg, sig []byte) bool

	// TypeName is the name used when registering the key type with a [Registry].
	TypeName() string
}
