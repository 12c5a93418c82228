package gcryptotest_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/epoch/gcrypto/gcryptotest"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEd25519Signers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s4 := gcryptotest.DeterministicEd25519Signers(4)

	t.Run("same keys across calls", func(t *testing.T) {
		again := gcryptotest.DeterministicEd25519Signers(4)
		for i := range s4 {
			require.Truef(t, s4[i].PubKey().Equal(again[i].PubKey()), "key mismatch at index %d", i)

			sig1, err := s4[i].Sign(ctx, []byte("test"))
			require.NoError(t, err)
			sig2, err := again[i].Sign(ctx, []byte("test"))
			require.NoError(t, err)
			require.Equal(t, sig1, sig2)
		}
	})

	t.Run("larger set is a superset", func(t *testing.T) {
		s8 := gcryptotest.DeterministicEd25519Signers(8)
		for i := range s4 {
			require.True(t, s4[i].PubKey().Equal(s8[i].PubKey()))
		}
	})

	t.Run("keys are distinct", func(t *testing.T) {
		for i := range s4 {
			for j := i + 1; j < len(s4); j++ {
				require.False(t, s4[i].PubKey().Equal(s4[j].PubKey()))
			}
		}
	})
}
