package gcmd_test

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gordian-engine/epoch/cmd/internal/gcmd"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epscheme"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestSignerFromInsecurePassphrase(t *testing.T) {
	t.Parallel()

	s1, err := gcmd.SignerFromInsecurePassphrase(gcmd.ValidatorKeyPrefix, "hunter2")
	require.NoError(t, err)
	s2, err := gcmd.SignerFromInsecurePassphrase(gcmd.ValidatorKeyPrefix, "hunter2")
	require.NoError(t, err)
	require.True(t, s1.PubKey().Equal(s2.PubKey()))

	other, err := gcmd.SignerFromInsecurePassphrase(gcmd.NetworkKeyPrefix, "hunter2")
	require.NoError(t, err)
	require.False(t, s1.PubKey().Equal(other.PubKey()))
}

func TestLibp2pKeyFromInsecurePassphrase(t *testing.T) {
	t.Parallel()

	k1, err := gcmd.Libp2pKeyFromInsecurePassphrase(gcmd.NetworkKeyPrefix, "hunter2")
	require.NoError(t, err)
	k2, err := gcmd.Libp2pKeyFromInsecurePassphrase(gcmd.NetworkKeyPrefix, "hunter2")
	require.NoError(t, err)
	require.True(t, k1.Equals(k2))

	id1, err := libp2ppeer.IDFromPrivateKey(k1)
	require.NoError(t, err)
	id2, err := libp2ppeer.IDFromPrivateKey(k2)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	signer, err := gcmd.SignerFromInsecurePassphrase(gcmd.ValidatorKeyPrefix, "a")
	require.NoError(t, err)
	netKey, err := gcmd.Libp2pKeyFromInsecurePassphrase(gcmd.NetworkKeyPrefix, "a")
	require.NoError(t, err)
	id, err := libp2ppeer.IDFromPrivateKey(netKey)
	require.NoError(t, err)

	pubKeyHex := hex.EncodeToString(signer.PubKey().PubKeyBytes())

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
  "ChainID": "epoch-test",
  "Validators": [{"PubKey": "`+pubKeyHex+`", "Libp2pID": "`+id.String()+`"}],
  "RoundTimeout": "3s"
}`), 0o600))

		cfg, err := gcmd.LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, "epoch-test", cfg.ChainID)
		require.Equal(t, 3*time.Second, cfg.TimeoutStrategy().RoundBase)

		vs, err := cfg.ValidatorSet(epscheme.Blake2bHashScheme{})
		require.NoError(t, err)
		require.Len(t, vs.Validators, 1)
		require.Equal(t, uint64(1), vs.Validators[0].Power)

		peers, err := cfg.Peers()
		require.NoError(t, err)
		require.Equal(t, id, peers[epconsensus.AddressFromPubKey(signer.PubKey())])
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
  "Validators": [{"PubKey": "not hex"}],
  "RemoteAddrs": ["/ip4/127.0.0.1/tcp/1"]
}`), 0o600))

		_, err := gcmd.LoadConfig(path)
		require.ErrorContains(t, err, "ChainID must be set")
		require.ErrorContains(t, err, "invalid PubKey")
		require.ErrorContains(t, err, "remote address 0")
	})
}
