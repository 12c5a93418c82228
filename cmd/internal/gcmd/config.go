package gcmd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/gordian-engine/epoch/gcrypto"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

// Config is the JSON configuration file shared by every validator of a network.
type Config struct {
	ChainID string

	Validators []ValidatorConfig

	// Multiaddrs, including the /p2p/ component, to connect to at startup.
	RemoteAddrs []string

	// Zero values use the engine defaults.
	CycleLimit   uint64
	FutureWindow uint64

	ProposalDelay Duration
	RoundTimeout  Duration
}

// ValidatorConfig identifies one validator.
type ValidatorConfig struct {
	// Hex-encoded ed25519 public key, as printed by validator-pubkey.
	PubKey string

	// The validator's libp2p peer ID, as printed by libp2p-id.
	// Votes are sent directly to this peer when the validator proposes.
	Libp2pID string

	// Defaults to 1.
	Power uint64
}

// Duration is a time.Duration encoded in JSON as a string like "750ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var err error
	if c.ChainID == "" {
		err = errors.Join(err, errors.New("ChainID must be set"))
	}
	if len(c.Validators) == 0 {
		err = errors.Join(err, errors.New("at least one validator must be configured"))
	}
	for i, v := range c.Validators {
		if _, e := hex.DecodeString(v.PubKey); e != nil {
			err = errors.Join(err, fmt.Errorf("validator %d: invalid PubKey: %w", i, e))
		}
		if v.Libp2pID != "" {
			if _, e := libp2ppeer.Decode(v.Libp2pID); e != nil {
				err = errors.Join(err, fmt.Errorf("validator %d: invalid Libp2pID: %w", i, e))
			}
		}
	}
	for i, ra := range c.RemoteAddrs {
		if _, e := libp2ppeer.AddrInfoFromString(ra); e != nil {
			err = errors.Join(err, fmt.Errorf("remote address %d: %w", i, e))
		}
	}
	return err
}

// ValidatorSet builds the validator set described by c.
func (c Config) ValidatorSet(hs epconsensus.HashScheme) (epconsensus.ValidatorSet, error) {
	vals := make([]epconsensus.Validator, len(c.Validators))
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v.PubKey)
		if err != nil {
			return epconsensus.ValidatorSet{}, fmt.Errorf("failed to parse validator pubkey at index %d: %w", i, err)
		}

		pubKey, err := gcrypto.NewEd25519PubKey(b)
		if err != nil {
			return epconsensus.ValidatorSet{}, fmt.Errorf("failed to build ed25519 public key from bytes: %w", err)
		}

		power := v.Power
		if power == 0 {
			power = 1
		}
		vals[i] = epconsensus.Validator{PubKey: pubKey, Power: power}
	}

	return epconsensus.NewValidatorSet(vals, hs)
}

// Peers maps each configured validator's address to its libp2p peer ID.
// Validators without a Libp2pID are omitted.
func (c Config) Peers() (map[epconsensus.Address]libp2ppeer.ID, error) {
	out := make(map[epconsensus.Address]libp2ppeer.ID, len(c.Validators))
	for i, v := range c.Validators {
		if v.Libp2pID == "" {
			continue
		}

		b, err := hex.DecodeString(v.PubKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse validator pubkey at index %d: %w", i, err)
		}
		pubKey, err := gcrypto.NewEd25519PubKey(b)
		if err != nil {
			return nil, fmt.Errorf("failed to build ed25519 public key from bytes: %w", err)
		}

		id, err := libp2ppeer.Decode(v.Libp2pID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse libp2p ID at index %d: %w", i, err)
		}
		out[epconsensus.AddressFromPubKey(pubKey)] = id
	}
	return out, nil
}

// TimeoutStrategy returns the engine timeout strategy configured by c.
func (c Config) TimeoutStrategy() epengine.LinearTimeoutStrategy {
	return epengine.LinearTimeoutStrategy{
		ProposalDelayBase: time.Duration(c.ProposalDelay),
		RoundBase:         time.Duration(c.RoundTimeout),
	}
}
