package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gordian-engine/epoch/cmd/internal/gcmd"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epp2p/eplibp2p"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2pevent "github.com/libp2p/go-libp2p/core/event"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := NewRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Info("Failure", "err", err)
		os.Stderr.Sync()
		return err
	}

	return nil
}

func NewRootCmd(log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "epochd SUBCOMMAND",

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},

		Long: `epochd runs a validator of the epoch consensus engine.

Initial setup involves:

1. Pick your insecure passphrase.
   Keys are derived from it deterministically and are never written to disk.
2. Discover your resulting validator public key and libp2p ID with:
     $ epochd validator-pubkey 'my-passphrase'
     $ epochd libp2p-id 'my-passphrase'
3. Once every validator's public key and libp2p ID is known, create a config file like:
     {
       "ChainID": "epoch-demo",
       "Validators": [{"PubKey": "hex1", "Libp2pID": "id1"}, {"PubKey": "hex2", "Libp2pID": "id2"}],
       "RemoteAddrs": ["/ip4/127.0.0.1/tcp/9999/p2p/$RELAYER_ID"]
     }
4. Run the validator:
     $ epochd run-validator 'my-passphrase' path/to/config.json
`,
	}

	rootCmd.AddCommand(
		NewValidatorPublicKeyCmd(log),
		NewLibp2pIDCmd(log),

		NewRunValidatorCmd(log),

		NewRunP2PRelayerCmd(log),
	)

	return rootCmd
}

func NewValidatorPublicKeyCmd(*slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use: "validator-pubkey INSECURE_PASSPHRASE",

		Aliases: []string{"validator-pub-key"},

		Short: "Print the validator public key derived from the given insecure passphrase",

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := gcmd.SignerFromInsecurePassphrase(gcmd.ValidatorKeyPrefix, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%x\n", signer.PubKey().PubKeyBytes())
			fmt.Fprintf(cmd.ErrOrStderr(), "address: %s\n", epconsensus.AddressFromPubKey(signer.PubKey()))

			return nil
		},
	}
}

func NewLibp2pIDCmd(*slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use: "libp2p-id INSECURE_PASSPHRASE",

		Short: "Print the libp2p ID derived from the given insecure passphrase",

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			privKey, err := gcmd.Libp2pKeyFromInsecurePassphrase(gcmd.NetworkKeyPrefix, args[0])
			if err != nil {
				return fmt.Errorf("failed to generate libp2p network key: %w", err)
			}

			id, err := libp2ppeer.IDFromPrivateKey(privKey)
			if err != nil {
				return fmt.Errorf("failed to generate ID from libp2p private key: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)

			return nil
		},
	}
}

func NewRunP2PRelayerCmd(log *slog.Logger) *cobra.Command {
	listenAddrs := []string{"/ip4/0.0.0.0/tcp/9999"}

	cmd := &cobra.Command{
		Use: "run-p2p-relayer INSECURE_PASSPHRASE",

		Short: "Run a p2p relayer with a fixed ID on a fixed address, for validators to discover each other",

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			netPrivKey, err := gcmd.Libp2pKeyFromInsecurePassphrase(gcmd.NetworkKeyPrefix, args[0])
			if err != nil {
				return fmt.Errorf("failed to generate libp2p network key: %w", err)
			}

			h, err := eplibp2p.NewHost(
				ctx,
				eplibp2p.HostOptions{
					Options: []libp2p.Option{
						libp2p.Identity(netPrivKey),
						libp2p.ListenAddrStrings(listenAddrs...),
						libp2p.ForceReachabilityPublic(),
					},
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create libp2p host: %w", err)
			}

			defer func() {
				if err := h.Close(); err != nil {
					log.Warn("Error closing libp2p host", "err", err)
				}
			}()

			host := h.Libp2pHost()

			// Validators find each other through the relayer's DHT.
			kdht, err := dht.New(ctx, host,
				dht.ProtocolPrefix(eplibp2p.DHTProtocolPrefix),
				dht.Mode(dht.ModeServer),
			)
			if err != nil {
				return fmt.Errorf("failed to create DHT peer for p2p-relayer: %w", err)
			}
			defer kdht.Close()

			sub, err := host.EventBus().Subscribe(new(libp2pevent.EvtPeerConnectednessChanged))
			if err != nil {
				return err
			}
			defer sub.Close()

			loggingDone := make(chan struct{})
			go logPeerChanges(ctx, log, sub, loggingDone)

			log.Info("Listening for p2p connections", "id", host.ID(), "addrs", host.Addrs())
			log.Info("Press ^c to stop")

			<-ctx.Done()
			<-loggingDone

			return nil
		},
	}

	cmd.PersistentFlags().StringArrayVarP(&listenAddrs, "listen-multiaddr", "l", listenAddrs, "multiaddr to listen on")

	return cmd
}

func logPeerChanges(
	ctx context.Context,
	log *slog.Logger,
	sub libp2pevent.Subscription,
	done chan<- struct{},
) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case e := <-sub.Out():
			switch e := e.(type) {
			case libp2pevent.EvtPeerConnectednessChanged:
				log.Info(
					"Peer connectedness changed",
					"id", e.Peer,
					"connectedness", e.Connectedness,
				)
			default:
				log.Warn("Unknown event type", "type", fmt.Sprintf("%T", e))
			}
		}
	}
}
