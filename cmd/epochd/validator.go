package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gordian-engine/epoch/cmd/internal/gcmd"
	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epcodec/epjson"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/gordian-engine/epoch/ep/epexec"
	"github.com/gordian-engine/epoch/ep/epmempool"
	"github.com/gordian-engine/epoch/ep/epmetrics"
	"github.com/gordian-engine/epoch/ep/epp2p/eplibp2p"
	"github.com/gordian-engine/epoch/ep/epscheme"
	"github.com/gordian-engine/epoch/ep/epstore"
	"github.com/gordian-engine/epoch/ep/epstore/epsqlite"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/gwatchdog"
	"github.com/libp2p/go-libp2p"
	libp2pevent "github.com/libp2p/go-libp2p/core/event"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type validatorFlags struct {
	ListenAddrs []string
	DBPath      string
	MetricsAddr string
}

func (f *validatorFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&f.ListenAddrs, "listen-multiaddr", "l", f.ListenAddrs, "multiaddr to listen on")
	fs.StringVar(&f.DBPath, "db-path", f.DBPath, "path to the sqlite database; empty for an in-memory store")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", f.MetricsAddr, "address to serve Prometheus metrics on; empty to disable")
}

func NewRunValidatorCmd(log *slog.Logger) *cobra.Command {
	flags := validatorFlags{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/8888"},
	}

	cmd := &cobra.Command{
		Use: "run-validator INSECURE_PASSPHRASE PATH_TO_CONFIG_FILE",

		Short: "Run a validator",

		Args: cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gcmd.LoadConfig(args[1])
			if err != nil {
				return err
			}

			return runValidator(cmd.Context(), log, args[0], cfg, flags)
		},
	}

	flags.register(cmd.PersistentFlags())

	return cmd
}

func runValidator(
	rootCtx context.Context,
	log *slog.Logger,
	passphrase string,
	cfg gcmd.Config,
	flags validatorFlags,
) error {
	// Deferred cleanups depend on the context being canceled first,
	// so defer cancel() again after each of them.
	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	wd, ctx := gwatchdog.NewWatchdog(ctx, log.With("sys", "watchdog"))
	defer wd.Wait()
	defer cancel()

	signer, err := gcmd.SignerFromInsecurePassphrase(gcmd.ValidatorKeyPrefix, passphrase)
	if err != nil {
		return err
	}
	netPrivKey, err := gcmd.Libp2pKeyFromInsecurePassphrase(gcmd.NetworkKeyPrefix, passphrase)
	if err != nil {
		return fmt.Errorf("failed to generate libp2p network key: %w", err)
	}

	hs := epscheme.Blake2bHashScheme{}
	ss := epscheme.SignatureScheme{ChainID: cfg.ChainID}

	vals, err := cfg.ValidatorSet(hs)
	if err != nil {
		return err
	}
	peers, err := cfg.Peers()
	if err != nil {
		return err
	}

	reg := new(gcrypto.Registry)
	gcrypto.RegisterEd25519(reg)

	store, err := openStore(ctx, flags.DBPath, hs, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Error closing store", "err", err)
		}
	}()
	defer cancel()

	last, root, err := resumePoint(ctx, log, store)
	if err != nil {
		return err
	}

	mp, err := epmempool.New(log.With("sys", "mempool"), hs, ss, epmempool.DefaultConfirmedCacheSize)
	if err != nil {
		return err
	}
	ex := epexec.New(log.With("sys", "executor"), root, epexec.DefaultMaxTxCycles)

	h, err := eplibp2p.NewHost(
		ctx,
		eplibp2p.HostOptions{
			Options: []libp2p.Option{
				libp2p.Identity(netPrivKey),
				libp2p.ListenAddrStrings(flags.ListenAddrs...),

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
	defer cancel()

	host := h.Libp2pHost()

	sub, err := host.EventBus().Subscribe(new(libp2pevent.EvtPeerConnectednessChanged))
	if err != nil {
		return err
	}
	defer sub.Close()

	loggingDone := make(chan struct{})
	go logPeerChanges(ctx, log, sub, loggingDone)
	defer func() {
		cancel()
		<-loggingDone
	}()

	log.Info("Listening", "id", host.ID(), "addrs", host.Addrs())

	if len(cfg.RemoteAddrs) == 0 {
		log.Warn("Config had no remote addresses set; relying on incoming connections to discover peers")
	}
	for _, ra := range cfg.RemoteAddrs {
		ai, err := libp2ppeer.AddrInfoFromString(ra)
		if err != nil {
			return fmt.Errorf("failed to parse %q: %w", ra, err)
		}

		log.Info("Attempting connection", "remote_addr", ra)
		if err := host.Connect(ctx, *ai); err != nil {
			return fmt.Errorf("failed to connect to %v: %w", ai, err)
		}
	}

	conn, err := eplibp2p.NewConnection(ctx, log.With("sys", "libp2pconn"), h)
	if err != nil {
		return fmt.Errorf("failed to build libp2p connection: %w", err)
	}
	defer conn.Disconnect()
	defer cancel()

	for addr, id := range peers {
		conn.SetPeer(addr, id)
	}

	opts := []epengine.Opt{
		epengine.WithValidators(vals),
		epengine.WithSigner(signer),

		epengine.WithAdapter(epadapter.Compose(mp, ex, store, conn)),
		epengine.WithCodec(epjson.MarshalCodec{CryptoRegistry: reg}),

		epengine.WithHashScheme(hs),
		epengine.WithSignatureScheme(ss),

		epengine.WithTimeoutStrategy(ctx, cfg.TimeoutStrategy()),

		epengine.WithWatchdog(wd),
	}
	if cfg.CycleLimit > 0 {
		opts = append(opts, epengine.WithCycleLimit(cfg.CycleLimit))
	}
	if cfg.FutureWindow > 0 {
		opts = append(opts, epengine.WithFutureWindow(cfg.FutureWindow))
	}
	if last.ID() > 0 {
		log.Info("Resuming from stored epoch", "epoch", last.ID(), "state_root", root)
		opts = append(opts, epengine.WithLastFinalized(last.ID(), last.Proof.EpochHash, last.Proof))
	}

	var metricsCh chan epengine.Metrics
	if flags.MetricsAddr != "" {
		metricsCh = make(chan epengine.Metrics)
		opts = append(opts, epengine.WithMetricsChannel(metricsCh))
	}

	e, err := epengine.New(ctx, log.With("sys", "engine"), opts...)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer e.Wait()
	defer cancel()

	conn.SetHandler(e)

	g, gCtx := errgroup.WithContext(ctx)
	if metricsCh != nil {
		c := epmetrics.NewCollector()
		g.Go(func() error {
			c.Run(gCtx, metricsCh)
			return nil
		})
		g.Go(func() error {
			return serveMetrics(gCtx, log.With("sys", "metrics"), flags.MetricsAddr, c)
		})
	}

	log.Info("Running validator...", "address", epconsensus.AddressFromPubKey(signer.PubKey()))
	<-ctx.Done()
	log.Info("Shutting down...")

	return g.Wait()
}

func openStore(ctx context.Context, dbPath string, hs epconsensus.HashScheme, reg *gcrypto.Registry) (*epsqlite.Store, error) {
	if dbPath == "" {
		return epsqlite.NewInMemStore(ctx, hs, reg)
	}
	return epsqlite.NewOnDiskStore(ctx, dbPath, hs, reg)
}

// resumePoint returns the newest stored epoch whose whole commit was persisted,
// and the executor state root after that epoch.
// The zero epoch means starting from genesis.
//
// Epochs are committed one at a time, so only the last stored epoch can be incomplete.
// An incomplete epoch is committed again once the network delivers it.
func resumePoint(
	ctx context.Context, log *slog.Logger, s epstore.Store,
) (epconsensus.Epoch, epconsensus.Hash, error) {
	last, err := s.LastEpoch(ctx)
	if errors.Is(err, epstore.ErrStoreUninitialized) {
		return epconsensus.Epoch{}, epconsensus.Hash{}, nil
	}
	if err != nil {
		return epconsensus.Epoch{}, epconsensus.Hash{}, fmt.Errorf("failed to load last finalized epoch: %w", err)
	}

	complete, err := commitPersisted(ctx, s, last)
	if err != nil {
		return epconsensus.Epoch{}, epconsensus.Hash{}, err
	}
	if !complete {
		id := last.ID()
		log.Warn("Last stored epoch is missing receipts or transactions; resuming before it", "epoch", id)

		last = epconsensus.Epoch{}
		if id > 1 {
			last, err = s.LoadEpoch(ctx, id-1)
			if err != nil {
				return epconsensus.Epoch{}, epconsensus.Hash{}, fmt.Errorf(
					"failed to load epoch %d preceding incomplete epoch %d: %w", id-1, id, err,
				)
			}
		}
	}

	root, err := recoverStateRoot(ctx, s, last.ID())
	if err != nil {
		return epconsensus.Epoch{}, epconsensus.Hash{}, err
	}
	return last, root, nil
}

// commitPersisted reports whether every receipt and signed transaction
// of the stored epoch e was saved.
func commitPersisted(ctx context.Context, s epstore.Store, e epconsensus.Epoch) (bool, error) {
	receipts, err := s.LoadReceipts(ctx, e.ID())
	if err != nil {
		return false, fmt.Errorf("failed to load receipts for epoch %d: %w", e.ID(), err)
	}
	if len(receipts) != len(e.OrderedTxHashes) {
		return false, nil
	}

	for _, h := range e.OrderedTxHashes {
		_, err := s.LoadSignedTx(ctx, h)
		if err == nil {
			continue
		}
		var unknown epstore.TxUnknownError
		if errors.As(err, &unknown) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load transaction %s of epoch %d: %w", h, e.ID(), err)
	}
	return true, nil
}

// recoverStateRoot returns the executor state root after epoch last,
// which is the state delta of the most recent stored receipt.
func recoverStateRoot(ctx context.Context, s epstore.ReceiptStore, last uint64) (epconsensus.Hash, error) {
	for id := last; id > 0; id-- {
		receipts, err := s.LoadReceipts(ctx, id)
		if err != nil {
			return epconsensus.Hash{}, fmt.Errorf("failed to load receipts for epoch %d: %w", id, err)
		}
		if len(receipts) > 0 {
			return receipts[len(receipts)-1].StateDelta, nil
		}
	}
	return epconsensus.Hash{}, nil
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, c prometheus.Collector) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	return nil
}
