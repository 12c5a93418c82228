// Package eplibp2ptest runs real libp2p hosts on localhost for tests.
package eplibp2ptest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epp2p/eplibp2p"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
)

// Network is a set of libp2p connections joined through a shared seed host.
type Network struct {
	log *slog.Logger

	seed *eplibp2p.Host

	connWatchWg sync.WaitGroup

	mu    sync.Mutex
	peers []netPeer
}

type netPeer struct {
	addr epconsensus.Address
	conn *eplibp2p.Connection
}

func NewNetwork(ctx context.Context, log *slog.Logger) (*Network, error) {
	seed, err := eplibp2p.NewHost(ctx, newHostOptions(ctx))
	if err != nil {
		return nil, err
	}

	n := &Network{
		log: log,

		seed: seed,
	}

	n.connWatchWg.Add(1)
	go n.disconnectAllOnContextClose(ctx)

	return n, nil
}

func newHostOptions(ctx context.Context) eplibp2p.HostOptions {
	gossipSubParams := pubsub.DefaultGossipSubParams()

	// Low, coprime values keep gossipsub setup fast in tests,
	// particularly under the race detector.
	gossipSubParams.HeartbeatInitialDelay = 8 * time.Millisecond
	gossipSubParams.HeartbeatInterval = 45 * time.Millisecond
	gossipSubParams.DirectConnectInitialDelay = 11 * time.Millisecond

	return eplibp2p.HostOptions{
		Options: []libp2p.Option{
			// Localhost TCP only, so libp2p does not consider QUIC.
			libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
			libp2p.Transport(tcp.NewTCPTransport),

			// Allow localhost connections for test.
			libp2p.ForceReachabilityPublic(),

			libp2p.Routing(func(h p2phost.Host) (routing.PeerRouting, error) {
				return dht.New(ctx, h, dht.ProtocolPrefix(eplibp2p.DHTProtocolPrefix))
			}),
		},

		PubSubOptions: []pubsub.Option{
			pubsub.WithGossipSubParams(gossipSubParams),
		},
	}
}

func (n *Network) disconnectAllOnContextClose(ctx context.Context) {
	defer n.connWatchWg.Done()

	<-ctx.Done()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.conn.Disconnect()
	}

	if err := n.seed.Close(); err != nil {
		n.log.Info("Error closing network's seed node", "err", err)
	}
}

// Connect opens a new connection for the validator at addr,
// and registers it as a peer of every other connection on the network.
func (n *Network) Connect(ctx context.Context, addr epconsensus.Address) (*eplibp2p.Connection, error) {
	h, err := eplibp2p.NewHost(ctx, newHostOptions(ctx))
	if err != nil {
		return nil, err
	}

	if err := h.Libp2pHost().Connect(ctx, n.seed.AddrInfo()); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to connect to seed: %w", err)
	}

	connLog := n.log.With("conn_id", h.Libp2pHost().ID().ShortString())
	conn, err := eplibp2p.NewConnection(ctx, connLog, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n.connWatchWg.Add(1)
	go n.watchConnDisconnect(conn.Disconnected())

	n.mu.Lock()
	defer n.mu.Unlock()

	selfID := h.Libp2pHost().ID()
	for _, p := range n.peers {
		pHost := p.conn.Host()
		p.conn.SetPeer(addr, selfID)
		pHost.Libp2pHost().Peerstore().AddAddrs(selfID, h.Libp2pHost().Addrs(), time.Hour)

		conn.SetPeer(p.addr, pHost.Libp2pHost().ID())
		h.Libp2pHost().Peerstore().AddAddrs(pHost.Libp2pHost().ID(), pHost.Libp2pHost().Addrs(), time.Hour)
	}
	n.peers = append(n.peers, netPeer{addr: addr, conn: conn})
	return conn, nil
}

// watchConnDisconnect blocks until ch is closed.
func (n *Network) watchConnDisconnect(ch <-chan struct{}) {
	defer n.connWatchWg.Done()

	<-ch
}

// Wait blocks until both the network's context has been canceled
// and all peers have shut down.
func (n *Network) Wait() {
	n.connWatchWg.Wait()
}

// Stabilize blocks until all peers in the network
// are aware of each other.
func (n *Network) Stabilize(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Every peer should be aware of the seed, the other peers, and itself.
	want := len(n.peers) + 1

	for ctx.Err() == nil {
		if n.seed.Libp2pHost().Peerstore().Peers().Len() < want {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		allVisible := true
		for _, p := range n.peers {
			if p.conn.Host().Libp2pHost().Peerstore().Peers().Len() < want {
				allVisible = false
				break
			}
		}
		if !allVisible {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		// Peerstores are complete before the gossipsub mesh is formed,
		// and there is no signal for the mesh.
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	return context.Cause(ctx)
}
