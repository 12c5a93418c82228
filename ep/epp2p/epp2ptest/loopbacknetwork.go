package epp2ptest

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epp2p"
	"github.com/gordian-engine/epoch/internal/gchan"
	"golang.org/x/sync/errgroup"
)

// inboxSize bounds the undelivered messages per connection.
// Transmit drops messages for a full inbox rather than blocking,
// so that two engines transmitting to each other cannot deadlock.
const inboxSize = 256

// LoopbackNetwork is a network used for testing,
// where messages never leave the current process.
type LoopbackNetwork struct {
	// Not actively used, as network logs are high noise,
	// but wired up for debugging an individual test.
	log *slog.Logger

	ctx context.Context
	g   *errgroup.Group

	mu    sync.RWMutex
	conns []*LoopbackConnection
}

var (
	// Atomic counter to distinguish networks.
	loopbackNetworkIdxCounter uint64

	// Atomic counter for connection indices,
	// so that when logging, different connections can be distinguished.
	loopbackConnIdxCounter uint64
)

// NewLoopbackNetwork returns an initialized LoopbackNetwork.
// Cancel ctx and call Wait to clean up resources.
func NewLoopbackNetwork(ctx context.Context, log *slog.Logger) *LoopbackNetwork {
	g, gCtx := errgroup.WithContext(ctx)
	n := &LoopbackNetwork{
		log: log.With("net_idx", atomic.AddUint64(&loopbackNetworkIdxCounter, 1)),

		ctx: gCtx,
		g:   g,
	}
	return n
}

// Connect returns a new connection to the network for the validator at addr.
func (n *LoopbackNetwork) Connect(ctx context.Context, addr epconsensus.Address) (*LoopbackConnection, error) {
	if err := context.Cause(n.ctx); err != nil {
		return nil, fmt.Errorf("network stopped: %w", err)
	}
	if err := context.Cause(ctx); err != nil {
		return nil, fmt.Errorf("context finished before connecting to network: %w", err)
	}

	idx := atomic.AddUint64(&loopbackConnIdxCounter, 1)
	connCtx, cancel := context.WithCancel(n.ctx)
	c := &LoopbackConnection{
		log:  n.log.With("conn_idx", idx),
		net:  n,
		idx:  idx,
		addr: addr,

		inbox: make(chan []byte, inboxSize),

		cancel:       cancel,
		disconnected: make(chan struct{}),
	}

	n.mu.Lock()
	n.conns = append(n.conns, c)
	n.mu.Unlock()

	n.g.Go(func() error {
		c.deliver(connCtx)
		return nil
	})

	return c, nil
}

// Wait blocks until the network and every connection have stopped.
// To stop the network, cancel the context used in [NewLoopbackNetwork].
func (n *LoopbackNetwork) Wait() {
	_ = n.g.Wait()
}

// Stabilize is a no-op: loopback connections are usable as soon as Connect returns.
func (n *LoopbackNetwork) Stabilize(context.Context) error {
	return nil
}

func (n *LoopbackNetwork) remove(c *LoopbackConnection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i := slices.Index(n.conns, c); i >= 0 {
		n.conns = slices.Delete(n.conns, i, i+1)
	}
}

func (n *LoopbackNetwork) dispatch(sender *LoopbackConnection, msg []byte, target epconsensus.MessageTarget) error {
	addr, specified := target.Address()

	n.mu.RLock()
	defer n.mu.RUnlock()

	found := false
	for _, c := range n.conns {
		if c == sender {
			continue
		}
		if specified && c.addr != addr {
			continue
		}
		found = true

		// Each receiver gets its own copy, in case a handler retains the slice.
		if !gchan.TrySend(c.inbox, slices.Clone(msg)) {
			sender.dropped.Add(1)
			n.log.Debug("Dropped message for full inbox", "from", sender.idx, "to", c.idx)
		}
	}

	if specified && !found {
		return fmt.Errorf("no connection for validator %s", addr)
	}
	return nil
}

// LoopbackConnection is a connection to a [LoopbackNetwork].
type LoopbackConnection struct {
	log *slog.Logger

	net  *LoopbackNetwork
	idx  uint64
	addr epconsensus.Address

	inbox chan []byte

	handler atomic.Pointer[handlerBox]

	dropped atomic.Uint64

	cancel         context.CancelFunc
	disconnectOnce sync.Once
	disconnected   chan struct{}
}

type handlerBox struct {
	h epp2p.Handler
}

var _ epp2p.Connection = (*LoopbackConnection)(nil)

func (c *LoopbackConnection) Transmit(ctx context.Context, msg []byte, target epconsensus.MessageTarget) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	select {
	case <-c.disconnected:
		return fmt.Errorf("connection %d is disconnected", c.idx)
	default:
	}
	return c.net.dispatch(c, msg, target)
}

func (c *LoopbackConnection) SetHandler(h epp2p.Handler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handlerBox{h: h})
}

// Dropped reports how many messages sent from c were dropped
// because a receiver's inbox was full.
func (c *LoopbackConnection) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *LoopbackConnection) Disconnect() {
	c.cancel()
	<-c.disconnected
}

func (c *LoopbackConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *LoopbackConnection) deliver(ctx context.Context) {
	defer c.disconnectOnce.Do(func() {
		c.net.remove(c)
		close(c.disconnected)
	})

	for {
		msg, ok := gchan.RecvC(ctx, c.log, c.inbox, "awaiting inbound message")
		if !ok {
			return
		}

		box := c.handler.Load()
		if box == nil {
			continue
		}
		if _, err := box.h.HandleMessage(ctx, msg); err != nil {
			c.log.Debug("Inbound message not accepted", "err", err)
		}
	}
}
