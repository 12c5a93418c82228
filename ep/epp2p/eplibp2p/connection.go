// Package eplibp2p is a libp2p implementation of [epp2p.Connection].
//
// Broadcast envelopes are published on a gossipsub topic.
// Specified envelopes are written to a direct stream to the target's peer,
// located through the Kademlia DHT when the peerstore has no address for it.
package eplibp2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epp2p"
	"github.com/gordian-engine/epoch/gexchange"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	topicConsensus = "epoch/consensus/v1"

	protocolDirect protocol.ID = "/epoch/direct/1.0.0"

	// DHTProtocolPrefix keeps the epoch DHT separate from the public IPFS DHT.
	DHTProtocolPrefix protocol.ID = "/epoch"

	// MaxDirectMessageSize bounds the size of a single direct envelope.
	MaxDirectMessageSize = 4 << 20

	directStreamTimeout = 10 * time.Second
)

// UnknownPeerError is returned from Transmit when a specified target
// has no registered peer.
type UnknownPeerError struct {
	Addr epconsensus.Address
}

func (e UnknownPeerError) Error() string {
	return fmt.Sprintf("no peer registered for validator %s", e.Addr)
}

// Connection is a connection to a libp2p network,
// subscribed to the consensus topic and serving direct streams.
type Connection struct {
	log *slog.Logger

	h       *Host
	dhtPeer *dht.IpfsDHT

	consensusTopic *pubsub.Topic
	consensusSub   *pubsub.Subscription

	handler atomic.Pointer[handlerBox]

	peersMu sync.RWMutex
	peers   map[epconsensus.Address]peer.ID

	// Stream handlers have no context of their own.
	lifeCtx context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

type handlerBox struct {
	h epp2p.Handler
}

var _ epp2p.Connection = (*Connection)(nil)

// NewConnection returns a new Connection based on
// a host that has already joined a network.
//
// On error, everything NewConnection set up on h is released,
// but h itself is left open.
func NewConnection(ctx context.Context, log *slog.Logger, h *Host) (_ *Connection, err error) {
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}()

	consensusTopic, err := h.PubSub().Join(topicConsensus)
	if err != nil {
		return nil, fmt.Errorf("failed to join consensus topic: %w", err)
	}
	undo = append(undo, func() {
		if err := consensusTopic.Close(); err != nil {
			log.Info("Error closing consensus topic after failed setup", "err", err)
		}
	})

	consensusSub, err := consensusTopic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to consensus topic: %w", err)
	}
	undo = append(undo, consensusSub.Cancel)

	dhtPeer, err := dht.New(
		ctx,
		h.Libp2pHost(),
		dht.ProtocolPrefix(DHTProtocolPrefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT peer: %w", err)
	}
	undo = append(undo, func() {
		if err := dhtPeer.Close(); err != nil {
			log.Info("Error closing DHT peer after failed setup", "err", err)
		}
	})

	lifeCtx, cancel := context.WithCancel(ctx)
	undo = append(undo, cancel)

	c := &Connection{
		log: log,

		h:       h,
		dhtPeer: dhtPeer,

		consensusTopic: consensusTopic,
		consensusSub:   consensusSub,

		peers: make(map[epconsensus.Address]peer.ID),

		lifeCtx: lifeCtx,
		cancel:  cancel,

		disconnected: make(chan struct{}),
	}

	// The validator is fixed for the life of the connection;
	// the handler behind it is swapped atomically.
	if err := h.PubSub().RegisterTopicValidator(topicConsensus, c.validateConsensusMessage); err != nil {
		return nil, fmt.Errorf("failed to register consensus topic validator: %w", err)
	}
	undo = append(undo, func() {
		_ = h.PubSub().UnregisterTopicValidator(topicConsensus)
	})

	h.Libp2pHost().SetStreamHandler(protocolDirect, c.handleDirectStream)
	undo = append(undo, func() {
		h.Libp2pHost().RemoveStreamHandler(protocolDirect)
	})

	// Subscription setup happens in the background.
	if err := waitForSubscriptions(lifeCtx, h.PubSub(), topicConsensus); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.drainSub(lifeCtx, consensusSub)
	go c.disconnectOnContextDone(lifeCtx)

	return c, nil
}

// Host returns c's underlying Host.
func (c *Connection) Host() *Host {
	return c.h
}

// DHT returns the DHT peer used for peer routing.
func (c *Connection) DHT() *dht.IpfsDHT {
	return c.dhtPeer
}

// SetPeer registers id as the peer of the validator at addr,
// so that specified messages for addr reach that peer.
func (c *Connection) SetPeer(addr epconsensus.Address, id peer.ID) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers[addr] = id
}

func (c *Connection) SetHandler(h epp2p.Handler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handlerBox{h: h})
}

// Transmit publishes broadcast messages to the consensus topic
// and writes specified messages to a direct stream.
func (c *Connection) Transmit(ctx context.Context, msg []byte, target epconsensus.MessageTarget) error {
	addr, ok := target.Address()
	if !ok {
		if err := c.consensusTopic.Publish(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish to consensus topic: %w", err)
		}
		return nil
	}

	if len(msg) > MaxDirectMessageSize {
		return fmt.Errorf("direct message size %d exceeds maximum %d", len(msg), MaxDirectMessageSize)
	}

	c.peersMu.RLock()
	id, ok := c.peers[addr]
	c.peersMu.RUnlock()
	if !ok {
		return UnknownPeerError{Addr: addr}
	}

	if err := c.ensureAddrs(ctx, id); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, directStreamTimeout)
	defer cancel()

	s, err := c.h.Libp2pHost().NewStream(ctx, id, protocolDirect)
	if err != nil {
		return fmt.Errorf("failed to open direct stream to %s: %w", id, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}

	if _, err := s.Write(msg); err != nil {
		_ = s.Reset()
		return fmt.Errorf("failed to write direct message to %s: %w", id, err)
	}

	// Closing the write side marks the end of the envelope.
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return fmt.Errorf("failed to close direct stream to %s: %w", id, err)
	}
	_ = s.Close()
	return nil
}

// ensureAddrs looks up id in the DHT if the peerstore has no address for it.
func (c *Connection) ensureAddrs(ctx context.Context, id peer.ID) error {
	lh := c.h.Libp2pHost()
	if lh.Network().Connectedness(id) == network.Connected || len(lh.Peerstore().Addrs(id)) > 0 {
		return nil
	}

	ai, err := c.dhtPeer.FindPeer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to find peer %s: %w", id, err)
	}
	if err := lh.Connect(ctx, ai); err != nil {
		return fmt.Errorf("failed to connect to peer %s: %w", id, err)
	}
	return nil
}

func (c *Connection) handleDirectStream(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer()
	_ = s.SetReadDeadline(time.Now().Add(directStreamTimeout))

	msg, err := io.ReadAll(io.LimitReader(s, MaxDirectMessageSize+1))
	if err != nil {
		c.log.Info("Failed to read direct stream", "from", from, "err", err)
		_ = s.Reset()
		return
	}
	if len(msg) > MaxDirectMessageSize {
		c.log.Info("Dropping oversized direct message", "from", from)
		_ = s.Reset()
		return
	}

	box := c.handler.Load()
	if box == nil {
		return
	}

	f, err := box.h.HandleMessage(c.lifeCtx, msg)
	if f == gexchange.FeedbackRejected {
		c.log.Info("Rejected direct message", "from", from, "err", err)
	}
}

// validateConsensusMessage is the pubsub validator for the consensus topic.
// It runs on every new message, and its result decides
// whether the message continues to propagate through the network.
func (c *Connection) validateConsensusMessage(
	ctx context.Context, id peer.ID, msg *pubsub.Message,
) pubsub.ValidationResult {
	if id == c.h.Libp2pHost().ID() {
		// Local state was already consistent with this message before it was sent.
		return pubsub.ValidationAccept
	}

	box := c.handler.Load()
	if box == nil {
		return pubsub.ValidationIgnore
	}

	f, err := box.h.HandleMessage(ctx, msg.Data)
	if err != nil && f != gexchange.FeedbackIgnored {
		c.log.Debug("Consensus message not accepted", "from", id, "feedback", f, "err", err)
	}
	return c.exchangeFeedbackToLibp2p(f)
}

func (c *Connection) exchangeFeedbackToLibp2p(f gexchange.Feedback) pubsub.ValidationResult {
	switch f {
	case gexchange.FeedbackAccepted:
		return pubsub.ValidationAccept
	case gexchange.FeedbackRejected:
		return pubsub.ValidationReject
	case gexchange.FeedbackIgnored:
		return pubsub.ValidationIgnore
	default:
		c.log.Info("Handler returned unacceptable feedback value", "f", f)
		return pubsub.ValidationIgnore
	}
}

// drainSub continually reads from a subscription.
// Delivery happens in the topic validator;
// the subscription only exists to keep the topic joined.
func (c *Connection) drainSub(ctx context.Context, sub *pubsub.Subscription) {
	defer c.wg.Done()

	for {
		if _, err := sub.Next(ctx); err != nil {
			// Context cancellation and subscription cancellation are not log-worthy.
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				c.log.Info("Quitting subscription draining due to error", "err", err)
			}
			return
		}
	}
}

func (c *Connection) disconnectOnContextDone(ctx context.Context) {
	defer c.wg.Done()

	<-ctx.Done()
	c.disconnect()
}

// Disconnect closes the subscription, the DHT, and the host.
func (c *Connection) Disconnect() {
	c.cancel()
	c.wg.Wait()
}

func (c *Connection) disconnect() {
	c.disconnectOnce.Do(func() {
		c.h.Libp2pHost().RemoveStreamHandler(protocolDirect)
		_ = c.h.PubSub().UnregisterTopicValidator(topicConsensus)

		c.consensusSub.Cancel()
		if err := c.consensusTopic.Close(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Info("Error closing consensus topic during disconnect", "err", err)
		}

		if err := c.dhtPeer.Close(); err != nil {
			c.log.Info("Error closing DHT peer", "err", err)
		}

		if err := c.h.Close(); err != nil {
			c.log.Info("Error closing connection host", "err", err)
		}

		close(c.disconnected)
	})
}

// Disconnected returns a channel that is closed once
// the connection has been torn down.
func (c *Connection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// waitForSubscriptions polls ps until it reports every topic in topics.
// There is no synchronous callback to discover when a subscription is ready.
func waitForSubscriptions(ctx context.Context, ps *pubsub.PubSub, topics ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var have []string
	for {
		have = ps.GetTopics()
		if len(have) >= len(topics) && containsAll(have, topics) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf(
				"not all subscriptions ready: have: %s; want: %s: %w",
				strings.Join(have, ", "),
				strings.Join(topics, ", "),
				context.Cause(ctx),
			)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func containsAll(have, want []string) bool {
	for _, t := range want {
		if !slices.Contains(have, t) {
			return false
		}
	}
	return true
}
