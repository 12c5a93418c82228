// Package epp2ptest contains an in-process [LoopbackNetwork]
// and a compliance suite for [epp2p.Connection] implementations.
package epp2ptest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/gordian-engine/epoch/ep/epp2p"
	"github.com/gordian-engine/epoch/gexchange"
	"github.com/gordian-engine/epoch/internal/gtest"
	"github.com/stretchr/testify/require"
)

// Network is a generalized interface for an in-process network for testing.
type Network interface {
	// Connect opens a connection for the validator at addr.
	Connect(context.Context, epconsensus.Address) (epp2p.Connection, error)

	// Block until the network has cleaned up.
	// Cancel the network's context to stop it.
	Wait()

	// Stabilize blocks until the current set of connections
	// can reach each other.
	Stabilize(context.Context) error
}

// NetworkConstructor is used within [TestNetworkCompliance] to create a Network.
type NetworkConstructor func(context.Context, *slog.Logger) (Network, error)

// GenericNetwork adapts a network whose Connect method
// returns a concrete connection type to the [Network] interface.
type GenericNetwork[C epp2p.Connection] struct {
	Network interface {
		Connect(context.Context, epconsensus.Address) (C, error)

		Wait()

		Stabilize(context.Context) error
	}
}

func (n *GenericNetwork[C]) Connect(ctx context.Context, addr epconsensus.Address) (epp2p.Connection, error) {
	return n.Network.Connect(ctx, addr)
}

func (n *GenericNetwork[C]) Wait() {
	n.Network.Wait()
}

func (n *GenericNetwork[C]) Stabilize(ctx context.Context) error {
	return n.Network.Stabilize(ctx)
}

// RecordingHandler is an [epp2p.Handler] that sends every message to a channel
// and returns a fixed feedback value.
type RecordingHandler struct {
	Msgs chan []byte

	Feedback gexchange.Feedback
}

func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{
		Msgs:     make(chan []byte, 16),
		Feedback: gexchange.FeedbackAccepted,
	}
}

func (h *RecordingHandler) HandleMessage(ctx context.Context, msg []byte) (gexchange.Feedback, error) {
	select {
	case h.Msgs <- msg:
	case <-ctx.Done():
		return gexchange.FeedbackIgnored, context.Cause(ctx)
	}
	return h.Feedback, nil
}

func TestNetworkCompliance(t *testing.T, newNet NetworkConstructor) {
	fx := epconsensustest.NewFixture(3)
	addrs := make([]epconsensus.Address, len(fx.Signers))
	for i, s := range fx.Signers {
		addrs[i] = epconsensus.AddressFromPubKey(s.PubKey())
	}

	// start creates a network with one connection and handler per fixture signer.
	start := func(t *testing.T) (context.Context, []epp2p.Connection, []*RecordingHandler) {
		t.Helper()

		ctx, cancel := context.WithCancel(context.Background())

		net, err := newNet(ctx, gtest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() {
			cancel()
			net.Wait()
		})

		conns := make([]epp2p.Connection, len(addrs))
		handlers := make([]*RecordingHandler, len(addrs))
		for i, a := range addrs {
			conns[i], err = net.Connect(ctx, a)
			require.NoError(t, err)
			handlers[i] = NewRecordingHandler()
			conns[i].SetHandler(handlers[i])
		}
		require.NoError(t, net.Stabilize(ctx))

		return ctx, conns, handlers
	}

	t.Run("connections are closed on network context cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		net, err := newNet(ctx, gtest.NewLogger(t))
		require.NoError(t, err)
		defer net.Wait()
		defer cancel()

		conn1, err := net.Connect(ctx, addrs[0])
		require.NoError(t, err)
		conn2, err := net.Connect(ctx, addrs[1])
		require.NoError(t, err)

		require.NoError(t, net.Stabilize(ctx))

		gtest.NotSending(t, conn1.Disconnected())
		gtest.NotSending(t, conn2.Disconnected())

		cancel()
		net.Wait()

		_ = gtest.ReceiveOrTimeout(t, conn1.Disconnected(), gtest.ScaleMs(500))
		_ = gtest.ReceiveOrTimeout(t, conn2.Disconnected(), gtest.ScaleMs(500))
	})

	t.Run("broadcast reaches every other connection", func(t *testing.T) {
		t.Parallel()

		ctx, conns, handlers := start(t)

		msg := []byte("broadcast envelope")
		require.NoError(t, conns[0].Transmit(ctx, msg, epconsensus.Broadcast()))

		timeout := gtest.ScaleMs(2000)
		require.Equal(t, msg, gtest.ReceiveOrTimeout(t, handlers[1].Msgs, timeout))
		require.Equal(t, msg, gtest.ReceiveOrTimeout(t, handlers[2].Msgs, timeout))

		// Never delivered back to the sender.
		gtest.NotSendingSoon(t, handlers[0].Msgs)
	})

	t.Run("specified message reaches only its target", func(t *testing.T) {
		t.Parallel()

		ctx, conns, handlers := start(t)

		msg := []byte("vote for proposer")
		require.NoError(t, conns[0].Transmit(ctx, msg, epconsensus.Specified(addrs[2])))

		require.Equal(t, msg, gtest.ReceiveOrTimeout(t, handlers[2].Msgs, gtest.ScaleMs(2000)))
		gtest.NotSendingSoon(t, handlers[1].Msgs)
		gtest.NotSendingSoon(t, handlers[0].Msgs)
	})

	t.Run("specified message to unknown validator fails", func(t *testing.T) {
		t.Parallel()

		ctx, conns, _ := start(t)

		unknown := epconsensus.AddressFromPubKey(fx.TxSigner.PubKey())
		require.Error(t, conns[0].Transmit(ctx, []byte("lost"), epconsensus.Specified(unknown)))
	})

	t.Run("nil handler ignores messages", func(t *testing.T) {
		t.Parallel()

		ctx, conns, handlers := start(t)

		conns[1].SetHandler(nil)

		msg := []byte("first")
		require.NoError(t, conns[0].Transmit(ctx, msg, epconsensus.Broadcast()))
		require.Equal(t, msg, gtest.ReceiveOrTimeout(t, handlers[2].Msgs, gtest.ScaleMs(2000)))
		gtest.NotSendingSoon(t, handlers[1].Msgs)

		// Restoring the handler resumes delivery.
		conns[1].SetHandler(handlers[1])
		msg = []byte("second")
		require.NoError(t, conns[0].Transmit(ctx, msg, epconsensus.Specified(addrs[1])))
		require.Equal(t, msg, gtest.ReceiveOrTimeout(t, handlers[1].Msgs, gtest.ScaleMs(2000)))
	})

	t.Run("disconnected connection no longer receives", func(t *testing.T) {
		t.Parallel()

		ctx, conns, handlers := start(t)

		conns[2].Disconnect()
		_ = gtest.ReceiveOrTimeout(t, conns[2].Disconnected(), gtest.ScaleMs(500))

		msg := []byte("after disconnect")
		require.NoError(t, conns[0].Transmit(ctx, msg, epconsensus.Broadcast()))
		require.Equal(t, msg, gtest.ReceiveOrTimeout(t, handlers[1].Msgs, gtest.ScaleMs(2000)))

		select {
		case <-handlers[2].Msgs:
			t.Fatal("disconnected connection received a message")
		case <-time.After(50 * time.Millisecond):
		}
	})
}
