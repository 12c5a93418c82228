// Package epp2p defines the connection between a validator
// and the peer-to-peer network carrying consensus envelopes.
package epp2p

import (
	"context"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/gexchange"
)

// Handler receives encoded consensus envelopes from the network.
// The epengine.Engine type satisfies Handler.
type Handler interface {
	HandleMessage(ctx context.Context, msg []byte) (gexchange.Feedback, error)
}

// Connection is a validator's connection to the p2p network.
//
// Transmit delivers broadcast messages to every other connection
// and specified messages only to the connection registered under that address.
// A connection never delivers its own messages back to itself.
type Connection interface {
	epadapter.Transmitter

	// SetHandler sets the handler for inbound messages.
	// Messages arriving while the handler is nil are ignored.
	//
	// This is a method rather than a constructor parameter,
	// because the engine requires the connection as its transmitter
	// before it exists to handle messages.
	SetHandler(Handler)

	// Disconnect the connection, rendering it unusable.
	Disconnect()

	// Disconnected returns a channel that is closed after Disconnect completes.
	Disconnected() <-chan struct{}
}
