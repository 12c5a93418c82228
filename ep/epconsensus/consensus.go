// Package epconsensus holds the data model shared by the epoch consensus engine,
// its adapters, and its transports.
package epconsensus

import (
	"context"

	"github.com/gordian-engine/epoch/gexchange"
)

// Consensus is the set of operations the network layer
// and the state sync layer invoke on a consensus engine.
//
// Stale messages for already finalized epochs are acknowledged with a nil error.
type Consensus interface {
	SetProposal(ctx context.Context, proposal []byte) error
	SetVote(ctx context.Context, vote []byte) error
	SetQC(ctx context.Context, qc []byte) error

	UpdateEpoch(ctx context.Context, epoch Epoch, signedTxs []SignedTransaction, proof Proof) error
}

// FeedbackForError maps the result of a [Consensus] call
// to the feedback reported to the p2p layer for the originating message.
func FeedbackForError(err error) gexchange.Feedback {
	if err == nil {
		return gexchange.FeedbackAccepted
	}
	if IsValidationError(err) {
		return gexchange.FeedbackRejected
	}

	// Local failures are not the sender's fault.
	return gexchange.FeedbackIgnored
}
