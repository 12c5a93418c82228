// Package gexchange holds values exchanged between the consensus engine
// and the peer-to-peer layer that is not specific to any transport.
package gexchange

import "strconv"

// Feedback is an indicator sent back to the p2p layer
// to give feedback about a particular message.
//
// Depending on the p2p implementation,
// feedback may increase a peer's score, giving preference to that peer,
// or it may reduce a peer's score, eventually rejecting
// all future messages from that peer.
type Feedback uint8

// Valid feedback values.
const (
	// FeedbackUnspecified is the zero value for Feedback.
	// Returning FeedbackUnspecified is a bug.
	FeedbackUnspecified Feedback = iota

	// FeedbackAccepted indicates that the input was valid
	// and that the message should continue to propagate.
	FeedbackAccepted

	// FeedbackRejected indicates that the input was invalid,
	// the message should not be propagated,
	// and the sender should be penalized.
	FeedbackRejected

	// FeedbackIgnored indicates that the message should not propagate,
	// but in contrast to FeedbackRejected, the sender is not penalized.
	// Stale messages for already finalized epochs are ignored.
	FeedbackIgnored
)

func (f Feedback) String() string {
	switch f {
	case FeedbackUnspecified:
		return "Unspecified"
	case FeedbackAccepted:
		return "Accepted"
	case FeedbackRejected:
		return "Rejected"
	case FeedbackIgnored:
		return "Ignored"
	default:
		return "Feedback(" + strconv.Itoa(int(f)) + ")"
	}
}
