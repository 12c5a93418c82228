// Package eprouter maps outbound consensus messages onto adapter transmissions,
// and dispatches inbound messages to a [epconsensus.Consensus].
package eprouter

import (
	"context"
	"fmt"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// Router resolves the delivery target of each outbound message
// and issues exactly one Transmit call per message.
// It never retries and never fans out;
// that is the transport's responsibility.
type Router struct {
	t epadapter.Transmitter
	m epcodec.Marshaler
}

func New(t epadapter.Transmitter, m epcodec.Marshaler) *Router {
	return &Router{t: t, m: m}
}

// Send transmits an already encoded envelope to target.
// A failed transmission is returned as a [epconsensus.NetworkError].
func (r *Router) Send(ctx context.Context, env epcodec.Envelope, target epconsensus.MessageTarget) error {
	b, err := r.m.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Kind, err)
	}

	if err := r.t.Transmit(ctx, b, target); err != nil {
		return epconsensus.NetworkError{Target: target, Err: err}
	}
	return nil
}

// SendProposal broadcasts p to every validator.
func (r *Router) SendProposal(ctx context.Context, p epconsensus.Proposal) error {
	b, err := r.m.MarshalProposal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}
	return r.Send(ctx, epcodec.Envelope{Kind: epconsensus.KindProposal, Payload: b}, epconsensus.Broadcast())
}

// SendVote sends v only to the validator at proposer,
// who is responsible for assembling the quorum certificate.
func (r *Router) SendVote(ctx context.Context, v epconsensus.Vote, proposer epconsensus.Address) error {
	b, err := r.m.MarshalVote(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}
	return r.Send(ctx, epcodec.Envelope{Kind: epconsensus.KindVote, Payload: b}, epconsensus.Specified(proposer))
}

// SendQC broadcasts the quorum certificate p to every validator.
func (r *Router) SendQC(ctx context.Context, p epconsensus.Proof) error {
	b, err := r.m.MarshalProof(p)
	if err != nil {
		return fmt.Errorf("failed to marshal quorum certificate: %w", err)
	}
	return r.Send(ctx, epcodec.Envelope{Kind: epconsensus.KindQC, Payload: b}, epconsensus.Broadcast())
}

// Deliver decodes an inbound envelope and passes its payload
// to the matching method of c.
// A malformed envelope or unknown kind is a [epconsensus.ValidationError].
func Deliver(ctx context.Context, c epconsensus.Consensus, u epcodec.Unmarshaler, msg []byte) error {
	var env epcodec.Envelope
	if err := u.UnmarshalEnvelope(msg, &env); err != nil {
		return epconsensus.ValidationError{Reason: "malformed envelope", Err: err}
	}

	switch env.Kind {
	case epconsensus.KindProposal:
		return c.SetProposal(ctx, env.Payload)
	case epconsensus.KindVote:
		return c.SetVote(ctx, env.Payload)
	case epconsensus.KindQC:
		return c.SetQC(ctx, env.Payload)
	default:
		return epconsensus.ValidationError{Kind: env.Kind, Reason: "unroutable message kind"}
	}
}
