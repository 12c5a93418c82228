package epp2ptest_test

import (
	"context"

	"github.com/gordian-engine/epoch/gexchange"
)

type blockingHandler struct {
	block   <-chan struct{}
	entered chan struct{}
}

func (h *blockingHandler) HandleMessage(ctx context.Context, _ []byte) (gexchange.Feedback, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.block:
	case <-ctx.Done():
	}
	return gexchange.FeedbackAccepted, nil
}
