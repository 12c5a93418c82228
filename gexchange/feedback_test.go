package gexchange_test

import (
	"testing"

	"github.com/gordian-engine/epoch/gexchange"
	"github.com/stretchr/testify/require"
)

func TestFeedback_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Accepted", gexchange.FeedbackAccepted.String())
	require.Equal(t, "Rejected", gexchange.FeedbackRejected.String())
	require.Equal(t, "Ignored", gexchange.FeedbackIgnored.String())
	require.Equal(t, "Unspecified", gexchange.FeedbackUnspecified.String())
	require.Equal(t, "Feedback(9)", gexchange.Feedback(9).String())
}
