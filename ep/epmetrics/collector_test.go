package epmetrics_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/gordian-engine/epoch/ep/epmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Parallel()

	c := epmetrics.NewCollector()
	c.Set(epengine.Metrics{
		LastFinalizedEpoch: 5,
		CurrentEpoch:       6,
		Round:              1,
		Phase:              epconsensus.PhaseVoting,
		Commits:            5,
		StaleMessages:      2,
	})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	require.Equal(t, 9, testutil.CollectAndCount(c))

	const want = `
# HELP epoch_current_epoch ID of the epoch under consensus.
# TYPE epoch_current_epoch gauge
epoch_current_epoch 6
# HELP epoch_last_finalized_epoch ID of the most recently committed epoch.
# TYPE epoch_last_finalized_epoch gauge
epoch_last_finalized_epoch 5
# HELP epoch_phase Set to 1 for the engine's current phase.
# TYPE epoch_phase gauge
epoch_phase{phase="Voting"} 1
# HELP epoch_commits_total Epochs committed since start.
# TYPE epoch_commits_total counter
epoch_commits_total 5
# HELP epoch_stale_messages_total Inbound messages for an already finalized epoch.
# TYPE epoch_stale_messages_total counter
epoch_stale_messages_total 2
`
	require.NoError(t, testutil.GatherAndCompare(
		reg, strings.NewReader(want),
		"epoch_current_epoch", "epoch_last_finalized_epoch", "epoch_phase",
		"epoch_commits_total", "epoch_stale_messages_total",
	))
}

func TestCollector_Run(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := epmetrics.NewCollector()
	ch := make(chan epengine.Metrics, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, ch)
	}()

	ch <- epengine.Metrics{LastFinalizedEpoch: 3, Commits: 3}

	g := prometheus.NewRegistry()
	require.NoError(t, g.Register(c))
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(g, strings.NewReader(`
# HELP epoch_commits_total Epochs committed since start.
# TYPE epoch_commits_total counter
epoch_commits_total 3
`), "epoch_commits_total") == nil
	}, time.Second, 5*time.Millisecond)

	close(ch)
	<-done
}
