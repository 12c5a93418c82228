// Package epmetrics exposes [epengine.Metrics] to Prometheus.
package epmetrics

import (
	"context"
	"sync"

	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "epoch"

var (
	lastFinalizedDesc = prometheus.NewDesc(
		namespace+"_last_finalized_epoch", "ID of the most recently committed epoch.", nil, nil,
	)
	currentEpochDesc = prometheus.NewDesc(
		namespace+"_current_epoch", "ID of the epoch under consensus.", nil, nil,
	)
	roundDesc = prometheus.NewDesc(
		namespace+"_round", "Round of the current epoch.", nil, nil,
	)
	phaseDesc = prometheus.NewDesc(
		namespace+"_phase", "Set to 1 for the engine's current phase.", []string{"phase"}, nil,
	)

	commitsDesc = prometheus.NewDesc(
		namespace+"_commits_total", "Epochs committed since start.", nil, nil,
	)
	rejectsDesc = prometheus.NewDesc(
		namespace+"_validation_rejects_total", "Inbound messages rejected as invalid.", nil, nil,
	)
	staleDesc = prometheus.NewDesc(
		namespace+"_stale_messages_total", "Inbound messages for an already finalized epoch.", nil, nil,
	)
	transmitFailuresDesc = prometheus.NewDesc(
		namespace+"_transmit_failures_total", "Outbound messages the transport failed to send.", nil, nil,
	)
	roundTimeoutsDesc = prometheus.NewDesc(
		namespace+"_round_timeouts_total", "Rounds abandoned by timeout.", nil, nil,
	)
)

// Collector is a [prometheus.Collector] reporting the most recent
// engine metrics received through [*Collector.Run].
type Collector struct {
	mu  sync.RWMutex
	cur epengine.Metrics
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector() *Collector {
	return new(Collector)
}

// Run records every value received on in until ctx is done or in is closed.
// in is typically the channel passed to [epengine.WithMetricsChannel].
func (c *Collector) Run(ctx context.Context, in <-chan epengine.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			c.Set(m)
		}
	}
}

// Set replaces the reported metrics with m.
func (c *Collector) Set(m epengine.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = m
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- lastFinalizedDesc
	ch <- currentEpochDesc
	ch <- roundDesc
	ch <- phaseDesc
	ch <- commitsDesc
	ch <- rejectsDesc
	ch <- staleDesc
	ch <- transmitFailuresDesc
	ch <- roundTimeoutsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	m := c.cur
	c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(lastFinalizedDesc, prometheus.GaugeValue, float64(m.LastFinalizedEpoch))
	ch <- prometheus.MustNewConstMetric(currentEpochDesc, prometheus.GaugeValue, float64(m.CurrentEpoch))
	ch <- prometheus.MustNewConstMetric(roundDesc, prometheus.GaugeValue, float64(m.Round))
	ch <- prometheus.MustNewConstMetric(phaseDesc, prometheus.GaugeValue, 1, m.Phase.String())

	ch <- prometheus.MustNewConstMetric(commitsDesc, prometheus.CounterValue, float64(m.Commits))
	ch <- prometheus.MustNewConstMetric(rejectsDesc, prometheus.CounterValue, float64(m.ValidationRejects))
	ch <- prometheus.MustNewConstMetric(staleDesc, prometheus.CounterValue, float64(m.StaleMessages))
	ch <- prometheus.MustNewConstMetric(transmitFailuresDesc, prometheus.CounterValue, float64(m.TransmitFailures))
	ch <- prometheus.MustNewConstMetric(roundTimeoutsDesc, prometheus.CounterValue, float64(m.RoundTimeouts))
}
