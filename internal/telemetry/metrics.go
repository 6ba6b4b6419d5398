// Package telemetry exposes a Prometheus scrape endpoint and the metric
// vectors the consumer package's MetricsSink updates on every Runloop
// event.
package telemetry

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Expose starts a background HTTP server serving /metrics on port.
func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}

// RunloopMetrics is the counter/gauge set a Runloop's diagnostics sink
// updates; one instance per consumer, labeled by group id.
type RunloopMetrics struct {
	Polls             prometheus.Counter
	RecordsPolled     prometheus.Counter
	Commits           prometheus.Counter
	OffsetsCommitted  prometheus.Counter
	RebalanceAssigned prometheus.Counter
	RebalanceRevoked  prometheus.Counter
	RebalanceLost     prometheus.Counter
	DroppedRecords    prometheus.Counter
	AssignedPartitions prometheus.Gauge
}

var (
	runloopMetricsMu sync.Mutex
	runloopMetrics   = make(map[string]*RunloopMetrics)
)

// NewRunloopMetrics returns the metric vector for groupID, registering it on
// first use and reusing the same *RunloopMetrics on every later call for
// that group id — promauto registration panics on a duplicate name plus
// const-label set, so a second registration attempt is never made.
func NewRunloopMetrics(groupID string) *RunloopMetrics {
	runloopMetricsMu.Lock()
	defer runloopMetricsMu.Unlock()
	if m, ok := runloopMetrics[groupID]; ok {
		return m
	}
	m := newRunloopMetrics(groupID)
	runloopMetrics[groupID] = m
	return m
}

func newRunloopMetrics(groupID string) *RunloopMetrics {
	labels := prometheus.Labels{"group_id": groupID}
	return &RunloopMetrics{
		Polls: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_polls_total",
			Help:        "Number of poll ticks that yielded at least one record.",
			ConstLabels: labels,
		}),
		RecordsPolled: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_records_polled_total",
			Help:        "Number of records yielded by poll ticks.",
			ConstLabels: labels,
		}),
		Commits: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_commits_total",
			Help:        "Number of merged commit batches the broker client accepted.",
			ConstLabels: labels,
		}),
		OffsetsCommitted: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_offsets_committed_total",
			Help:        "Number of per-partition offsets acknowledged by the broker.",
			ConstLabels: labels,
		}),
		RebalanceAssigned: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_rebalance_assigned_total",
			Help:        "Number of topic-partitions assigned across rebalances.",
			ConstLabels: labels,
		}),
		RebalanceRevoked: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_rebalance_revoked_total",
			Help:        "Number of topic-partitions cleanly revoked across rebalances.",
			ConstLabels: labels,
		}),
		RebalanceLost: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_rebalance_lost_total",
			Help:        "Number of topic-partitions lost (abnormal rebalance termination).",
			ConstLabels: labels,
		}),
		DroppedRecords: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name:        "streamkit_consumer_dropped_records_total",
			Help:        "Number of records dropped for a topic-partition with no registered queue.",
			ConstLabels: labels,
		}),
		AssignedPartitions: promauto.With(prometheus.DefaultRegisterer).NewGauge(prometheus.GaugeOpts{
			Name:        "streamkit_consumer_assigned_partitions",
			Help:        "Number of topic-partitions currently assigned.",
			ConstLabels: labels,
		}),
	}
}
