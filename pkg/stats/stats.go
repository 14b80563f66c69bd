// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package stats exposes the orchestrator's running counters as Prometheus
// metrics: VM/accountant gauges, per-job test case and crash counters, and
// dispatch transport counters. Every node (manager, controller, worker)
// constructs its own Collector and serves it under /metrics.
package stats

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns one node's metric set, registered against a private
// registry so multiple Collectors (as in tests, or a manager and a worker
// sharing a process) never collide on Prometheus's global default
// registerer.
type Collector struct {
	registry *prometheus.Registry

	vmsRunning      prometheus.Gauge
	fairShare       prometheus.Gauge
	accountantTotal prometheus.Gauge
	accountantCur   prometheus.Gauge

	testcasesTotal *prometheus.CounterVec
	crashesTotal   *prometheus.CounterVec
	crashesUnique  *prometheus.CounterVec

	iterationSeconds prometheus.Histogram

	dispatchJobsTotal   *prometheus.CounterVec
	dispatchErrorsTotal *prometheus.CounterVec
}

// New builds a Collector with all metrics registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,

		vmsRunning: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapfuzz_vms_running",
			Help: "Number of emulator processes this node currently manages.",
		}),
		fairShare: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapfuzz_accountant_fair_share",
			Help: "This instance's most recently computed fair-share VM quota.",
		}),
		accountantTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapfuzz_accountant_total_max_vms",
			Help: "Pool-wide VM ceiling derived from sampled CPU/RAM headroom.",
		}),
		accountantCur: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapfuzz_accountant_current_vms",
			Help: "Globally tracked live VM count across all cooperating instances.",
		}),

		testcasesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapfuzz_testcases_total",
			Help: "Test cases executed, by job id.",
		}, []string{"job_id"}),
		crashesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapfuzz_crashes_total",
			Help: "Crashes observed (including duplicates), by job id and kind tag.",
		}, []string{"job_id", "kind"}),
		crashesUnique: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapfuzz_crashes_unique_total",
			Help: "Crashes that created a new deduplicated row, by job id.",
		}, []string{"job_id"}),

		iterationSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "snapfuzz_iteration_duration_seconds",
			Help:    "Wall-clock duration of one revert+mutate+debug-session iteration.",
			Buckets: prometheus.DefBuckets,
		}),

		dispatchJobsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapfuzz_dispatch_jobs_total",
			Help: "Jobs pushed to workers, by outcome (ack, error).",
		}, []string{"outcome"}),
		dispatchErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapfuzz_dispatch_errors_total",
			Help: "Dispatch-layer transport/auth failures, by kind.",
		}, []string{"kind"}),
	}
	return c
}

// Handler returns the /metrics HTTP handler for this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetVMsRunning records the current live VM count for this node.
func (c *Collector) SetVMsRunning(n int) {
	if c == nil {
		return
	}
	c.vmsRunning.Set(float64(n))
}

// SetFairShare records this instance's last computed fair share.
func (c *Collector) SetFairShare(n int) {
	if c == nil {
		return
	}
	c.fairShare.Set(float64(n))
}

// SetAccountantTotals records the pool-wide ceiling and global live count.
func (c *Collector) SetAccountantTotals(totalMax, current int) {
	if c == nil {
		return
	}
	c.accountantTotal.Set(float64(totalMax))
	c.accountantCur.Set(float64(current))
}

// ObserveIteration records one iteration's wall-clock duration in seconds.
func (c *Collector) ObserveIteration(seconds float64) {
	if c == nil {
		return
	}
	c.iterationSeconds.Observe(seconds)
}

// RecordTestCase increments the test-case counter for jobID.
func (c *Collector) RecordTestCase(jobID int64) {
	if c == nil {
		return
	}
	c.testcasesTotal.WithLabelValues(jobIDLabel(jobID)).Inc()
}

// RecordCrash increments the crash counter for jobID/kind, and the
// unique-crash counter when isNew.
func (c *Collector) RecordCrash(jobID int64, kind string, isNew bool) {
	if c == nil {
		return
	}
	c.crashesTotal.WithLabelValues(jobIDLabel(jobID), kind).Inc()
	if isNew {
		c.crashesUnique.WithLabelValues(jobIDLabel(jobID)).Inc()
	}
}

// RecordDispatchJob increments the dispatch job counter for the given
// outcome ("ack" or "error").
func (c *Collector) RecordDispatchJob(outcome string) {
	if c == nil {
		return
	}
	c.dispatchJobsTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatchError increments the dispatch error counter for kind
// ("transport", "auth", "tls", "traversal", ...).
func (c *Collector) RecordDispatchError(kind string) {
	if c == nil {
		return
	}
	c.dispatchErrorsTotal.WithLabelValues(kind).Inc()
}

func jobIDLabel(jobID int64) string {
	return strconv.FormatInt(jobID, 10)
}
