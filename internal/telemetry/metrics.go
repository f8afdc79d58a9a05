// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters/histograms for run throughput and
// stage duration.
type Metrics struct {
	registry      *prometheus.Registry
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
}

// NewMetrics constructs and registers the orchestrator's metric set on a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patternloop_runs_started_total",
			Help: "Total number of runs started.",
		}, []string{"project_id", "task_type"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patternloop_runs_completed_total",
			Help: "Total number of runs reaching a terminal status.",
		}, []string{"project_id", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patternloop_run_stage_duration_seconds",
			Help:    "Duration of each lifecycle stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patternloop_active_runs",
			Help: "Number of runs currently in the running state.",
		}),
	}
	reg.MustRegister(m.runsStarted, m.runsCompleted, m.stageDuration, m.activeRuns)
	return m
}

// RecordRunStart increments the started counter and active gauge.
func (m *Metrics) RecordRunStart(projectID, taskType string) {
	m.runsStarted.WithLabelValues(projectID, taskType).Inc()
	m.activeRuns.Inc()
}

// RecordRunComplete increments the completed counter and decrements the
// active gauge.
func (m *Metrics) RecordRunComplete(projectID, status string) {
	m.runsCompleted.WithLabelValues(projectID, status).Inc()
	m.activeRuns.Dec()
}

// RecordStage observes how long a lifecycle stage took.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
