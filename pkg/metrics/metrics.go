// Copyright 2025 Portage Contributors
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

// Package metrics provides Prometheus metrics for the portage control
// plane: fleet state, command throughput, decision and safety outcomes,
// emergency latencies, and price pipeline freshness.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// lastPriceUpdate tracks when each pool's canonical price last
	// advanced. Key format: "pool_id". A background goroutine turns
	// these into PricingFreshness ages every second.
	lastPriceUpdate map[string]time.Time
	lastPriceMu     sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once

	// ControlPlaneRunning is set to 1 on startup. If the metric
	// disappears from the endpoint, the process has crashed.
	ControlPlaneRunning prometheus.Gauge

	// AgentsOnline tracks online agents per tenant.
	// Labels: tenant_id
	AgentsOnline *prometheus.GaugeVec

	// CommandsEnqueued counts commands accepted into the queue.
	// Labels: command_type, priority
	CommandsEnqueued *prometheus.CounterVec

	// CommandsFinished counts terminal command outcomes.
	// Labels: command_type, status
	CommandsFinished *prometheus.CounterVec

	// Decisions counts decision engine verdicts, including the ones the
	// hard filters forced to stay.
	// Labels: action, filtered
	Decisions *prometheus.CounterVec

	// SafetyOutcomes counts enforcer results per tenant recommendation.
	// Labels: outcome
	SafetyOutcomes *prometheus.CounterVec

	// EmergencyNotices counts interruption notices by kind.
	// Labels: notice
	EmergencyNotices *prometheus.CounterVec

	// EmergencyCommandLatency measures notice receipt to command
	// enqueue. The interesting alert is this creeping toward the
	// 120-second rebalance runway.
	// Labels: notice
	EmergencyCommandLatency *prometheus.HistogramVec

	// PriceSamplesIngested counts raw samples accepted, by source.
	// Labels: source
	PriceSamplesIngested *prometheus.CounterVec

	// PriceSamplesDropped counts samples the per-pool throttle refused.
	// Labels: pool_id
	PriceSamplesDropped *prometheus.CounterVec

	// ConsolidationRuns counts pipeline runs by result.
	// Labels: status
	ConsolidationRuns *prometheus.CounterVec

	// ConsolidationRows is the row count of the last successful run.
	ConsolidationRows prometheus.Gauge

	// PricingFreshness is the age in seconds of each pool's newest
	// canonical price, updated every second by a background goroutine.
	// Alert on this exceeding the consolidation cadence.
	// Labels: pool_id
	PricingFreshness *prometheus.GaugeVec

	// SwitchesCompleted counts finished cutovers.
	// Labels: trigger
	SwitchesCompleted *prometheus.CounterVec

	// EventsDropped counts bus events dropped on slow subscribers.
	// Labels: topic
	EventsDropped *prometheus.CounterVec

	// RequestDuration measures API handler latency.
	// Labels: route, method, status
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the given registerer
// and starts the freshness loop. Call Stop on shutdown.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lastPriceUpdate: make(map[string]time.Time),
		stopCh:          make(chan struct{}),

		ControlPlaneRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricControlPlaneRunning,
			Help: "Set to 1 while the portage control plane is running",
		}),
		AgentsOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricAgentsOnline,
			Help: "Number of agents currently online per tenant",
		}, []string{LabelTenantID}),
		CommandsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCommandsEnqueued,
			Help: "Commands accepted into the dispatch queue",
		}, []string{LabelCommandType, LabelPriority}),
		CommandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCommandsFinished,
			Help: "Commands reaching a terminal status",
		}, []string{LabelCommandType, LabelStatus}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDecisions,
			Help: "Decision engine verdicts, including filtered stays",
		}, []string{LabelAction, LabelFiltered}),
		SafetyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSafetyOutcomes,
			Help: "Safety enforcer outcomes per evaluated recommendation",
		}, []string{LabelOutcome}),
		EmergencyNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEmergencyNotices,
			Help: "Interruption notices received by kind",
		}, []string{LabelNotice}),
		EmergencyCommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricEmergencyCommandLatency,
			Help:    "Seconds from notice receipt to emergency command enqueue",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{LabelNotice}),
		PriceSamplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPriceSamplesIngested,
			Help: "Raw price samples accepted by source",
		}, []string{LabelSource}),
		PriceSamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPriceSamplesDropped,
			Help: "Raw price samples refused by the per-pool throttle",
		}, []string{LabelPoolID}),
		ConsolidationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricConsolidationRuns,
			Help: "Price consolidation runs by result",
		}, []string{LabelStatus}),
		ConsolidationRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricConsolidationRows,
			Help: "Rows written by the last successful consolidation run",
		}),
		PricingFreshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricPricingFreshnessSeconds,
			Help: "Age in seconds of each pool's newest canonical price",
		}, []string{LabelPoolID}),
		SwitchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSwitchesCompleted,
			Help: "Completed cutovers by trigger",
		}, []string{LabelTrigger}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsDropped,
			Help: "Bus events dropped because a subscriber was slow",
		}, []string{LabelTopic}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricRequestDurationSeconds,
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelRoute, LabelMethod, LabelStatus}),
	}

	reg.MustRegister(
		m.ControlPlaneRunning,
		m.AgentsOnline,
		m.CommandsEnqueued,
		m.CommandsFinished,
		m.Decisions,
		m.SafetyOutcomes,
		m.EmergencyNotices,
		m.EmergencyCommandLatency,
		m.PriceSamplesIngested,
		m.PriceSamplesDropped,
		m.ConsolidationRuns,
		m.ConsolidationRows,
		m.PricingFreshness,
		m.SwitchesCompleted,
		m.EventsDropped,
		m.RequestDuration,
	)

	m.ControlPlaneRunning.Set(1)
	go m.freshnessLoop()
	return m
}

// MarkPriceUpdated records that a pool's canonical price advanced now.
func (m *Metrics) MarkPriceUpdated(poolID string) {
	m.lastPriceMu.Lock()
	m.lastPriceUpdate[poolID] = time.Now()
	m.lastPriceMu.Unlock()
}

// freshnessLoop converts last-update timestamps into age gauges once a
// second so freshness can be alerted on directly.
func (m *Metrics) freshnessLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.updateFreshness()
		}
	}
}

func (m *Metrics) updateFreshness() {
	now := time.Now()
	m.lastPriceMu.RLock()
	defer m.lastPriceMu.RUnlock()
	for poolID, last := range m.lastPriceUpdate {
		m.PricingFreshness.WithLabelValues(poolID).Set(now.Sub(last).Seconds())
	}
}

// Stop halts the freshness loop. Safe to call more than once.
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// NormalizeRoute collapses path parameters so route labels stay low
// cardinality ("/api/v1/agents/:id/heartbeat", not one series per
// agent). Fiber hands back the route pattern already; this guards the
// unmatched-path case.
func NormalizeRoute(path string) string {
	if path == "" {
		return "unmatched"
	}
	return strings.ToLower(path)
}
