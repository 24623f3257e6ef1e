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

package metrics

// Metric names exposed by the control plane. Keep these stable; dashboards
// and alerts reference them by name.
const (
	MetricControlPlaneRunning     = "portage_control_plane_running"
	MetricAgentsOnline            = "portage_agents_online"
	MetricCommandsEnqueued        = "portage_commands_enqueued_total"
	MetricCommandsFinished        = "portage_commands_finished_total"
	MetricDecisions               = "portage_decisions_total"
	MetricSafetyOutcomes          = "portage_safety_outcomes_total"
	MetricEmergencyNotices        = "portage_emergency_notices_total"
	MetricEmergencyCommandLatency = "portage_emergency_command_latency_seconds"
	MetricPriceSamplesIngested    = "portage_price_samples_ingested_total"
	MetricPriceSamplesDropped     = "portage_price_samples_dropped_total"
	MetricConsolidationRuns       = "portage_price_consolidation_runs_total"
	MetricConsolidationRows       = "portage_price_consolidation_rows"
	MetricPricingFreshnessSeconds = "portage_pricing_freshness_seconds"
	MetricSwitchesCompleted       = "portage_switches_completed_total"
	MetricEventsDropped           = "portage_bus_events_dropped_total"
	MetricRequestDurationSeconds  = "portage_http_request_duration_seconds"
)
