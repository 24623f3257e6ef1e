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

package model

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is a paying customer. Agents authenticate with the tenant's
// token; everything an agent creates is scoped to its tenant.
type Tenant struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	Name         string         `json:"name"`
	AuthToken    string         `gorm:"uniqueIndex" json:"-"`
	Enabled      bool           `json:"enabled"`
	TotalSavings float64        `json:"total_savings"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// Agent is the control-plane view of one per-VM agent. The logical ID is
// stable across VM reinstalls; InstanceID points at whichever VM is the
// current primary and is resolved through the store, never held as a
// pointer.
type Agent struct {
	ID            string       `gorm:"primaryKey" json:"id"`
	TenantID      string       `gorm:"index;uniqueIndex:idx_tenant_logical" json:"tenant_id"`
	LogicalID     string       `gorm:"uniqueIndex:idx_tenant_logical" json:"logical_id"`
	InstanceID    string       `json:"instance_id"`
	Mode          Mode         `json:"mode"`
	CurrentPoolID string       `json:"current_pool_id"`
	Region        string       `json:"region"`
	AZ            string       `json:"az"`
	Hostname      string       `json:"hostname,omitempty"`
	AgentVersion  string       `json:"agent_version,omitempty"`
	IP            string       `json:"ip,omitempty"`
	Status        AgentStatus  `gorm:"index" json:"status"`
	NoticeStatus  NoticeStatus `json:"notice_status"`
	NoticeDeadline *time.Time  `json:"notice_deadline,omitempty"`

	LastHeartbeatAt *time.Time `gorm:"index" json:"last_heartbeat_at,omitempty"`
	LastSwitchAt    *time.Time `json:"last_switch_at,omitempty"`

	// ConfigVersion increments on every config change so agents can
	// detect staleness from the heartbeat response alone.
	ConfigVersion int64 `json:"config_version"`

	// Version is the optimistic concurrency counter for the row itself.
	Version int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentConfig holds the per-agent policy knobs. Exactly one row per
// agent. AutoSwitchEnabled and ManualReplicaEnabled are mutually
// exclusive; Validate enforces it.
type AgentConfig struct {
	AgentID              string  `gorm:"primaryKey" json:"agent_id"`
	Enabled              bool    `json:"enabled"`
	AutoSwitchEnabled    bool    `json:"auto_switch_enabled"`
	ManualReplicaEnabled bool    `json:"manual_replica_enabled"`
	AutoTerminateEnabled bool    `json:"auto_terminate_enabled"`
	TerminateWaitSeconds int     `json:"terminate_wait_seconds"`
	MinSavingsPercent    float64 `json:"min_savings_percent"`
	RiskThreshold        float64 `json:"risk_threshold"`
	MaxSwitchesPerWeek   int     `json:"max_switches_per_week"`
	MinPoolDurationHours int     `json:"min_pool_duration_hours"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate rejects configs that violate the exclusivity invariant or
// carry out-of-range thresholds.
func (c *AgentConfig) Validate() error {
	if c.AutoSwitchEnabled && c.ManualReplicaEnabled {
		return E(KindValidation, "config.validate", "auto_switch_enabled and manual_replica_enabled are mutually exclusive", nil)
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return E(KindValidation, "config.validate", "risk_threshold must be within [0,1]", nil)
	}
	if c.TerminateWaitSeconds < 0 || c.MaxSwitchesPerWeek < 0 || c.MinPoolDurationHours < 0 {
		return E(KindValidation, "config.validate", "negative bound", nil)
	}
	if !c.AutoTerminateEnabled && c.TerminateWaitSeconds != 0 {
		return E(KindValidation, "config.validate", "terminate_wait_seconds requires auto_terminate_enabled", nil)
	}
	return nil
}

// DefaultAgentConfig is the config assigned on first registration.
// Conservative: the agent is observed but never switched until a human
// or the operator API opts it in.
func DefaultAgentConfig(agentID string) *AgentConfig {
	return &AgentConfig{
		AgentID:              agentID,
		Enabled:              true,
		AutoSwitchEnabled:    false,
		ManualReplicaEnabled: false,
		AutoTerminateEnabled: false,
		TerminateWaitSeconds: 0,
		MinSavingsPercent:    10.0,
		RiskThreshold:        0.75,
		MaxSwitchesPerWeek:   10,
		MinPoolDurationHours: 12,
	}
}

// Instance is one VM ever seen by the control plane, keyed by the cloud
// provider's VM ID. Status transitions go through the state machine and
// are guarded by the Version counter.
type Instance struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	AgentID      string         `gorm:"index" json:"agent_id"`
	InstanceType string         `json:"instance_type"`
	Region       string         `json:"region"`
	AZ           string         `json:"az"`
	PoolID       string         `gorm:"index" json:"pool_id"`
	Mode         Mode           `json:"mode"`
	Status       InstanceStatus `gorm:"index" json:"status"`
	IsPrimary    bool           `gorm:"index" json:"is_primary"`
	IsActive     bool           `json:"is_active"`
	Version      int64          `json:"version"`

	SpotPrice             float64 `json:"spot_price"`
	OnDemandPrice         float64 `json:"ondemand_price"`
	BaselineOnDemandPrice float64 `json:"baseline_ondemand_price"`

	// Replica readiness. Ready means the agent reported the replica
	// fully provisioned; LastSyncedAt is the last data sync. Promotion
	// normally requires both, the termination path waives only the
	// sync recency check.
	Ready        bool       `json:"ready"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	// BootSeconds is the observed launch-to-ready duration, used to
	// rank pools by boot speed for emergency placement.
	BootSeconds float64 `json:"boot_seconds"`

	LaunchedAt             *time.Time `json:"launched_at,omitempty"`
	ReadyAt                *time.Time `json:"ready_at,omitempty"`
	PromotedAt             *time.Time `json:"promoted_at,omitempty"`
	ZombiedAt              *time.Time `json:"zombied_at,omitempty"`
	TerminatedAt           *time.Time `json:"terminated_at,omitempty"`
	TerminationAttemptedAt *time.Time `json:"termination_attempted_at,omitempty"`
	TerminationConfirmed   bool       `json:"termination_confirmed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pool identifies a spot capacity pool: one instance type in one
// availability zone. Rows are immutable apart from the boot-time metric.
type Pool struct {
	ID                 string    `gorm:"primaryKey" json:"id"`
	Region             string    `gorm:"index" json:"region"`
	InstanceType       string    `gorm:"index" json:"instance_type"`
	AZ                 string    `json:"az"`
	AvgBootTimeSeconds float64   `json:"avg_boot_time_seconds"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PoolID builds the canonical pool identifier.
func PoolID(instanceType, az string) string {
	return instanceType + "." + az
}

// RawPrice is an append-only price sample as reported, before
// consolidation. Retained for seven days.
type RawPrice struct {
	ID         uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PoolID     string      `gorm:"index:idx_raw_pool_time" json:"pool_id"`
	Price      float64     `json:"price"`
	CapturedAt time.Time   `gorm:"index:idx_raw_pool_time" json:"captured_at"`
	Source     PriceSource `json:"source"`
	Role       PriceRole   `json:"role"`
	AgentID    string      `json:"agent_id"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (RawPrice) TableName() string { return "prices_raw" }

// ConsolidatedPrice is one five-minute bucket of the deduplicated,
// gap-filled series. Rows are replaced wholesale per consolidation run.
type ConsolidatedPrice struct {
	PoolID     string      `gorm:"primaryKey" json:"pool_id"`
	Timestamp  time.Time   `gorm:"primaryKey" json:"timestamp"`
	Price      float64     `json:"price"`
	Source     PriceSource `json:"source"`
	Confidence float64     `json:"confidence"`
	RunID      string      `json:"run_id"`
}

func (ConsolidatedPrice) TableName() string { return "prices_consolidated" }

// CanonicalPrice is the cleaned series consumed by the scorer. Only
// observed samples (agent or provider) are promoted here; interpolated
// points stay in the consolidated tier.
type CanonicalPrice struct {
	PoolID     string      `gorm:"primaryKey" json:"pool_id"`
	Timestamp  time.Time   `gorm:"primaryKey" json:"timestamp"`
	Price      float64     `json:"price"`
	Source     PriceSource `json:"source"`
	Confidence float64     `json:"confidence"`
	RunID      string      `json:"run_id"`
}

func (CanonicalPrice) TableName() string { return "prices_canonical" }

// OnDemandPrice is the effective-dated on-demand reference price for a
// region and instance type.
type OnDemandPrice struct {
	Region       string    `gorm:"primaryKey" json:"region"`
	InstanceType string    `gorm:"primaryKey" json:"instance_type"`
	EffectiveAt  time.Time `gorm:"primaryKey" json:"effective_at"`
	Price        float64   `json:"price"`
}

func (OnDemandPrice) TableName() string { return "ondemand_prices" }

// Command is one unit of work offered to an agent. RequestID is the
// idempotency key: at most one command exists per (agent, request_id).
type Command struct {
	ID                   string        `gorm:"primaryKey" json:"id"`
	AgentID              string        `gorm:"index;uniqueIndex:idx_agent_request" json:"agent_id"`
	InstanceID           string        `json:"instance_id"`
	Type                 CommandType   `gorm:"column:command_type" json:"command_type"`
	TargetMode           Mode          `json:"target_mode,omitempty"`
	TargetPoolID         string        `json:"target_pool_id,omitempty"`
	Priority             uint8         `gorm:"index" json:"priority"`
	TerminateWaitSeconds int           `json:"terminate_wait_seconds,omitempty"`
	Status               CommandStatus `gorm:"index" json:"status"`
	RequestID            string        `gorm:"uniqueIndex:idx_agent_request" json:"request_id"`
	Deadline             time.Time     `json:"deadline"`
	ExecutedAt           *time.Time    `json:"executed_at,omitempty"`
	Success              *bool         `json:"success,omitempty"`
	Message              string        `json:"message,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Terminal reports whether the command can no longer change state.
func (c *Command) Terminal() bool {
	switch c.Status {
	case CommandCompleted, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// Switch is the immutable audit record of one completed cutover.
type Switch struct {
	ID                   uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID             string        `gorm:"index" json:"tenant_id"`
	AgentID              string        `gorm:"index" json:"agent_id"`
	FromInstanceID       string        `json:"from_instance_id"`
	ToInstanceID         string        `json:"to_instance_id"`
	FromPoolID           string        `json:"from_pool_id"`
	ToPoolID             string        `json:"to_pool_id"`
	FromMode             Mode          `json:"from_mode"`
	ToMode               Mode          `json:"to_mode"`
	FromPrice            float64       `json:"from_price"`
	ToPrice              float64       `json:"to_price"`
	SavingsImpactPerHour float64       `json:"savings_impact_per_hour"`
	DowntimeSeconds      float64       `json:"downtime_seconds"`
	Trigger              SwitchTrigger `json:"trigger"`
	CreatedAt            time.Time     `json:"created_at"`
}

func (Switch) TableName() string { return "switches" }

// SafetyViolation is the audit row written whenever the enforcer
// modifies or rejects a recommendation. Original and alternative are
// stored as JSON for the operator UI.
type SafetyViolation struct {
	ID          uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID    string            `gorm:"index" json:"tenant_id"`
	Outcome     string            `json:"outcome"`
	Severity    ViolationSeverity `json:"severity"`
	Violations  string            `json:"violations"`
	Original    string            `gorm:"type:text" json:"original"`
	Alternative string            `gorm:"type:text" json:"alternative,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// SystemEvent is a durable breadcrumb for operator-visible happenings:
// agents going offline, emergency actions, safety outcomes.
type SystemEvent struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Type       string    `gorm:"index" json:"type"`
	TenantID   string    `gorm:"index" json:"tenant_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Payload    string    `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionRecord persists every decision engine verdict, including the
// ones hard filters forced to stay, for offline analysis.
type DecisionRecord struct {
	ID                      uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	AgentID                 string         `gorm:"index" json:"agent_id"`
	InstanceID              string         `json:"instance_id"`
	Action                  DecisionAction `json:"action"`
	TargetMode              Mode           `json:"target_mode,omitempty"`
	TargetPoolID            string         `json:"target_pool_id,omitempty"`
	RiskScore               float64        `json:"risk_score"`
	ExpectedSavingsPerHour  float64        `json:"expected_savings_per_hour"`
	Confidence              float64        `json:"confidence"`
	Reason                  string         `json:"reason"`
	Filtered                bool           `json:"filtered"`
	Scorer                  string         `json:"scorer"`
	CreatedAt               time.Time      `json:"created_at"`
}

func (DecisionRecord) TableName() string { return "decisions" }

// AllModels lists every persisted entity for store migration.
func AllModels() []any {
	return []any{
		&Tenant{}, &Agent{}, &AgentConfig{}, &Instance{}, &Pool{},
		&RawPrice{}, &ConsolidatedPrice{}, &CanonicalPrice{}, &OnDemandPrice{},
		&Command{}, &Switch{}, &SafetyViolation{}, &SystemEvent{}, &DecisionRecord{},
	}
}
