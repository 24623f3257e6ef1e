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

// Package model defines the entities, enumerations, and error taxonomy
// shared by every component of the control plane. All values that cross
// a component boundary are declared here so that the store, the state
// machine, and the API agree on one vocabulary.

package model

// Mode is the purchasing mode of an instance.
type Mode string

const (
	ModeSpot     Mode = "spot"
	ModeOnDemand Mode = "ondemand"
)

// AgentStatus tracks agent liveness as seen by the control plane.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentDeleted AgentStatus = "deleted"
)

// NoticeStatus records the most recent interruption signal for an agent.
type NoticeStatus string

const (
	NoticeNone        NoticeStatus = "none"
	NoticeRebalance   NoticeStatus = "rebalance"
	NoticeTermination NoticeStatus = "termination"
)

// InstanceStatus is the lifecycle state of a VM. Transitions between
// states are validated by the state machine; see PermittedTransition.
type InstanceStatus string

const (
	InstanceLaunching      InstanceStatus = "launching"
	InstanceRunningPrimary InstanceStatus = "running_primary"
	InstanceRunningReplica InstanceStatus = "running_replica"
	InstancePromoting      InstanceStatus = "promoting"
	InstanceZombie         InstanceStatus = "zombie"
	InstanceTerminating    InstanceStatus = "terminating"
	InstanceTerminated     InstanceStatus = "terminated"
)

// CommandType enumerates the operations an agent can be asked to perform.
type CommandType string

const (
	CommandSwitch         CommandType = "switch"
	CommandLaunch         CommandType = "launch"
	CommandTerminate      CommandType = "terminate"
	CommandCreateReplica  CommandType = "create_replica"
	CommandPromoteReplica CommandType = "promote_replica"
)

// CommandStatus is the dispatch lifecycle of a command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandInFlight  CommandStatus = "in_flight"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

// Command priorities. Higher values are polled first. The spacing leaves
// room for operator overrides without renumbering.
const (
	PriorityEmergencyPromote = 100
	PriorityEmergencyReplica = 90
	PriorityManualSwitch     = 75
	PriorityScorerSwitch     = 50
	PriorityZombieTerminate  = 20
)

// PriceSource identifies where a price sample came from.
type PriceSource string

const (
	SourceAgent        PriceSource = "agent"
	SourceProviderAPI  PriceSource = "provider_api"
	SourceInterpolated PriceSource = "interpolated"
)

// PriceRole distinguishes samples reported by a serving primary from
// samples reported by a warm replica. Primary samples outrank replica
// samples during consolidation.
type PriceRole string

const (
	RolePrimary PriceRole = "primary"
	RoleReplica PriceRole = "replica"
)

// SwitchTrigger records what initiated a cutover.
type SwitchTrigger string

const (
	TriggerAutomatic SwitchTrigger = "automatic"
	TriggerManual    SwitchTrigger = "manual"
	TriggerEmergency SwitchTrigger = "emergency"
)

// ViolationSeverity grades safety enforcer outcomes: a recommendation the
// enforcer could repair is high, one it had to reject outright is critical.
type ViolationSeverity string

const (
	SeverityHigh     ViolationSeverity = "high"
	SeverityCritical ViolationSeverity = "critical"
)

// DecisionAction is the verdict of the decision engine for one agent.
type DecisionAction string

const (
	ActionStay   DecisionAction = "stay"
	ActionSwitch DecisionAction = "switch"
)

// transitions is the set of permitted instance lifecycle edges. Anything
// not listed is a programming error, not a recoverable condition.
var transitions = map[InstanceStatus][]InstanceStatus{
	InstanceLaunching:      {InstanceRunningPrimary, InstanceRunningReplica},
	InstanceRunningReplica: {InstanceRunningPrimary, InstancePromoting, InstanceTerminating},
	InstancePromoting:      {InstanceRunningPrimary},
	InstanceRunningPrimary: {InstanceZombie},
	InstanceZombie:         {InstanceTerminating},
	InstanceTerminating:    {InstanceTerminated},
}

// PermittedTransition reports whether the instance lifecycle allows
// moving from one status to another.
func PermittedTransition(from, to InstanceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
