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

// Package state is the single writer of agent and instance status. Every
// lifecycle change funnels through Machine, which validates the edge
// against the permitted transition set and applies it with a
// version-guarded write. Other components read state; they never mutate
// it directly.

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

// Machine owns agent and instance lifecycle writes.
type Machine struct {
	Store *store.Store
	Bus   *events.Bus
	Clock clock.Clock
	Log   logr.Logger
}

// New builds a Machine.
func New(st *store.Store, bus *events.Bus, clk clock.Clock, log logr.Logger) *Machine {
	return &Machine{
		Store: st,
		Bus:   bus,
		Clock: clk,
		Log:   log.WithName("state"),
	}
}

// Transition moves one instance to the target status, applying extra
// field updates in the same guarded write. Illegal edges are fatal; lost
// races are retried from a fresh read.
func (m *Machine) Transition(ctx context.Context, instanceID string, to model.InstanceStatus, updates map[string]any) (*model.Instance, error) {
	var result *model.Instance
	err := store.RetryOnConflict(ctx, m.Log, "state.transition", func() error {
		inst, err := m.Store.InstanceByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status == to {
			// Re-applying the current status is a no-op, which keeps
			// agent-side retries harmless.
			result = inst
			return nil
		}
		if !model.PermittedTransition(inst.Status, to) {
			return model.E(model.KindFatal, "state.transition",
				fmt.Sprintf("illegal transition %s -> %s for %s", inst.Status, to, inst.ID), nil)
		}
		patch := make(map[string]any, len(updates)+1)
		for k, v := range updates {
			patch[k] = v
		}
		patch["status"] = to
		if err := m.Store.UpdateInstanceIf(ctx, inst.ID, inst.Version, patch); err != nil {
			return err
		}
		inst.Status = to
		inst.Version++
		result = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnsureInstance records a newly seen VM in the launching state. Already
// known instances are returned as stored.
func (m *Machine) EnsureInstance(ctx context.Context, inst *model.Instance) (*model.Instance, error) {
	existing, err := m.Store.InstanceByID(ctx, inst.ID)
	if err == nil {
		return existing, nil
	}
	if !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}
	now := m.Clock.Now().UTC()
	inst.Status = model.InstanceLaunching
	inst.IsPrimary = false
	inst.IsActive = true
	inst.Version = 0
	inst.LaunchedAt = &now
	if err := m.Store.CreateInstance(ctx, inst); err != nil {
		if model.IsKind(err, model.KindConflict) {
			// Lost a create race; the row exists now.
			return m.Store.InstanceByID(ctx, inst.ID)
		}
		return nil, err
	}
	return inst, nil
}

// ActivatePrimary promotes a launching instance to the agent's serving
// primary, used when an agent has no live primary (first registration or
// recovery after the old primary died out-of-band).
func (m *Machine) ActivatePrimary(ctx context.Context, agent *model.Agent, instanceID string) error {
	now := m.Clock.Now().UTC()
	inst, err := m.Transition(ctx, instanceID, model.InstanceRunningPrimary, map[string]any{
		"is_primary":  true,
		"is_active":   true,
		"promoted_at": now,
	})
	if err != nil {
		return err
	}
	err = store.RetryOnConflict(ctx, m.Log, "state.activate_primary", func() error {
		fresh, err := m.Store.AgentByID(ctx, agent.ID)
		if err != nil {
			return err
		}
		return m.Store.UpdateAgentIf(ctx, fresh.ID, fresh.Version, map[string]any{
			"instance_id":     inst.ID,
			"mode":            inst.Mode,
			"current_pool_id": inst.PoolID,
		})
	})
	if err != nil {
		return err
	}
	m.Bus.Publish(events.Event{
		Topic:      events.TopicAgentStatus,
		Type:       "primary_activated",
		TenantID:   agent.TenantID,
		AgentID:    agent.ID,
		InstanceID: inst.ID,
	})
	return nil
}

// RegisterReplica records a replica the agent finished provisioning:
// the instance row is created if needed and moved launching ->
// running_replica with its readiness and boot timing.
func (m *Machine) RegisterReplica(ctx context.Context, rep *model.Instance, ready bool, lastSyncedAt *time.Time, bootSeconds float64) (*model.Instance, error) {
	inst, err := m.EnsureInstance(ctx, rep)
	if err != nil {
		return nil, err
	}
	now := m.Clock.Now().UTC()
	if bootSeconds <= 0 && inst.LaunchedAt != nil {
		bootSeconds = now.Sub(*inst.LaunchedAt).Seconds()
	}
	updates := map[string]any{
		"ready":        ready,
		"ready_at":     now,
		"boot_seconds": bootSeconds,
	}
	if lastSyncedAt != nil {
		updates["last_synced_at"] = lastSyncedAt.UTC()
	}
	return m.Transition(ctx, inst.ID, model.InstanceRunningReplica, updates)
}

// TouchReplicaSync refreshes a replica's data-sync timestamp reported via
// heartbeat. Sync staleness decides whether an emergency promotion may
// use the replica without a fresh sync.
func (m *Machine) TouchReplicaSync(ctx context.Context, instanceID string, syncedAt time.Time) error {
	return store.RetryOnConflict(ctx, m.Log, "state.touch_replica_sync", func() error {
		inst, err := m.Store.InstanceByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != model.InstanceRunningReplica {
			return model.E(model.KindValidation, "state.touch_replica_sync",
				fmt.Sprintf("instance %s is %s, not a running replica", inst.ID, inst.Status), nil)
		}
		return m.Store.UpdateInstanceIf(ctx, inst.ID, inst.Version, map[string]any{
			"last_synced_at": syncedAt.UTC(),
			"ready":          true,
		})
	})
}

// BeginPromotion marks a replica as promoting once its promote command
// has been handed to the agent.
func (m *Machine) BeginPromotion(ctx context.Context, instanceID string) error {
	_, err := m.Transition(ctx, instanceID, model.InstancePromoting, nil)
	return err
}

// MarkTerminating moves a zombie or replica onto the termination path and
// stamps the attempt time used for the retry cooldown.
func (m *Machine) MarkTerminating(ctx context.Context, instanceID string) error {
	now := m.Clock.Now().UTC()
	_, err := m.Transition(ctx, instanceID, model.InstanceTerminating, map[string]any{
		"is_active":                false,
		"termination_attempted_at": now,
	})
	return err
}

// TouchTerminationAttempt stamps a fresh attempt time on an instance
// already on the termination path, restarting the offer cooldown.
func (m *Machine) TouchTerminationAttempt(ctx context.Context, instanceID string) error {
	now := m.Clock.Now().UTC()
	return store.RetryOnConflict(ctx, m.Log, "state.touch_termination_attempt", func() error {
		inst, err := m.Store.InstanceByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != model.InstanceTerminating {
			return model.E(model.KindValidation, "state.touch_termination_attempt",
				fmt.Sprintf("instance %s is %s, not terminating", inst.ID, inst.Status), nil)
		}
		return m.Store.UpdateInstanceIf(ctx, inst.ID, inst.Version, map[string]any{
			"termination_attempted_at": now,
		})
	})
}

// ConfirmTermination finalizes a termination attempt. On success the
// instance is terminated and confirmed; on failure the attempt timestamp
// remains so the cooldown schedules the next try.
func (m *Machine) ConfirmTermination(ctx context.Context, instanceID string, succeeded bool) error {
	if !succeeded {
		m.Log.Info("termination attempt failed, will retry after cooldown", "instance", instanceID)
		return nil
	}
	now := m.Clock.Now().UTC()
	_, err := m.Transition(ctx, instanceID, model.InstanceTerminated, map[string]any{
		"termination_confirmed": true,
		"terminated_at":         now,
	})
	return err
}

// MarkAgentsOffline flips stale agents to offline and announces each on
// the bus. Returns the agents actually flipped.
func (m *Machine) MarkAgentsOffline(ctx context.Context, cutoff time.Time) ([]model.Agent, error) {
	stale, err := m.Store.StaleOnlineAgents(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	flipped := make([]model.Agent, 0, len(stale))
	for _, agent := range stale {
		agent := agent
		wasFlipped := false
		err := store.RetryOnConflict(ctx, m.Log, "state.mark_offline", func() error {
			fresh, err := m.Store.AgentByID(ctx, agent.ID)
			if err != nil {
				return err
			}
			if fresh.Status != model.AgentOnline {
				return nil
			}
			if fresh.LastHeartbeatAt != nil && !fresh.LastHeartbeatAt.Before(cutoff) {
				// Heartbeat raced the sweep; leave it online.
				return nil
			}
			if err := m.Store.UpdateAgentIf(ctx, fresh.ID, fresh.Version, map[string]any{
				"status": model.AgentOffline,
			}); err != nil {
				return err
			}
			flipped = append(flipped, *fresh)
			wasFlipped = true
			return nil
		})
		if err != nil {
			return flipped, err
		}
		if wasFlipped {
			m.Bus.Publish(events.Event{
				Topic:    events.TopicAgentStatus,
				Type:     "agent_offline",
				TenantID: agent.TenantID,
				AgentID:  agent.ID,
				Severity: "warning",
				Message:  "no heartbeat within timeout",
			})
		}
	}
	return flipped, nil
}
