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

package state

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

// RegisterInput is one agent registration as validated by the API layer.
type RegisterInput struct {
	LogicalID    string
	InstanceID   string
	InstanceType string
	Region       string
	AZ           string
	Mode         model.Mode
	Hostname     string
	AgentVersion string
	IP           string
}

// agentAttrs is the hashed subset of agent fields used to skip no-op
// attribute writes on re-registration.
type agentAttrs struct {
	Mode          model.Mode
	CurrentPoolID string
	Region        string
	AZ            string
	Hostname      string
	AgentVersion  string
	IP            string
}

func attrsHash(a agentAttrs) uint64 {
	h, err := hashstructure.Hash(a, hashstructure.FormatV2, nil)
	if err != nil {
		// Hashing a flat struct of strings cannot fail; treat any error
		// as "changed" so the write still happens.
		return 0
	}
	return h
}

// Register upserts the agent for a tenant-scoped logical ID, ensures the
// reported VM has an instance row, and activates it as primary when the
// agent has no live primary. Registration is idempotent: replaying the
// same payload changes nothing.
func (m *Machine) Register(ctx context.Context, tenant *model.Tenant, in RegisterInput) (*model.Agent, *model.AgentConfig, error) {
	now := m.Clock.Now().UTC()
	poolID := model.PoolID(in.InstanceType, in.AZ)
	if err := m.Store.EnsurePool(ctx, &model.Pool{
		ID:           poolID,
		Region:       in.Region,
		InstanceType: in.InstanceType,
		AZ:           in.AZ,
		IsActive:     true,
	}); err != nil {
		return nil, nil, err
	}

	agent, err := m.Store.AgentByLogicalID(ctx, tenant.ID, in.LogicalID)
	switch {
	case model.IsKind(err, model.KindNotFound):
		agent = &model.Agent{
			ID:              uuid.NewString(),
			TenantID:        tenant.ID,
			LogicalID:       in.LogicalID,
			Mode:            in.Mode,
			CurrentPoolID:   poolID,
			Region:          in.Region,
			AZ:              in.AZ,
			Hostname:        in.Hostname,
			AgentVersion:    in.AgentVersion,
			IP:              in.IP,
			Status:          model.AgentOnline,
			NoticeStatus:    model.NoticeNone,
			LastHeartbeatAt: &now,
			ConfigVersion:   1,
		}
		cfg := model.DefaultAgentConfig(agent.ID)
		err := m.Store.Transact(ctx, func(tx *store.Store) error {
			if err := tx.CreateAgent(ctx, agent); err != nil {
				return err
			}
			return tx.CreateAgentConfig(ctx, cfg)
		})
		if err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	default:
		if err := m.refreshRegisteredAgent(ctx, agent, in, poolID, now); err != nil {
			return nil, nil, err
		}
	}

	inst, err := m.EnsureInstance(ctx, &model.Instance{
		ID:           in.InstanceID,
		AgentID:      agent.ID,
		InstanceType: in.InstanceType,
		Region:       in.Region,
		AZ:           in.AZ,
		PoolID:       poolID,
		Mode:         in.Mode,
	})
	if err != nil {
		return nil, nil, err
	}

	if needsPrimary, err := m.agentNeedsPrimary(ctx, agent); err != nil {
		return nil, nil, err
	} else if needsPrimary && inst.Status == model.InstanceLaunching {
		if err := m.ActivatePrimary(ctx, agent, inst.ID); err != nil {
			return nil, nil, err
		}
	}

	agent, err = m.Store.AgentByID(ctx, agent.ID)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := m.Store.AgentConfigByID(ctx, agent.ID)
	if err != nil {
		return nil, nil, err
	}
	return agent, cfg, nil
}

// refreshRegisteredAgent brings a known agent's attributes and liveness
// up to date. Attribute writes are skipped when the reported snapshot
// hashes identically to the stored one.
func (m *Machine) refreshRegisteredAgent(ctx context.Context, agent *model.Agent, in RegisterInput, poolID string, now time.Time) error {
	stored := attrsHash(agentAttrs{
		Mode: agent.Mode, CurrentPoolID: agent.CurrentPoolID,
		Region: agent.Region, AZ: agent.AZ,
		Hostname: agent.Hostname, AgentVersion: agent.AgentVersion, IP: agent.IP,
	})
	reported := attrsHash(agentAttrs{
		Mode: in.Mode, CurrentPoolID: poolID,
		Region: in.Region, AZ: in.AZ,
		Hostname: in.Hostname, AgentVersion: in.AgentVersion, IP: in.IP,
	})

	updates := map[string]any{
		"status":            model.AgentOnline,
		"last_heartbeat_at": now,
	}
	if stored != reported || stored == 0 {
		updates["mode"] = in.Mode
		updates["current_pool_id"] = poolID
		updates["region"] = in.Region
		updates["az"] = in.AZ
		updates["hostname"] = in.Hostname
		updates["agent_version"] = in.AgentVersion
		updates["ip"] = in.IP
	}
	return store.RetryOnConflict(ctx, m.Log, "state.register_refresh", func() error {
		fresh, err := m.Store.AgentByID(ctx, agent.ID)
		if err != nil {
			return err
		}
		if err := m.Store.UpdateAgentIf(ctx, fresh.ID, fresh.Version, updates); err != nil {
			return err
		}
		agent.Version = fresh.Version + 1
		return nil
	})
}

// agentNeedsPrimary reports whether the agent has no live serving
// primary: either it never had one, or the recorded primary has moved to
// a terminal state out-of-band.
func (m *Machine) agentNeedsPrimary(ctx context.Context, agent *model.Agent) (bool, error) {
	if agent.InstanceID == "" {
		return true, nil
	}
	inst, err := m.Store.InstanceByID(ctx, agent.InstanceID)
	if model.IsKind(err, model.KindNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch inst.Status {
	case model.InstanceZombie, model.InstanceTerminating, model.InstanceTerminated:
		return true, nil
	}
	return false, nil
}

// HeartbeatInput is one heartbeat as validated by the API layer.
type HeartbeatInput struct {
	InstanceID string
	Mode       model.Mode
	AZ         string

	// Replica sync info, reported when the agent maintains a warm
	// replica.
	ReplicaInstanceID string
	ReplicaSyncedAt   *time.Time
}

// Heartbeat records liveness and applies the pointer rule: the agent's
// instance_id never moves to an instance that is not the serving
// primary, so a reaped zombie cannot resurrect itself by heartbeating.
func (m *Machine) Heartbeat(ctx context.Context, agent *model.Agent, in HeartbeatInput) (*model.Agent, error) {
	now := m.Clock.Now().UTC()
	updates := map[string]any{
		"status":            model.AgentOnline,
		"last_heartbeat_at": now,
	}
	if in.AZ != "" {
		updates["az"] = in.AZ
	}

	if in.InstanceID != "" && in.InstanceID != agent.InstanceID {
		claimed, err := m.Store.InstanceByID(ctx, in.InstanceID)
		switch {
		case model.IsKind(err, model.KindNotFound):
			m.Log.Info("heartbeat claims unknown instance, keeping current pointer",
				"agent", agent.ID, "claimed", in.InstanceID)
		case err != nil:
			return nil, err
		case claimed.IsPrimary && claimed.Status == model.InstanceRunningPrimary:
			// The pointer lagged a completed cutover; catch it up.
			updates["instance_id"] = claimed.ID
			updates["mode"] = claimed.Mode
			updates["current_pool_id"] = claimed.PoolID
		default:
			m.Log.Info("rejecting heartbeat instance claim",
				"agent", agent.ID, "claimed", in.InstanceID, "claimedStatus", claimed.Status)
		}
	}

	err := store.RetryOnConflict(ctx, m.Log, "state.heartbeat", func() error {
		fresh, err := m.Store.AgentByID(ctx, agent.ID)
		if err != nil {
			return err
		}
		return m.Store.UpdateAgentIf(ctx, fresh.ID, fresh.Version, updates)
	})
	if err != nil {
		return nil, err
	}

	if in.ReplicaInstanceID != "" && in.ReplicaSyncedAt != nil {
		if err := m.TouchReplicaSync(ctx, in.ReplicaInstanceID, *in.ReplicaSyncedAt); err != nil {
			// Sync bookkeeping must not fail the heartbeat.
			m.Log.V(1).Info("replica sync update failed", "agent", agent.ID,
				"replica", in.ReplicaInstanceID, "err", err.Error())
		}
	}

	if agent.Status == model.AgentOffline {
		m.Bus.Publish(events.Event{
			Topic:    events.TopicAgentStatus,
			Type:     "agent_online",
			TenantID: agent.TenantID,
			AgentID:  agent.ID,
			Message:  "heartbeat resumed",
		})
	}
	return m.Store.AgentByID(ctx, agent.ID)
}
