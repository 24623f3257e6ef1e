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

package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nextdoor/portage/internal/model"
)

// TenantByToken resolves an auth token to its tenant. Soft-deleted
// tenants are invisible here; disabled tenants are returned and the
// caller decides how to respond.
func (s *Store) TenantByToken(ctx context.Context, token string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.WithContext(ctx).Where("auth_token = ?", token).First(&t).Error
	if err != nil {
		return nil, wrapRead("store.tenant_by_token", err)
	}
	return &t, nil
}

// TenantByID fetches one tenant.
func (s *Store) TenantByID(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if err != nil {
		return nil, wrapRead("store.tenant_by_id", err)
	}
	return &t, nil
}

// CreateTenant inserts a tenant row.
func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant) error {
	return wrapWrite("store.create_tenant", s.db.WithContext(ctx).Create(t).Error)
}

// AddTenantSavings increments the tenant's running savings counter.
// Called from the cutover transaction.
func (s *Store) AddTenantSavings(ctx context.Context, tenantID string, delta float64) error {
	res := s.db.WithContext(ctx).Model(&model.Tenant{}).
		Where("id = ?", tenantID).
		UpdateColumn("total_savings", gorm.Expr("total_savings + ?", delta))
	if res.Error != nil {
		return wrapWrite("store.add_tenant_savings", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.E(model.KindNotFound, "store.add_tenant_savings", "tenant missing", nil)
	}
	return nil
}

// AgentByID fetches one agent.
func (s *Store) AgentByID(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if err != nil {
		return nil, wrapRead("store.agent_by_id", err)
	}
	return &a, nil
}

// AgentByLogicalID fetches the agent for a tenant-scoped logical ID.
// The logical ID survives VM reinstalls, so registration looks agents
// up this way before deciding between create and update.
func (s *Store) AgentByLogicalID(ctx context.Context, tenantID, logicalID string) (*model.Agent, error) {
	var a model.Agent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND logical_id = ?", tenantID, logicalID).
		First(&a).Error
	if err != nil {
		return nil, wrapRead("store.agent_by_logical_id", err)
	}
	return &a, nil
}

// CreateAgent inserts an agent row.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) error {
	return wrapWrite("store.create_agent", s.db.WithContext(ctx).Create(a).Error)
}

// UpdateAgentIf applies updates to the agent iff its version still
// matches expectedVersion, bumping the version in the same statement.
func (s *Store) UpdateAgentIf(ctx context.Context, id string, expectedVersion int64, updates map[string]any) error {
	patch := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		patch[k] = v
	}
	patch["version"] = expectedVersion + 1
	res := s.db.WithContext(ctx).Model(&model.Agent{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(patch)
	if res.Error != nil {
		return wrapWrite("store.update_agent_if", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.E(model.KindConflict, "store.update_agent_if", "version mismatch", nil)
	}
	return nil
}

// AgentsOnline lists every online agent, for the decision sweep.
func (s *Store) AgentsOnline(ctx context.Context) ([]model.Agent, error) {
	var agents []model.Agent
	err := s.db.WithContext(ctx).
		Where("status = ?", model.AgentOnline).
		Order("id").
		Find(&agents).Error
	if err != nil {
		return nil, wrapRead("store.agents_online", err)
	}
	return agents, nil
}

// AgentsWithNotice lists agents with an unresolved interruption notice.
func (s *Store) AgentsWithNotice(ctx context.Context, tenantID string) ([]model.Agent, error) {
	var agents []model.Agent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND notice_status <> ?", tenantID, model.NoticeNone).
		Order("notice_deadline").
		Find(&agents).Error
	if err != nil {
		return nil, wrapRead("store.agents_with_notice", err)
	}
	return agents, nil
}

// NoticedAgents lists every agent fleet-wide with an unresolved
// interruption notice, soonest deadline first. The notice retry job
// re-drives these.
func (s *Store) NoticedAgents(ctx context.Context) ([]model.Agent, error) {
	var agents []model.Agent
	err := s.db.WithContext(ctx).
		Where("notice_status <> ?", model.NoticeNone).
		Order("notice_deadline").
		Find(&agents).Error
	if err != nil {
		return nil, wrapRead("store.noticed_agents", err)
	}
	return agents, nil
}

// StaleOnlineAgents returns agents still marked online whose last
// heartbeat is strictly before the cutoff. An agent heartbeating exactly
// at the timeout boundary stays online.
func (s *Store) StaleOnlineAgents(ctx context.Context, cutoff time.Time) ([]model.Agent, error) {
	var agents []model.Agent
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?", model.AgentOnline, cutoff).
		Find(&agents).Error
	if err != nil {
		return nil, wrapRead("store.stale_online_agents", err)
	}
	return agents, nil
}

// AgentConfigByID fetches the config child row for an agent.
func (s *Store) AgentConfigByID(ctx context.Context, agentID string) (*model.AgentConfig, error) {
	var cfg model.AgentConfig
	err := s.db.WithContext(ctx).First(&cfg, "agent_id = ?", agentID).Error
	if err != nil {
		return nil, wrapRead("store.agent_config_by_id", err)
	}
	return &cfg, nil
}

// CreateAgentConfig inserts a config row.
func (s *Store) CreateAgentConfig(ctx context.Context, cfg *model.AgentConfig) error {
	return wrapWrite("store.create_agent_config", s.db.WithContext(ctx).Create(cfg).Error)
}

// SaveAgentConfig replaces the config and bumps the agent's
// config_version so heartbeating agents notice the change. Runs as one
// transaction.
func (s *Store) SaveAgentConfig(ctx context.Context, cfg *model.AgentConfig) error {
	return s.Transact(ctx, func(tx *Store) error {
		if err := tx.db.Save(cfg).Error; err != nil {
			return wrapWrite("store.save_agent_config", err)
		}
		res := tx.db.Model(&model.Agent{}).
			Where("id = ?", cfg.AgentID).
			UpdateColumn("config_version", gorm.Expr("config_version + 1"))
		if res.Error != nil {
			return wrapWrite("store.save_agent_config", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.E(model.KindNotFound, "store.save_agent_config", "agent missing", nil)
		}
		return nil
	})
}
