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

	"github.com/nextdoor/portage/internal/model"
)

// InstanceByID fetches one instance.
func (s *Store) InstanceByID(ctx context.Context, id string) (*model.Instance, error) {
	var inst model.Instance
	err := s.db.WithContext(ctx).First(&inst, "id = ?", id).Error
	if err != nil {
		return nil, wrapRead("store.instance_by_id", err)
	}
	return &inst, nil
}

// CreateInstance inserts an instance row.
func (s *Store) CreateInstance(ctx context.Context, inst *model.Instance) error {
	return wrapWrite("store.create_instance", s.db.WithContext(ctx).Create(inst).Error)
}

// UpdateInstanceIf applies updates iff the stored version still matches
// expectedVersion; the version is bumped in the same statement. This is
// the only way instance rows are mutated after creation.
func (s *Store) UpdateInstanceIf(ctx context.Context, id string, expectedVersion int64, updates map[string]any) error {
	patch := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		patch[k] = v
	}
	patch["version"] = expectedVersion + 1
	res := s.db.WithContext(ctx).Model(&model.Instance{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(patch)
	if res.Error != nil {
		return wrapWrite("store.update_instance_if", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.E(model.KindConflict, "store.update_instance_if", "version mismatch", nil)
	}
	return nil
}

// PrimaryInstance returns the agent's current primary, or not_found.
func (s *Store) PrimaryInstance(ctx context.Context, agentID string) (*model.Instance, error) {
	var inst model.Instance
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND is_primary = ?", agentID, true).
		First(&inst).Error
	if err != nil {
		return nil, wrapRead("store.primary_instance", err)
	}
	return &inst, nil
}

// ReadyReplica returns the agent's most recently synced ready replica,
// or not_found when no warm replica exists.
func (s *Store) ReadyReplica(ctx context.Context, agentID string) (*model.Instance, error) {
	var inst model.Instance
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND status = ? AND ready = ?", agentID, model.InstanceRunningReplica, true).
		Order("last_synced_at DESC").
		First(&inst).Error
	if err != nil {
		return nil, wrapRead("store.ready_replica", err)
	}
	return &inst, nil
}

// InstancesByAgent lists all instances ever seen for an agent, newest
// first.
func (s *Store) InstancesByAgent(ctx context.Context, agentID string) ([]model.Instance, error) {
	var list []model.Instance
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.instances_by_agent", err)
	}
	return list, nil
}

// InstanceFilter narrows the operator instance listing.
type InstanceFilter struct {
	TenantID string
	Status   model.InstanceStatus
	PoolID   string
	Active   *bool
}

// ListInstances is the operator-facing listing: instances joined to
// their agents so results can be scoped per tenant.
func (s *Store) ListInstances(ctx context.Context, f InstanceFilter) ([]model.Instance, error) {
	q := s.db.WithContext(ctx).Model(&model.Instance{}).
		Joins("JOIN agents ON agents.id = instances.agent_id").
		Where("agents.tenant_id = ?", f.TenantID)
	if f.Status != "" {
		q = q.Where("instances.status = ?", f.Status)
	}
	if f.PoolID != "" {
		q = q.Where("instances.pool_id = ?", f.PoolID)
	}
	if f.Active != nil {
		q = q.Where("instances.is_active = ?", *f.Active)
	}
	var list []model.Instance
	if err := q.Order("instances.created_at DESC").Find(&list).Error; err != nil {
		return nil, wrapRead("store.list_instances", err)
	}
	return list, nil
}

// TerminationCandidates returns the agent's zombies plus replicas with
// an unconfirmed termination. The dispatcher applies the per-agent wait
// and the attempt cooldown on top.
func (s *Store) TerminationCandidates(ctx context.Context, agentID string) ([]model.Instance, error) {
	var list []model.Instance
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND (status = ? OR (status = ? AND termination_confirmed = ?))",
			agentID, model.InstanceZombie, model.InstanceTerminating, false).
		Order("created_at").
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.termination_candidates", err)
	}
	return list, nil
}

// Zombies lists all zombie instances, for the reaper sweep.
func (s *Store) Zombies(ctx context.Context) ([]model.Instance, error) {
	var list []model.Instance
	err := s.db.WithContext(ctx).
		Where("status = ?", model.InstanceZombie).
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.zombies", err)
	}
	return list, nil
}

// PoolBootStat is the aggregated boot history for one pool.
type PoolBootStat struct {
	PoolID      string
	Samples     int64
	MeanSeconds float64
}

// PoolBootStats aggregates observed launch-to-ready durations per pool
// for a region and instance type. Only instances that actually reported
// a boot duration count.
func (s *Store) PoolBootStats(ctx context.Context, region, instanceType string) ([]PoolBootStat, error) {
	var stats []PoolBootStat
	err := s.db.WithContext(ctx).Model(&model.Instance{}).
		Select("pool_id, COUNT(*) AS samples, AVG(boot_seconds) AS mean_seconds").
		Where("region = ? AND instance_type = ? AND boot_seconds > 0", region, instanceType).
		Group("pool_id").
		Scan(&stats).Error
	if err != nil {
		return nil, wrapRead("store.pool_boot_stats", err)
	}
	return stats, nil
}

// PoolByID fetches one pool.
func (s *Store) PoolByID(ctx context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		return nil, wrapRead("store.pool_by_id", err)
	}
	return &p, nil
}

// EnsurePool creates the pool row if it does not exist yet. Pools are
// discovered from agent traffic, not provisioned ahead of time.
func (s *Store) EnsurePool(ctx context.Context, p *model.Pool) error {
	err := s.db.WithContext(ctx).
		Where("id = ?", p.ID).
		FirstOrCreate(p).Error
	return wrapWrite("store.ensure_pool", err)
}

// PoolsByRegionType lists active pools offering an instance type in a
// region.
func (s *Store) PoolsByRegionType(ctx context.Context, region, instanceType string) ([]model.Pool, error) {
	var pools []model.Pool
	err := s.db.WithContext(ctx).
		Where("region = ? AND instance_type = ? AND is_active = ?", region, instanceType, true).
		Order("id").
		Find(&pools).Error
	if err != nil {
		return nil, wrapRead("store.pools_by_region_type", err)
	}
	return pools, nil
}

// ActivePools lists every active pool.
func (s *Store) ActivePools(ctx context.Context) ([]model.Pool, error) {
	var pools []model.Pool
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id").
		Find(&pools).Error
	if err != nil {
		return nil, wrapRead("store.active_pools", err)
	}
	return pools, nil
}
