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

	"github.com/nextdoor/portage/internal/model"
)

// InsertSwitch appends a cutover audit record.
func (s *Store) InsertSwitch(ctx context.Context, sw *model.Switch) error {
	return wrapWrite("store.insert_switch", s.db.WithContext(ctx).Create(sw).Error)
}

// SwitchCountSince counts an agent's recorded switches at or after since.
// The decision engine's rate limiter reads this.
func (s *Store) SwitchCountSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Switch{}).
		Where("agent_id = ? AND created_at >= ?", agentID, since).
		Count(&n).Error
	if err != nil {
		return 0, wrapRead("store.switch_count_since", err)
	}
	return int(n), nil
}

// SwitchesByAgent lists an agent's switch history, newest first.
func (s *Store) SwitchesByAgent(ctx context.Context, agentID string, limit int) ([]model.Switch, error) {
	var list []model.Switch
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.switches_by_agent", err)
	}
	return list, nil
}

// InsertSafetyViolation appends an enforcer audit row.
func (s *Store) InsertSafetyViolation(ctx context.Context, v *model.SafetyViolation) error {
	return wrapWrite("store.insert_safety_violation", s.db.WithContext(ctx).Create(v).Error)
}

// SafetyViolations lists a tenant's enforcer audit rows, newest first.
func (s *Store) SafetyViolations(ctx context.Context, tenantID string, limit int) ([]model.SafetyViolation, error) {
	var list []model.SafetyViolation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.safety_violations", err)
	}
	return list, nil
}

// InsertEvent appends a system event row. Events are durable breadcrumbs;
// the in-process bus handles live fan-out separately.
func (s *Store) InsertEvent(ctx context.Context, e *model.SystemEvent) error {
	return wrapWrite("store.insert_event", s.db.WithContext(ctx).Create(e).Error)
}

// EventsByTenant lists a tenant's events, newest first.
func (s *Store) EventsByTenant(ctx context.Context, tenantID string, limit int) ([]model.SystemEvent, error) {
	var list []model.SystemEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.events_by_tenant", err)
	}
	return list, nil
}

// InsertDecision persists one decision engine verdict for analytics.
func (s *Store) InsertDecision(ctx context.Context, d *model.DecisionRecord) error {
	return wrapWrite("store.insert_decision", s.db.WithContext(ctx).Create(d).Error)
}

// DecisionsByAgent lists an agent's persisted decisions, newest first.
func (s *Store) DecisionsByAgent(ctx context.Context, agentID string, limit int) ([]model.DecisionRecord, error) {
	var list []model.DecisionRecord
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.decisions_by_agent", err)
	}
	return list, nil
}
