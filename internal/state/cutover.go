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
	"fmt"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

// CutoverInput describes one completed cutover as reported by the agent.
type CutoverInput struct {
	AgentID        string
	FromInstanceID string
	ToInstanceID   string
	Trigger        model.SwitchTrigger

	// Effective hourly prices at cutover time. When zero they are
	// derived from the instance rows.
	FromPrice float64
	ToPrice   float64

	DowntimeSeconds float64
}

// Cutover atomically flips the primary/replica roles for one agent:
// the new instance becomes the serving primary, the old primary becomes
// a zombie, the agent pointer moves, and the switch is recorded with its
// savings impact. All four writes commit together or not at all.
//
// Replaying a cutover that already happened returns the recorded switch.
func (m *Machine) Cutover(ctx context.Context, in CutoverInput) (*model.Switch, error) {
	var result *model.Switch

	err := store.RetryOnConflict(ctx, m.Log, "state.cutover", func() error {
		result = nil
		return m.Store.Transact(ctx, func(tx *store.Store) error {
			agent, err := tx.AgentByID(ctx, in.AgentID)
			if err != nil {
				return err
			}
			oldInst, err := tx.InstanceByID(ctx, in.FromInstanceID)
			if err != nil {
				return err
			}
			newInst, err := tx.InstanceByID(ctx, in.ToInstanceID)
			if err != nil {
				return err
			}

			if replay := m.cutoverReplay(ctx, tx, agent, oldInst, newInst); replay != nil {
				result = replay
				return nil
			}

			if oldInst.AgentID != agent.ID || newInst.AgentID != agent.ID {
				return model.E(model.KindValidation, "state.cutover", "instances belong to another agent", nil)
			}
			if oldInst.ID == newInst.ID {
				return model.E(model.KindValidation, "state.cutover", "cutover to the same instance", nil)
			}
			if !oldInst.IsPrimary || oldInst.Status != model.InstanceRunningPrimary {
				return model.E(model.KindValidation, "state.cutover",
					fmt.Sprintf("instance %s is not the serving primary", oldInst.ID), nil)
			}
			if !model.PermittedTransition(newInst.Status, model.InstanceRunningPrimary) {
				return model.E(model.KindFatal, "state.cutover",
					fmt.Sprintf("illegal promotion %s -> running_primary for %s", newInst.Status, newInst.ID), nil)
			}

			now := m.Clock.Now().UTC()

			// 1. New replica becomes the serving primary.
			if err := tx.UpdateInstanceIf(ctx, newInst.ID, newInst.Version, map[string]any{
				"status":      model.InstanceRunningPrimary,
				"is_primary":  true,
				"is_active":   true,
				"promoted_at": now,
			}); err != nil {
				return err
			}

			// 2. Old primary becomes a zombie.
			if err := tx.UpdateInstanceIf(ctx, oldInst.ID, oldInst.Version, map[string]any{
				"status":     model.InstanceZombie,
				"is_primary": false,
				"is_active":  false,
				"zombied_at": now,
			}); err != nil {
				return err
			}

			// 3. Agent pointer, mode, and pool follow the new primary.
			// A completed cutover also resolves any open interruption
			// notice.
			if err := tx.UpdateAgentIf(ctx, agent.ID, agent.Version, map[string]any{
				"instance_id":     newInst.ID,
				"mode":            newInst.Mode,
				"current_pool_id": newInst.PoolID,
				"last_switch_at":  now,
				"notice_status":   model.NoticeNone,
				"notice_deadline": nil,
			}); err != nil {
				return err
			}

			// 4. Audit record plus the tenant savings convention: one
			// assumed day of the hourly delta per recorded switch.
			fromPrice := in.FromPrice
			if fromPrice == 0 {
				fromPrice = effectivePrice(oldInst)
			}
			toPrice := in.ToPrice
			if toPrice == 0 {
				toPrice = effectivePrice(newInst)
			}
			sw := &model.Switch{
				TenantID:             agent.TenantID,
				AgentID:              agent.ID,
				FromInstanceID:       oldInst.ID,
				ToInstanceID:         newInst.ID,
				FromPoolID:           oldInst.PoolID,
				ToPoolID:             newInst.PoolID,
				FromMode:             oldInst.Mode,
				ToMode:               newInst.Mode,
				FromPrice:            fromPrice,
				ToPrice:              toPrice,
				SavingsImpactPerHour: fromPrice - toPrice,
				DowntimeSeconds:      in.DowntimeSeconds,
				Trigger:              in.Trigger,
			}
			if err := tx.InsertSwitch(ctx, sw); err != nil {
				return err
			}
			if err := tx.AddTenantSavings(ctx, agent.TenantID, sw.SavingsImpactPerHour*24); err != nil {
				return err
			}
			result = sw
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.Bus.Publish(events.Event{
		Topic:      events.TopicSwitch,
		Type:       "cutover_recorded",
		TenantID:   result.TenantID,
		AgentID:    result.AgentID,
		InstanceID: result.ToInstanceID,
		Message:    fmt.Sprintf("%s -> %s (%s)", result.FromPoolID, result.ToPoolID, result.Trigger),
	})
	return result, nil
}

// cutoverReplay detects an agent retrying a switch report that already
// committed and digs up the recorded switch so the retry gets the same
// answer.
func (m *Machine) cutoverReplay(ctx context.Context, tx *store.Store, agent *model.Agent, oldInst, newInst *model.Instance) *model.Switch {
	if agent.InstanceID != newInst.ID || oldInst.Status != model.InstanceZombie || !newInst.IsPrimary {
		return nil
	}
	switches, err := tx.SwitchesByAgent(ctx, agent.ID, 10)
	if err != nil {
		return nil
	}
	for i := range switches {
		sw := switches[i]
		if sw.FromInstanceID == oldInst.ID && sw.ToInstanceID == newInst.ID {
			return &sw
		}
	}
	return nil
}

// effectivePrice is the hourly price an instance actually pays in its
// current mode.
func effectivePrice(inst *model.Instance) float64 {
	if inst.Mode == model.ModeSpot {
		return inst.SpotPrice
	}
	return inst.OnDemandPrice
}
