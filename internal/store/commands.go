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

	"github.com/samber/lo"

	"github.com/nextdoor/portage/internal/model"
)

// CreateCommand inserts a command row. A duplicate (agent_id, request_id)
// surfaces as a conflict; the dispatcher resolves it to the existing row.
func (s *Store) CreateCommand(ctx context.Context, cmd *model.Command) error {
	return wrapWrite("store.create_command", s.db.WithContext(ctx).Create(cmd).Error)
}

// CommandByID fetches one command.
func (s *Store) CommandByID(ctx context.Context, id string) (*model.Command, error) {
	var cmd model.Command
	err := s.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if err != nil {
		return nil, wrapRead("store.command_by_id", err)
	}
	return &cmd, nil
}

// CommandByRequestID fetches the command previously created for an
// idempotency key, or not_found.
func (s *Store) CommandByRequestID(ctx context.Context, agentID, requestID string) (*model.Command, error) {
	var cmd model.Command
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND request_id = ?", agentID, requestID).
		First(&cmd).Error
	if err != nil {
		return nil, wrapRead("store.command_by_request_id", err)
	}
	return &cmd, nil
}

// ActiveCommandExists reports whether a live (pending or in-flight)
// command of the given type already targets the agent. Used to reject
// redundant enqueues.
func (s *Store) ActiveCommandExists(ctx context.Context, agentID string, cmdType model.CommandType, targetPoolID string) (bool, error) {
	q := s.db.WithContext(ctx).Model(&model.Command{}).
		Where("agent_id = ? AND command_type = ? AND status IN ?",
			agentID, cmdType, []model.CommandStatus{model.CommandPending, model.CommandInFlight})
	if targetPoolID != "" {
		q = q.Where("target_pool_id = ?", targetPoolID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, wrapRead("store.active_command_exists", err)
	}
	return n > 0, nil
}

// ClaimPendingCommands atomically selects up to limit live pending
// commands for the agent, ordered by priority then age, and flips them
// to in_flight. A command never appears pending to two polls.
func (s *Store) ClaimPendingCommands(ctx context.Context, agentID string, limit int, now time.Time) ([]model.Command, error) {
	var claimed []model.Command
	err := s.Transact(ctx, func(tx *Store) error {
		var due []model.Command
		err := tx.db.
			Where("agent_id = ? AND status = ? AND deadline > ?", agentID, model.CommandPending, now).
			Order("priority DESC, created_at ASC").
			Limit(limit).
			Find(&due).Error
		if err != nil {
			return wrapRead("store.claim_pending", err)
		}
		if len(due) == 0 {
			return nil
		}
		ids := lo.Map(due, func(c model.Command, _ int) string { return c.ID })
		res := tx.db.Model(&model.Command{}).
			Where("id IN ? AND status = ?", ids, model.CommandPending).
			Update("status", model.CommandInFlight)
		if err := res.Error; err != nil {
			return wrapWrite("store.claim_pending", err)
		}
		for i := range due {
			due[i].Status = model.CommandInFlight
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishCommand records an execution outcome iff the command is still
// in a live state; finished rows are left untouched so reports stay
// idempotent.
func (s *Store) FinishCommand(ctx context.Context, id string, status model.CommandStatus, success bool, message string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Command{}).
		Where("id = ? AND status IN ?", id,
			[]model.CommandStatus{model.CommandPending, model.CommandInFlight}).
		Updates(map[string]any{
			"status":      status,
			"success":     success,
			"message":     message,
			"executed_at": at,
		})
	if res.Error != nil {
		return wrapWrite("store.finish_command", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.E(model.KindConflict, "store.finish_command", "command already finished", nil)
	}
	return nil
}

// ExpireCommands flips pending commands past their deadline to expired
// and returns them so the caller can emit events.
func (s *Store) ExpireCommands(ctx context.Context, now time.Time) ([]model.Command, error) {
	var expired []model.Command
	err := s.Transact(ctx, func(tx *Store) error {
		err := tx.db.
			Where("status = ? AND deadline <= ?", model.CommandPending, now).
			Find(&expired).Error
		if err != nil {
			return wrapRead("store.expire_commands", err)
		}
		if len(expired) == 0 {
			return nil
		}
		ids := lo.Map(expired, func(c model.Command, _ int) string { return c.ID })
		res := tx.db.Model(&model.Command{}).
			Where("id IN ? AND status = ?", ids, model.CommandPending).
			Update("status", model.CommandExpired)
		if res.Error != nil {
			return wrapWrite("store.expire_commands", res.Error)
		}
		for i := range expired {
			expired[i].Status = model.CommandExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// CommandsByAgent lists an agent's commands newest first, for operators.
func (s *Store) CommandsByAgent(ctx context.Context, agentID string, limit int) ([]model.Command, error) {
	var list []model.Command
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, wrapRead("store.commands_by_agent", err)
	}
	return list, nil
}
