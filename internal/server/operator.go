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

package server

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/nextdoor/portage/internal/decision"
	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

func (s *Server) handleListInstances(c *fiber.Ctx) error {
	filter := store.InstanceFilter{
		TenantID: tenantFrom(c).ID,
		Status:   model.InstanceStatus(c.Query("status")),
		PoolID:   c.Query("pool_id"),
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return model.E(model.KindValidation, "server.instances", "active must be a boolean", nil)
		}
		filter.Active = &active
	}

	instances, err := s.Store.ListInstances(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"instances": instances, "count": len(instances)})
}

type forceSwitchRequest struct {
	TargetPoolID string `json:"target_pool_id"`
	TargetMode   string `json:"target_mode"`
	InstanceID   string `json:"instance_id"`
}

// handleForceSwitch queues an operator-initiated switch. It outranks
// scorer switches but stays below emergency work.
func (s *Server) handleForceSwitch(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	var req forceSwitchRequest
	if err := c.BodyParser(&req); err != nil {
		return model.E(model.KindValidation, "server.force_switch", "malformed body", err)
	}
	if req.TargetPoolID == "" {
		return model.E(model.KindValidation, "server.force_switch", "target_pool_id is required", nil)
	}
	if err := validMode(req.TargetMode); err != nil {
		return err
	}
	if _, err := s.Store.PoolByID(c.UserContext(), req.TargetPoolID); err != nil {
		return err
	}

	cmd, err := s.Dispatcher.Enqueue(c.UserContext(), dispatch.EnqueueRequest{
		AgentID:      agent.ID,
		InstanceID:   req.InstanceID,
		Type:         model.CommandSwitch,
		TargetMode:   model.Mode(req.TargetMode),
		TargetPoolID: req.TargetPoolID,
		Priority:     model.PriorityManualSwitch,
		RequestID:    requestKey(c),
	})
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.CommandsEnqueued.
			WithLabelValues(string(cmd.Type), strconv.Itoa(int(cmd.Priority))).Inc()
	}
	return c.Status(fiber.StatusCreated).JSON(cmd)
}

func (s *Server) handleEmergencyStatus(c *fiber.Ctx) error {
	agents, err := s.Store.AgentsWithNotice(c.UserContext(), tenantFrom(c).ID)
	if err != nil {
		return err
	}
	out := make([]fiber.Map, 0, len(agents))
	for _, a := range agents {
		out = append(out, fiber.Map{
			"agent_id":        a.ID,
			"logical_id":      a.LogicalID,
			"notice_status":   a.NoticeStatus,
			"notice_deadline": a.NoticeDeadline,
			"current_pool_id": a.CurrentPoolID,
		})
	}
	return c.JSON(fiber.Map{"agents": out, "count": len(out)})
}

func (s *Server) handleNotifications(c *fiber.Ctx) error {
	limit := queryLimit(c, 50, 500)
	events, err := s.Store.EventsByTenant(c.UserContext(), tenantFrom(c).ID, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

// handlePricing serves the cached canonical price per pool. The cache
// trails the store by one consolidation run at most.
func (s *Server) handlePricing(c *fiber.Ctx) error {
	if s.Prices == nil {
		return c.JSON(fiber.Map{"prices": fiber.Map{}, "count": 0})
	}
	snap := s.Prices.Snapshot()
	return c.JSON(fiber.Map{
		"prices":       snap,
		"count":        len(snap),
		"refreshed_at": s.Prices.LastUpdate(),
	})
}

type scorerReloadRequest struct {
	Path string `json:"path"`
}

// handleScorerReload loads a scorer artifact and swaps it in without a
// restart. Decisions in flight finish on the old scorer.
func (s *Server) handleScorerReload(c *fiber.Ctx) error {
	var req scorerReloadRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return model.E(model.KindValidation, "server.scorer_reload", "malformed body", err)
	}
	path := req.Path
	if path == "" {
		path = s.opts.ScorerPath
	}
	if path == "" {
		return model.E(model.KindValidation, "server.scorer_reload", "no scorer artifact path configured", nil)
	}

	scorer, err := decision.LoadScorer(path)
	if err != nil {
		return model.E(model.KindValidation, "server.scorer_reload", "scorer artifact rejected", err)
	}
	prev := s.Scorer.Swap(scorer)

	resp := fiber.Map{"scorer": scorer.Name(), "reloaded": true}
	if prev != nil {
		resp["previous"] = prev.Name()
	}
	s.Log.Info("scorer reloaded", "artifact", path, "scorer", scorer.Name())
	return c.JSON(resp)
}
