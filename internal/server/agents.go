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
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/pricing"
	"github.com/nextdoor/portage/internal/state"
)

type registerRequest struct {
	LogicalAgentID string `json:"logical_agent_id"`
	InstanceID     string `json:"instance_id"`
	InstanceType   string `json:"instance_type"`
	Region         string `json:"region"`
	AZ             string `json:"az"`
	Mode           string `json:"mode"`
	Hostname       string `json:"hostname"`
	AgentVersion   string `json:"agent_version"`
	IP             string `json:"ip"`
}

func (r registerRequest) validate() error {
	for field, v := range map[string]string{
		"logical_agent_id": r.LogicalAgentID,
		"instance_id":      r.InstanceID,
		"instance_type":    r.InstanceType,
		"region":           r.Region,
		"az":               r.AZ,
	} {
		if v == "" {
			return model.E(model.KindValidation, "server.register", field+" is required", nil)
		}
	}
	return validMode(r.Mode)
}

func validMode(mode string) error {
	switch model.Mode(mode) {
	case model.ModeSpot, model.ModeOnDemand:
		return nil
	default:
		return model.E(model.KindValidation, "server.register",
			fmt.Sprintf("mode must be %q or %q", model.ModeSpot, model.ModeOnDemand), nil)
	}
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return model.E(model.KindValidation, "server.register", "malformed body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	agent, cfg, err := s.Machine.Register(c.UserContext(), tenantFrom(c), state.RegisterInput{
		LogicalID:    req.LogicalAgentID,
		InstanceID:   req.InstanceID,
		InstanceType: req.InstanceType,
		Region:       req.Region,
		AZ:           req.AZ,
		Mode:         model.Mode(req.Mode),
		Hostname:     req.Hostname,
		AgentVersion: req.AgentVersion,
		IP:           req.IP,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"agent_id":       agent.ID,
		"config":         cfg,
		"config_version": agent.ConfigVersion,
	})
}

type heartbeatRequest struct {
	InstanceID        string     `json:"instance_id"`
	Mode              string     `json:"mode"`
	AZ                string     `json:"az"`
	ReplicaInstanceID string     `json:"replica_instance_id"`
	ReplicaSyncedAt   *time.Time `json:"replica_synced_at"`
}

func (s *Server) handleHeartbeat(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	var req heartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		return model.E(model.KindValidation, "server.heartbeat", "malformed body", err)
	}
	if req.Mode != "" {
		if err := validMode(req.Mode); err != nil {
			return err
		}
	}

	updated, err := s.Machine.Heartbeat(c.UserContext(), agent, state.HeartbeatInput{
		InstanceID:        req.InstanceID,
		Mode:              model.Mode(req.Mode),
		AZ:                req.AZ,
		ReplicaInstanceID: req.ReplicaInstanceID,
		ReplicaSyncedAt:   req.ReplicaSyncedAt,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"ok":             true,
		"config_version": updated.ConfigVersion,
	})
}

func (s *Server) handleCommands(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", defaultPollLimit)
	cmds, err := s.Dispatcher.Poll(c.UserContext(), agent.ID, limit)
	if err != nil {
		return err
	}
	return c.JSON(cmds)
}

type commandReportRequest struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Replica *replicaDetails `json:"replica"`
}

type replicaDetails struct {
	InstanceID   string     `json:"instance_id"`
	InstanceType string     `json:"instance_type"`
	Region       string     `json:"region"`
	AZ           string     `json:"az"`
	Mode         string     `json:"mode"`
	SpotPrice    float64    `json:"spot_price"`
	BootSeconds  float64    `json:"boot_seconds"`
	Ready        bool       `json:"ready"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func (s *Server) handleCommandReport(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	var req commandReportRequest
	if err := c.BodyParser(&req); err != nil {
		return model.E(model.KindValidation, "server.report", "malformed body", err)
	}

	rep := dispatch.ExecutionReport{Success: req.Success, Message: req.Message}
	if req.Replica != nil {
		if req.Replica.InstanceID == "" {
			return model.E(model.KindValidation, "server.report", "replica.instance_id is required", nil)
		}
		rep.Replica = &dispatch.ReplicaDetails{
			InstanceID:   req.Replica.InstanceID,
			InstanceType: req.Replica.InstanceType,
			Region:       req.Replica.Region,
			AZ:           req.Replica.AZ,
			Mode:         model.Mode(req.Replica.Mode),
			SpotPrice:    req.Replica.SpotPrice,
			BootSeconds:  req.Replica.BootSeconds,
			Ready:        req.Replica.Ready,
			LastSyncedAt: req.Replica.LastSyncedAt,
		}
	}

	cmd, err := s.Dispatcher.Report(c.UserContext(), agent.ID, c.Params("cmdID"), rep)
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.CommandsFinished.WithLabelValues(string(cmd.Type), string(cmd.Status)).Inc()
	}
	return c.JSON(cmd)
}

type switchReportRequest struct {
	FromInstanceID  string  `json:"from_instance_id"`
	ToInstanceID    string  `json:"to_instance_id"`
	Trigger         string  `json:"trigger"`
	FromPrice       float64 `json:"from_price"`
	ToPrice         float64 `json:"to_price"`
	DowntimeSeconds float64 `json:"downtime_seconds"`
}

func (s *Server) handleSwitchReport(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	var req switchReportRequest
	if err := c.BodyParser(&req); err != nil {
		return model.E(model.KindValidation, "server.switch_report", "malformed body", err)
	}
	if req.FromInstanceID == "" || req.ToInstanceID == "" {
		return model.E(model.KindValidation, "server.switch_report",
			"from_instance_id and to_instance_id are required", nil)
	}
	trigger := model.SwitchTrigger(req.Trigger)
	switch trigger {
	case "":
		trigger = model.TriggerAutomatic
	case model.TriggerAutomatic, model.TriggerManual, model.TriggerEmergency:
	default:
		return model.E(model.KindValidation, "server.switch_report", "unknown trigger", nil)
	}

	sw, err := s.Machine.Cutover(c.UserContext(), state.CutoverInput{
		AgentID:         agent.ID,
		FromInstanceID:  req.FromInstanceID,
		ToInstanceID:    req.ToInstanceID,
		Trigger:         trigger,
		FromPrice:       req.FromPrice,
		ToPrice:         req.ToPrice,
		DowntimeSeconds: req.DowntimeSeconds,
	})
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.SwitchesCompleted.WithLabelValues(string(sw.Trigger)).Inc()
	}
	return c.JSON(sw)
}

type pricingReportRequest struct {
	Region        string       `json:"region"`
	InstanceType  string       `json:"instance_type"`
	Samples       []poolSample `json:"samples"`
	OnDemandPrice float64      `json:"ondemand_price"`
}

type poolSample struct {
	InstanceType string    `json:"instance_type"`
	AZ           string    `json:"az"`
	Price        float64   `json:"price"`
	CapturedAt   time.Time `json:"captured_at"`
	Role         string    `json:"role"`
}

func (s *Server) handlePricingReport(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	var req pricingReportRequest
	if err := c.BodyParser(&req); err != nil {
		return model.E(model.KindValidation, "server.pricing_report", "malformed body", err)
	}
	if req.Region == "" {
		req.Region = agent.Region
	}
	if req.InstanceType == "" {
		return model.E(model.KindValidation, "server.pricing_report", "instance_type is required", nil)
	}

	rep := pricing.Report{
		AgentID:       agent.ID,
		Region:        req.Region,
		InstanceType:  req.InstanceType,
		OnDemandPrice: req.OnDemandPrice,
	}
	for _, smp := range req.Samples {
		instanceType := smp.InstanceType
		if instanceType == "" {
			instanceType = req.InstanceType
		}
		rep.Samples = append(rep.Samples, pricing.PoolSample{
			InstanceType: instanceType,
			AZ:           smp.AZ,
			Price:        smp.Price,
			CapturedAt:   smp.CapturedAt,
			Role:         model.PriceRole(smp.Role),
		})
	}

	accepted, dropped, err := s.Ingestor.Ingest(c.UserContext(), rep)
	if err != nil {
		return err
	}
	if s.Metrics != nil && accepted > 0 {
		s.Metrics.PriceSamplesIngested.
			WithLabelValues(string(model.SourceAgent)).Add(float64(accepted))
	}
	return c.JSON(fiber.Map{"accepted": accepted, "dropped": dropped})
}

func (s *Server) handleRebalance(c *fiber.Ctx) error {
	return s.handleNotice(c, model.NoticeRebalance)
}

func (s *Server) handleTerminationImminent(c *fiber.Ctx) error {
	return s.handleNotice(c, model.NoticeTermination)
}

func (s *Server) handleNotice(c *fiber.Ctx, notice model.NoticeStatus) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}

	start := time.Now()
	var cmd *model.Command
	if notice == model.NoticeRebalance {
		cmd, err = s.Orchestrator.OnRebalanceRecommendation(c.UserContext(), agent.ID, requestKey(c))
	} else {
		cmd, err = s.Orchestrator.OnTerminationNotice(c.UserContext(), agent.ID, requestKey(c))
	}
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.EmergencyNotices.WithLabelValues(string(notice)).Inc()
		s.Metrics.EmergencyCommandLatency.
			WithLabelValues(string(notice)).Observe(time.Since(start).Seconds())
	}

	resp := fiber.Map{"notice_recorded": true}
	if cmd != nil {
		resp["command"] = cmd
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

type terminationReportRequest struct {
	InstanceID string `json:"instance_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

func (s *Server) handleTerminationReport(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	var req terminationReportRequest
	if err := c.BodyParser(&req); err != nil {
		return model.E(model.KindValidation, "server.termination_report", "malformed body", err)
	}
	if req.InstanceID == "" {
		return model.E(model.KindValidation, "server.termination_report", "instance_id is required", nil)
	}

	inst, err := s.Store.InstanceByID(c.UserContext(), req.InstanceID)
	if err != nil {
		return err
	}
	if inst.AgentID != agent.ID {
		return model.E(model.KindNotFound, "server.termination_report", "no such instance", nil)
	}

	if err := s.Machine.ConfirmTermination(c.UserContext(), req.InstanceID, req.Success); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleTerminateList(c *fiber.Ctx) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	offers, err := s.Dispatcher.InstancesToTerminate(c.UserContext(), agent.ID)
	if err != nil {
		return err
	}
	return c.JSON(offers)
}

// queryLimit parses a bounded limit query parameter.
func queryLimit(c *fiber.Ctx, def, max int) int {
	limit := c.QueryInt("limit", def)
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
