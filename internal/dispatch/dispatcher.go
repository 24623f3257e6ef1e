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

// Package dispatch owns the command queue: it is the only writer of
// command status. Decisions, operators, and the emergency orchestrator
// enqueue; agents poll and report. Idempotency is keyed on
// (agent_id, request_id) and ordering is priority-descending with age
// breaking ties.

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/state"
	"github.com/nextdoor/portage/internal/store"
)

const (
	// DefaultTTL bounds how long a routine command may sit unexecuted.
	DefaultTTL = 10 * time.Minute
	// EmergencyTTL bounds commands at emergency priorities; the
	// orchestrator usually passes an even shorter explicit TTL.
	EmergencyTTL = 2 * time.Minute
	// attemptCooldown keeps a termination candidate off the offer list
	// after an attempt, giving the agent time to report back.
	attemptCooldown = 5 * time.Minute
)

// Dispatcher materializes decisions into commands and serves the agent
// polling protocol.
type Dispatcher struct {
	Store   *store.Store
	Machine *state.Machine
	Bus     *events.Bus
	Clock   clock.Clock
	Log     logr.Logger
}

// New builds a Dispatcher.
func New(st *store.Store, machine *state.Machine, bus *events.Bus, clk clock.Clock, log logr.Logger) *Dispatcher {
	return &Dispatcher{
		Store:   st,
		Machine: machine,
		Bus:     bus,
		Clock:   clk,
		Log:     log.WithName("dispatch"),
	}
}

// EnqueueRequest describes one command to create.
type EnqueueRequest struct {
	AgentID              string
	InstanceID           string
	Type                 model.CommandType
	TargetMode           model.Mode
	TargetPoolID         string
	Priority             uint8
	TerminateWaitSeconds int

	// RequestID is the idempotency key. Empty means the caller does not
	// need replay protection and a fresh key is generated.
	RequestID string

	// TTL overrides the default deadline window when positive.
	TTL time.Duration
}

// Enqueue inserts one command. Replays with a known request ID return
// the original command; commands whose target already matches the
// agent's current state are rejected as redundant.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Command, error) {
	agent, err := d.Store.AgentByID(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	if req.RequestID != "" {
		existing, err := d.Store.CommandByRequestID(ctx, req.AgentID, req.RequestID)
		if err == nil {
			return existing, nil
		}
		if !model.IsKind(err, model.KindNotFound) {
			return nil, err
		}
	} else {
		req.RequestID = uuid.NewString()
	}

	if redundant(agent, req) {
		return nil, model.E(model.KindValidation, "dispatch.enqueue",
			fmt.Sprintf("redundant %s: agent already in %s/%s", req.Type, agent.Mode, agent.CurrentPoolID), nil)
	}

	// A live command with the same type and target is the same work;
	// hand back the live row rather than queueing a twin.
	if req.Type != model.CommandTerminate {
		if live, err := d.liveDuplicate(ctx, req); err != nil {
			return nil, err
		} else if live != nil {
			return live, nil
		}
	}

	now := d.Clock.Now().UTC()
	cmd := &model.Command{
		ID:                   uuid.NewString(),
		AgentID:              req.AgentID,
		InstanceID:           req.InstanceID,
		Type:                 req.Type,
		TargetMode:           req.TargetMode,
		TargetPoolID:         req.TargetPoolID,
		Priority:             req.Priority,
		TerminateWaitSeconds: req.TerminateWaitSeconds,
		Status:               model.CommandPending,
		RequestID:            req.RequestID,
		Deadline:             now.Add(ttlFor(req)),
	}
	if err := d.Store.CreateCommand(ctx, cmd); err != nil {
		if model.IsKind(err, model.KindConflict) {
			// Lost an idempotency race; the winner's row is the answer.
			return d.Store.CommandByRequestID(ctx, req.AgentID, req.RequestID)
		}
		return nil, err
	}

	d.Bus.Publish(events.Event{
		Topic:      events.TopicCommand,
		Type:       "command_enqueued",
		TenantID:   agent.TenantID,
		AgentID:    agent.ID,
		InstanceID: req.InstanceID,
		Message:    fmt.Sprintf("%s p%d -> %s", cmd.Type, cmd.Priority, cmd.TargetPoolID),
	})
	return cmd, nil
}

func ttlFor(req EnqueueRequest) time.Duration {
	if req.TTL > 0 {
		return req.TTL
	}
	if req.Priority >= model.PriorityEmergencyReplica {
		return EmergencyTTL
	}
	return DefaultTTL
}

// redundant reports whether the command asks for the state the agent is
// already in.
func redundant(agent *model.Agent, req EnqueueRequest) bool {
	switch req.Type {
	case model.CommandSwitch:
		return req.TargetPoolID == agent.CurrentPoolID && req.TargetMode == agent.Mode
	default:
		return false
	}
}

func (d *Dispatcher) liveDuplicate(ctx context.Context, req EnqueueRequest) (*model.Command, error) {
	exists, err := d.Store.ActiveCommandExists(ctx, req.AgentID, req.Type, req.TargetPoolID)
	if err != nil || !exists {
		return nil, err
	}
	cmds, err := d.Store.CommandsByAgent(ctx, req.AgentID, 50)
	if err != nil {
		return nil, err
	}
	for i := range cmds {
		c := cmds[i]
		if c.Type == req.Type && c.TargetPoolID == req.TargetPoolID && !c.Terminal() {
			return &c, nil
		}
	}
	return nil, nil
}

// Poll returns up to limit pending commands for the agent in priority
// order and marks them in-flight in the same transaction. Replicas being
// promoted are moved to promoting as their command goes out.
func (d *Dispatcher) Poll(ctx context.Context, agentID string, limit int) ([]model.Command, error) {
	if limit <= 0 {
		limit = 10
	}
	claimed, err := d.Store.ClaimPendingCommands(ctx, agentID, limit, d.Clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	for _, cmd := range claimed {
		if cmd.Type != model.CommandPromoteReplica || cmd.InstanceID == "" {
			continue
		}
		if err := d.Machine.BeginPromotion(ctx, cmd.InstanceID); err != nil {
			// The promote command is already out; a bookkeeping miss
			// must not block the agent.
			d.Log.Error(err, "failed to mark replica promoting",
				"agent", agentID, "instance", cmd.InstanceID)
		}
	}
	return claimed, nil
}

// ExecutionReport is the agent's account of running one command.
type ExecutionReport struct {
	Success bool
	Message string

	// Replica describes the VM created by a create_replica command.
	Replica *ReplicaDetails
}

// ReplicaDetails identifies a replica VM the agent provisioned.
type ReplicaDetails struct {
	InstanceID   string
	InstanceType string
	Region       string
	AZ           string
	Mode         model.Mode
	SpotPrice    float64
	BootSeconds  float64
	Ready        bool
	LastSyncedAt *time.Time
}

// Report finalizes a command. Reports are idempotent: repeating one
// returns the stored outcome without re-running side effects.
func (d *Dispatcher) Report(ctx context.Context, agentID, commandID string, rep ExecutionReport) (*model.Command, error) {
	cmd, err := d.Store.CommandByID(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.AgentID != agentID {
		return nil, model.E(model.KindNotFound, "dispatch.report", "command belongs to another agent", nil)
	}
	if cmd.Terminal() {
		return cmd, nil
	}

	status := model.CommandCompleted
	if !rep.Success {
		status = model.CommandFailed
	}
	now := d.Clock.Now().UTC()
	if err := d.Store.FinishCommand(ctx, commandID, status, rep.Success, rep.Message, now); err != nil {
		if model.IsKind(err, model.KindConflict) {
			// A concurrent retry won; return what it wrote.
			return d.Store.CommandByID(ctx, commandID)
		}
		return nil, err
	}

	if rep.Success {
		if err := d.applyCompletion(ctx, cmd, rep); err != nil {
			return nil, err
		}
	}

	agent, err := d.Store.AgentByID(ctx, agentID)
	if err == nil {
		d.Bus.Publish(events.Event{
			Topic:      events.TopicCommand,
			Type:       "command_" + string(status),
			TenantID:   agent.TenantID,
			AgentID:    agentID,
			InstanceID: cmd.InstanceID,
			Message:    rep.Message,
		})
	}
	return d.Store.CommandByID(ctx, commandID)
}

// applyCompletion runs the state-machine follow-up a successful command
// implies.
func (d *Dispatcher) applyCompletion(ctx context.Context, cmd *model.Command, rep ExecutionReport) error {
	switch cmd.Type {
	case model.CommandCreateReplica:
		if rep.Replica == nil || rep.Replica.InstanceID == "" {
			return model.E(model.KindValidation, "dispatch.report",
				"create_replica completion requires replica details", nil)
		}
		rd := rep.Replica
		_, err := d.Machine.RegisterReplica(ctx, &model.Instance{
			ID:           rd.InstanceID,
			AgentID:      cmd.AgentID,
			InstanceType: rd.InstanceType,
			Region:       rd.Region,
			AZ:           rd.AZ,
			PoolID:       model.PoolID(rd.InstanceType, rd.AZ),
			Mode:         rd.Mode,
			SpotPrice:    rd.SpotPrice,
		}, rd.Ready, rd.LastSyncedAt, rd.BootSeconds)
		return err
	case model.CommandTerminate:
		if cmd.InstanceID != "" {
			return d.Machine.ConfirmTermination(ctx, cmd.InstanceID, true)
		}
	}
	return nil
}

// ExpireDue flips pending commands past their deadline to expired and
// announces each on the bus. Returns how many expired.
func (d *Dispatcher) ExpireDue(ctx context.Context) (int, error) {
	expired, err := d.Store.ExpireCommands(ctx, d.Clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, cmd := range expired {
		d.Bus.Publish(events.Event{
			Topic:      events.TopicCommand,
			Type:       "command_expired",
			AgentID:    cmd.AgentID,
			InstanceID: cmd.InstanceID,
			Severity:   "warning",
			Message:    fmt.Sprintf("%s p%d missed deadline", cmd.Type, cmd.Priority),
		})
	}
	return len(expired), nil
}
