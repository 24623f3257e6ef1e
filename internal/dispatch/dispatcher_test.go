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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/state"
	"github.com/nextdoor/portage/internal/store"
)

type fixture struct {
	dispatcher *Dispatcher
	machine    *state.Machine
	store      *store.Store
	clock      *clocktesting.FakeClock
	tenant     *model.Tenant
	agent      *model.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory(logr.Discard())
	require.NoError(t, err)

	bus := events.NewBus(logr.Discard())
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	machine := state.New(st, bus, clk, logr.Discard())

	tenant := &model.Tenant{ID: uuid.NewString(), Name: "acme", AuthToken: uuid.NewString(), Enabled: true}
	require.NoError(t, st.CreateTenant(ctx, tenant))

	agent, _, err := machine.Register(ctx, tenant, state.RegisterInput{
		LogicalID: "web-1", InstanceID: "i-primary", InstanceType: "m5.large",
		Region: "us-east-1", AZ: "us-east-1a", Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	return &fixture{
		dispatcher: New(st, machine, bus, clk, logr.Discard()),
		machine:    machine,
		store:      st,
		clock:      clk,
		tenant:     tenant,
		agent:      agent,
	}
}

// TestEnqueue_IdempotentRequestID tests that replaying a request ID
// returns the original command.
func TestEnqueue_IdempotentRequestID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := EnqueueRequest{
		AgentID: f.agent.ID, InstanceID: "i-primary", Type: model.CommandSwitch,
		TargetMode: model.ModeSpot, TargetPoolID: "m5.large.us-east-1b",
		Priority: model.PriorityScorerSwitch, RequestID: "req-abc",
	}
	first, err := f.dispatcher.Enqueue(ctx, req)
	require.NoError(t, err)
	second, err := f.dispatcher.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same request id must yield one command")

	cmds, err := f.store.CommandsByAgent(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

// TestEnqueue_RedundantTarget tests rejection of a switch into the pool
// and mode the agent already occupies.
func TestEnqueue_RedundantTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandSwitch,
		TargetMode: model.ModeSpot, TargetPoolID: "m5.large.us-east-1a",
		Priority: model.PriorityScorerSwitch,
	})
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

// TestEnqueue_LiveDuplicate tests that an identical live command is
// returned instead of queueing a twin.
func TestEnqueue_LiveDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandCreateReplica,
		TargetPoolID: "m5.large.us-east-1b", Priority: model.PriorityEmergencyReplica,
	})
	require.NoError(t, err)

	second, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandCreateReplica,
		TargetPoolID: "m5.large.us-east-1b", Priority: model.PriorityEmergencyReplica,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

// TestEnqueue_DefaultDeadlines tests TTL selection by priority band.
func TestEnqueue_DefaultDeadlines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now().UTC()

	routine, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandSwitch,
		TargetMode: model.ModeOnDemand, TargetPoolID: "m5.large.us-east-1b",
		Priority: model.PriorityScorerSwitch,
	})
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultTTL), routine.Deadline.UTC())

	emergency, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandCreateReplica,
		TargetPoolID: "m5.large.us-east-1c", Priority: model.PriorityEmergencyReplica,
	})
	require.NoError(t, err)
	assert.Equal(t, now.Add(EmergencyTTL), emergency.Deadline.UTC())

	explicit, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandPromoteReplica, InstanceID: "i-x",
		Priority: model.PriorityEmergencyPromote, TTL: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), explicit.Deadline.UTC())
}

// TestPoll_PriorityOrderAndPromotion tests poll ordering, the in-flight
// flip, and that handing out a promote command moves the replica to
// promoting.
func TestPoll_PriorityOrderAndPromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A ready replica to promote.
	synced := f.clock.Now().UTC()
	replica := &model.Instance{
		ID: "i-replica", AgentID: f.agent.ID, InstanceType: "m5.large",
		Region: "us-east-1", AZ: "us-east-1b", PoolID: "m5.large.us-east-1b",
		Mode: model.ModeSpot, Status: model.InstanceRunningReplica,
		Ready: true, LastSyncedAt: &synced, IsActive: true,
	}
	require.NoError(t, f.store.CreateInstance(ctx, replica))

	_, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandSwitch,
		TargetMode: model.ModeOnDemand, TargetPoolID: "m5.large.us-east-1b",
		Priority: model.PriorityScorerSwitch,
	})
	require.NoError(t, err)
	promote, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, InstanceID: "i-replica", Type: model.CommandPromoteReplica,
		Priority: model.PriorityEmergencyPromote,
	})
	require.NoError(t, err)

	polled, err := f.dispatcher.Poll(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, polled, 2)
	assert.Equal(t, promote.ID, polled[0].ID, "highest priority first")
	for _, c := range polled {
		assert.Equal(t, model.CommandInFlight, c.Status)
	}

	inst, err := f.store.InstanceByID(ctx, "i-replica")
	require.NoError(t, err)
	assert.Equal(t, model.InstancePromoting, inst.Status)

	again, err := f.dispatcher.Poll(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "in-flight commands must not be re-offered")
}

// TestReport_IdempotentCompletion tests finalization and replay.
func TestReport_IdempotentCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandSwitch,
		TargetMode: model.ModeOnDemand, TargetPoolID: "m5.large.us-east-1b",
		Priority: model.PriorityScorerSwitch,
	})
	require.NoError(t, err)
	_, err = f.dispatcher.Poll(ctx, f.agent.ID, 10)
	require.NoError(t, err)

	done, err := f.dispatcher.Report(ctx, f.agent.ID, cmd.ID, ExecutionReport{Success: true, Message: "ok"})
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, done.Status)
	require.NotNil(t, done.Success)
	assert.True(t, *done.Success)

	replay, err := f.dispatcher.Report(ctx, f.agent.ID, cmd.ID, ExecutionReport{Success: false, Message: "changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, replay.Status, "replay must not rewrite the outcome")
	assert.Equal(t, "ok", replay.Message)
}

// TestReport_WrongAgent tests that an agent cannot finalize another
// agent's command.
func TestReport_WrongAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandSwitch,
		TargetMode: model.ModeOnDemand, TargetPoolID: "m5.large.us-east-1b",
		Priority: model.PriorityScorerSwitch,
	})
	require.NoError(t, err)

	_, err = f.dispatcher.Report(ctx, "someone-else", cmd.ID, ExecutionReport{Success: true})
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

// TestReport_CreateReplicaRegistersInstance tests that completing a
// create_replica command materializes the replica row.
func TestReport_CreateReplicaRegistersInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandCreateReplica,
		TargetPoolID: "m5.large.us-east-1b", Priority: model.PriorityEmergencyReplica,
	})
	require.NoError(t, err)
	_, err = f.dispatcher.Poll(ctx, f.agent.ID, 10)
	require.NoError(t, err)

	synced := f.clock.Now().UTC()
	_, err = f.dispatcher.Report(ctx, f.agent.ID, cmd.ID, ExecutionReport{
		Success: true,
		Replica: &ReplicaDetails{
			InstanceID: "i-new-replica", InstanceType: "m5.large",
			Region: "us-east-1", AZ: "us-east-1b", Mode: model.ModeSpot,
			SpotPrice: 0.034, BootSeconds: 41, Ready: true, LastSyncedAt: &synced,
		},
	})
	require.NoError(t, err)

	inst, err := f.store.InstanceByID(ctx, "i-new-replica")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceRunningReplica, inst.Status)
	assert.True(t, inst.Ready)
	assert.Equal(t, 41.0, inst.BootSeconds)
	assert.Equal(t, "m5.large.us-east-1b", inst.PoolID)
}

// TestReport_CreateReplicaWithoutDetails tests the validation error.
func TestReport_CreateReplicaWithoutDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandCreateReplica,
		TargetPoolID: "m5.large.us-east-1b", Priority: model.PriorityEmergencyReplica,
	})
	require.NoError(t, err)

	_, err = f.dispatcher.Report(ctx, f.agent.ID, cmd.ID, ExecutionReport{Success: true})
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

// TestExpireDue tests deadline sweep through the dispatcher.
func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		AgentID: f.agent.ID, Type: model.CommandCreateReplica,
		TargetPoolID: "m5.large.us-east-1b", Priority: model.PriorityEmergencyReplica,
		TTL: time.Minute,
	})
	require.NoError(t, err)

	f.clock.Step(2 * time.Minute)
	n, err := f.dispatcher.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	polled, err := f.dispatcher.Poll(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, polled, "expired commands must not be polled")
}

// TestInstancesToTerminate covers the zombie grace period, the opt-in
// flag, the attempt cooldown, and unconfirmed retries.
func TestInstancesToTerminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Opt the agent into auto-terminate with a 60s grace period.
	cfg, err := f.store.AgentConfigByID(ctx, f.agent.ID)
	require.NoError(t, err)
	cfg.AutoTerminateEnabled = true
	cfg.TerminateWaitSeconds = 60
	require.NoError(t, f.store.SaveAgentConfig(ctx, cfg))

	zombiedAt := f.clock.Now().UTC()
	zombie := &model.Instance{
		ID: "i-zombie", AgentID: f.agent.ID, InstanceType: "m5.large",
		Region: "us-east-1", AZ: "us-east-1a", PoolID: "m5.large.us-east-1a",
		Mode: model.ModeSpot, Status: model.InstanceZombie, ZombiedAt: &zombiedAt,
	}
	require.NoError(t, f.store.CreateInstance(ctx, zombie))

	// Within the grace period: nothing offered.
	offers, err := f.dispatcher.InstancesToTerminate(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Empty(t, offers)

	// Past the grace period: offered and moved to terminating.
	f.clock.Step(61 * time.Second)
	offers, err = f.dispatcher.InstancesToTerminate(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "i-zombie", offers[0].InstanceID)
	assert.Equal(t, reasonZombieReap, offers[0].Reason)

	inst, err := f.store.InstanceByID(ctx, "i-zombie")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceTerminating, inst.Status)

	// Immediately after: cooldown withholds the entry.
	offers, err = f.dispatcher.InstancesToTerminate(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Empty(t, offers)

	// After the cooldown, the unconfirmed termination is re-offered.
	f.clock.Step(attemptCooldown + time.Second)
	offers, err = f.dispatcher.InstancesToTerminate(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, reasonRetryUnconfirmed, offers[0].Reason)
}

// TestInstancesToTerminate_OptOut tests that zombies of agents without
// auto-terminate stay untouched.
func TestInstancesToTerminate_OptOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	zombiedAt := f.clock.Now().UTC().Add(-time.Hour)
	zombie := &model.Instance{
		ID: "i-zombie", AgentID: f.agent.ID, InstanceType: "m5.large",
		Region: "us-east-1", AZ: "us-east-1a", PoolID: "m5.large.us-east-1a",
		Mode: model.ModeSpot, Status: model.InstanceZombie, ZombiedAt: &zombiedAt,
	}
	require.NoError(t, f.store.CreateInstance(ctx, zombie))

	offers, err := f.dispatcher.InstancesToTerminate(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Empty(t, offers, "auto_terminate off keeps zombies")

	inst, err := f.store.InstanceByID(ctx, "i-zombie")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceZombie, inst.Status)
}
