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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nextdoor/portage/internal/decision"
	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/emergency"
	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/pricing"
	"github.com/nextdoor/portage/internal/safety"
	"github.com/nextdoor/portage/internal/state"
	"github.com/nextdoor/portage/internal/store"
)

type fixture struct {
	sched   *Scheduler
	store   *store.Store
	machine *state.Machine
	clock   *clocktesting.FakeClock
	tenant  *model.Tenant
	agent   *model.Agent
	config  *model.AgentConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenMemory(logr.Discard())
	require.NoError(t, err)

	bus := events.NewBus(logr.Discard())
	t.Cleanup(bus.Close)
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	machine := state.New(st, bus, clk, logr.Discard())
	dispatcher := dispatch.New(st, machine, bus, clk, logr.Discard())
	harness := decision.NewHarness(st, &decision.Handle{}, clk, logr.Discard())
	engine := decision.NewEngine(st, harness, safety.New(st, bus, logr.Discard()), dispatcher, clk, logr.Discard())
	pipeline := pricing.NewPipeline(st, bus, clk, logr.Discard())
	orch := emergency.NewOrchestrator(st, dispatcher, bus, clk, logr.Discard())

	tenant := &model.Tenant{ID: uuid.NewString(), Name: "acme", AuthToken: uuid.NewString(), Enabled: true}
	require.NoError(t, st.CreateTenant(ctx, tenant))
	agent, cfg, err := machine.Register(ctx, tenant, state.RegisterInput{
		LogicalID: "web-1", InstanceID: "i-primary", InstanceType: "m5.large",
		Region: "us-east-1", AZ: "us-east-1a", Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	return &fixture{
		sched:   New(Config{}, st, machine, dispatcher, engine, pipeline, orch, clk, logr.Discard()),
		store:   st,
		machine: machine,
		clock:   clk,
		tenant:  tenant,
		agent:   agent,
		config:  cfg,
	}
}

func (f *fixture) setHeartbeat(t *testing.T, at time.Time) {
	t.Helper()
	agent, err := f.store.AgentByID(context.Background(), f.agent.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateAgentIf(context.Background(), agent.ID, agent.Version, map[string]any{
		"last_heartbeat_at": at,
	}))
}

func (f *fixture) agentStatus(t *testing.T) model.AgentStatus {
	t.Helper()
	agent, err := f.store.AgentByID(context.Background(), f.agent.ID)
	require.NoError(t, err)
	return agent.Status
}

// TestSweepHeartbeats_Boundary tests that an agent heartbeating exactly
// at the timeout boundary stays online and one second past it goes
// offline.
func TestSweepHeartbeats_Boundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setHeartbeat(t, f.clock.Now().UTC().Add(-DefaultHeartbeatTimeout))
	require.NoError(t, f.sched.SweepHeartbeats(ctx))
	assert.Equal(t, model.AgentOnline, f.agentStatus(t), "exactly at the boundary stays online")

	f.setHeartbeat(t, f.clock.Now().UTC().Add(-DefaultHeartbeatTimeout-time.Second))
	require.NoError(t, f.sched.SweepHeartbeats(ctx))
	assert.Equal(t, model.AgentOffline, f.agentStatus(t))
}

// TestReapZombies tests the auto-termination gates: opted-in agents get
// one terminate command for a zombie past its grace period, and repeat
// passes do not queue twins.
func TestReapZombies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	zombiedAt := f.clock.Now().UTC().Add(-time.Hour)
	_, err := f.machine.Transition(ctx, "i-primary", model.InstanceZombie, map[string]any{
		"zombied_at": zombiedAt,
		"is_primary": false,
	})
	require.NoError(t, err)

	// Not opted in yet: nothing happens.
	require.NoError(t, f.sched.ReapZombies(ctx))
	cmds, err := f.store.CommandsByAgent(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	f.config.AutoTerminateEnabled = true
	require.NoError(t, f.store.SaveAgentConfig(ctx, f.config))

	require.NoError(t, f.sched.ReapZombies(ctx))
	cmds, err = f.store.CommandsByAgent(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandTerminate, cmds[0].Type)
	assert.Equal(t, uint8(model.PriorityZombieTerminate), cmds[0].Priority)

	inst, err := f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceTerminating, inst.Status)

	// Second pass: the instance is already terminating with a live
	// command, so no twin is queued.
	require.NoError(t, f.sched.ReapZombies(ctx))
	cmds, err = f.store.CommandsByAgent(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

// TestReapZombies_RespectsGracePeriod tests that a fresh zombie is left
// alone until the configured wait elapses.
func TestReapZombies_RespectsGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.config.AutoTerminateEnabled = true
	f.config.TerminateWaitSeconds = 300
	require.NoError(t, f.store.SaveAgentConfig(ctx, f.config))

	_, err := f.machine.Transition(ctx, "i-primary", model.InstanceZombie, map[string]any{
		"zombied_at": f.clock.Now().UTC(),
		"is_primary": false,
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.ReapZombies(ctx))
	cmds, err := f.store.CommandsByAgent(ctx, f.agent.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

// TestConfigDefaults tests that zero values pick up the documented
// cadences.
func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.HeartbeatTimeout)
	assert.Equal(t, defaultHeartbeatSweep, cfg.HeartbeatSweepInterval)
	assert.Equal(t, DefaultConsolidationSchedule, cfg.ConsolidationSchedule)
	assert.Equal(t, DefaultRetentionSchedule, cfg.RetentionSchedule)

	custom := Config{HeartbeatTimeout: time.Minute}
	custom.applyDefaults()
	assert.Equal(t, time.Minute, custom.HeartbeatTimeout)
}
