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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

type fixture struct {
	machine *Machine
	store   *store.Store
	bus     *events.Bus
	clock   *clocktesting.FakeClock
	tenant  *model.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenMemory(logr.Discard())
	require.NoError(t, err)

	bus := events.NewBus(logr.Discard())
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	machine := New(st, bus, clk, logr.Discard())

	tenant := &model.Tenant{ID: uuid.NewString(), Name: "acme", AuthToken: uuid.NewString(), Enabled: true}
	require.NoError(t, st.CreateTenant(context.Background(), tenant))

	return &fixture{machine: machine, store: st, bus: bus, clock: clk, tenant: tenant}
}

func defaultRegister() RegisterInput {
	return RegisterInput{
		LogicalID:    "web-1",
		InstanceID:   "i-primary",
		InstanceType: "m5.large",
		Region:       "us-east-1",
		AZ:           "us-east-1a",
		Mode:         model.ModeSpot,
		Hostname:     "web-1.internal",
		AgentVersion: "1.4.0",
	}
}

// seedReplica creates a ready replica row in the target pool for the
// agent, pre-dating it so boot time math stays deterministic.
func (f *fixture) seedReplica(t *testing.T, agentID, id, pool, az string) *model.Instance {
	t.Helper()
	ctx := context.Background()
	synced := f.clock.Now().UTC().Add(-20 * time.Second)
	inst := &model.Instance{
		ID: id, AgentID: agentID, InstanceType: "m5.large",
		Region: "us-east-1", AZ: az, PoolID: pool, Mode: model.ModeSpot,
		Status: model.InstanceRunningReplica, IsActive: true,
		Ready: true, LastSyncedAt: &synced, SpotPrice: 0.034,
	}
	require.NoError(t, f.store.CreateInstance(ctx, inst))
	return inst
}

// TestRegister_NewAgent tests first registration: agent, default config,
// instance row, and primary activation.
func TestRegister_NewAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, cfg, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)

	assert.Equal(t, "web-1", agent.LogicalID)
	assert.Equal(t, model.AgentOnline, agent.Status)
	assert.Equal(t, "i-primary", agent.InstanceID)
	assert.Equal(t, "m5.large.us-east-1a", agent.CurrentPoolID)
	assert.Equal(t, int64(1), agent.ConfigVersion)
	assert.False(t, cfg.AutoSwitchEnabled, "new agents must not auto-switch")

	inst, err := f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceRunningPrimary, inst.Status)
	assert.True(t, inst.IsPrimary)

	pool, err := f.store.PoolByID(ctx, "m5.large.us-east-1a")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", pool.Region)
}

// TestRegister_Idempotent tests that replaying the same registration
// yields one agent row and an identical response.
func TestRegister_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)
	second, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same logical id must map to one agent")
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, first.ConfigVersion, second.ConfigVersion)
}

// TestRegister_RecoversDeadPrimary tests that a new VM registering while
// the recorded primary is terminal becomes the new primary.
func TestRegister_RecoversDeadPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)

	// The primary dies out-of-band: zombie via cutover path equivalent.
	inst, err := f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateInstanceIf(ctx, inst.ID, inst.Version, map[string]any{
		"status": model.InstanceZombie, "is_primary": false, "is_active": false,
	}))

	in := defaultRegister()
	in.InstanceID = "i-reinstalled"
	got, _, err := f.machine.Register(ctx, f.tenant, in)
	require.NoError(t, err)

	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, "i-reinstalled", got.InstanceID, "terminal primary should be replaced")

	fresh, err := f.store.InstanceByID(ctx, "i-reinstalled")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceRunningPrimary, fresh.Status)
}

// TestHeartbeat_ZombieClaimRejected tests that a heartbeat claiming a
// zombied instance does not move the agent pointer and still succeeds.
func TestHeartbeat_ZombieClaimRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)
	replica := f.seedReplica(t, agent.ID, "i-replica", "m5.large.us-east-1b", "us-east-1b")

	_, err = f.machine.Cutover(ctx, CutoverInput{
		AgentID:        agent.ID,
		FromInstanceID: "i-primary",
		ToInstanceID:   replica.ID,
		Trigger:        model.TriggerAutomatic,
	})
	require.NoError(t, err)

	f.clock.Step(10 * time.Second)
	got, err := f.machine.Heartbeat(ctx, mustAgent(t, f, agent.ID), HeartbeatInput{InstanceID: "i-primary"})
	require.NoError(t, err, "heartbeat itself must succeed")
	assert.Equal(t, "i-replica", got.InstanceID, "zombie must not re-take the pointer")
}

// TestHeartbeat_PointerCatchUp tests that a heartbeat claiming the real
// current primary fixes a lagging pointer.
func TestHeartbeat_PointerCatchUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)

	// Seed a second primary out-of-band and stale pointer.
	now := f.clock.Now().UTC()
	inst := &model.Instance{
		ID: "i-next", AgentID: agent.ID, InstanceType: "m5.large",
		Region: "us-east-1", AZ: "us-east-1b", PoolID: "m5.large.us-east-1b",
		Mode: model.ModeOnDemand, Status: model.InstanceRunningPrimary,
		IsPrimary: true, IsActive: true, PromotedAt: &now,
	}
	require.NoError(t, f.store.CreateInstance(ctx, inst))
	old, err := f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateInstanceIf(ctx, old.ID, old.Version, map[string]any{
		"status": model.InstanceZombie, "is_primary": false,
	}))

	got, err := f.machine.Heartbeat(ctx, mustAgent(t, f, agent.ID), HeartbeatInput{InstanceID: "i-next"})
	require.NoError(t, err)
	assert.Equal(t, "i-next", got.InstanceID)
	assert.Equal(t, model.ModeOnDemand, got.Mode)
}

// TestCutover_AtomicFlip tests the four-way batch: new primary, old
// zombie, agent pointer, switch record with savings.
func TestCutover_AtomicFlip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)
	replica := f.seedReplica(t, agent.ID, "i-replica", "m5.large.us-east-1b", "us-east-1b")

	sw, err := f.machine.Cutover(ctx, CutoverInput{
		AgentID:         agent.ID,
		FromInstanceID:  "i-primary",
		ToInstanceID:    replica.ID,
		Trigger:         model.TriggerAutomatic,
		FromPrice:       0.0400,
		ToPrice:         0.0340,
		DowntimeSeconds: 2.5,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0060, sw.SavingsImpactPerHour, 1e-9)
	assert.Equal(t, model.TriggerAutomatic, sw.Trigger)

	oldInst, err := f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceZombie, oldInst.Status)
	assert.False(t, oldInst.IsPrimary)
	assert.False(t, oldInst.IsActive)

	newInst, err := f.store.InstanceByID(ctx, "i-replica")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceRunningPrimary, newInst.Status)
	assert.True(t, newInst.IsPrimary)

	got, err := f.store.AgentByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "i-replica", got.InstanceID)
	assert.Equal(t, "m5.large.us-east-1b", got.CurrentPoolID)
	require.NotNil(t, got.LastSwitchAt)

	tenant, err := f.store.TenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0060*24, tenant.TotalSavings, 1e-9, "savings convention: hourly delta times 24")
}

// TestCutover_Replay tests that a retried switch report returns the
// recorded switch instead of failing or double-counting.
func TestCutover_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)
	replica := f.seedReplica(t, agent.ID, "i-replica", "m5.large.us-east-1b", "us-east-1b")

	in := CutoverInput{
		AgentID:        agent.ID,
		FromInstanceID: "i-primary",
		ToInstanceID:   replica.ID,
		Trigger:        model.TriggerAutomatic,
		FromPrice:      0.0400,
		ToPrice:        0.0340,
	}
	first, err := f.machine.Cutover(ctx, in)
	require.NoError(t, err)
	second, err := f.machine.Cutover(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replay must return the recorded switch")

	all, err := f.store.SwitchesByAgent(ctx, agent.ID, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	tenant, err := f.store.TenantByID(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0060*24, tenant.TotalSavings, 1e-9, "replay must not double-count savings")
}

// TestCutover_RequiresServingPrimary tests validation of the old side.
func TestCutover_RequiresServingPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)
	f.seedReplica(t, agent.ID, "i-a", "m5.large.us-east-1b", "us-east-1b")
	f.seedReplica(t, agent.ID, "i-b", "m5.large.us-east-1c", "us-east-1c")

	_, err = f.machine.Cutover(ctx, CutoverInput{
		AgentID:        agent.ID,
		FromInstanceID: "i-a",
		ToInstanceID:   "i-b",
		Trigger:        model.TriggerManual,
	})
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

// TestTransition_IllegalEdge tests that an illegal edge is fatal and does
// not write.
func TestTransition_IllegalEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)
	_ = agent

	_, err = f.machine.Transition(ctx, "i-primary", model.InstanceTerminated, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindFatal, model.KindOf(err))

	inst, err := f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceRunningPrimary, inst.Status)
}

// TestRegisterReplica_BootSeconds tests replica registration and the
// launch-to-ready boot time derivation.
func TestRegisterReplica_BootSeconds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)

	rep := &model.Instance{
		ID: "i-warm", AgentID: agent.ID, InstanceType: "m5.large",
		Region: "us-east-1", AZ: "us-east-1b", PoolID: "m5.large.us-east-1b",
		Mode: model.ModeSpot,
	}
	_, err = f.machine.EnsureInstance(ctx, rep)
	require.NoError(t, err)

	f.clock.Step(45 * time.Second)
	synced := f.clock.Now().UTC()
	got, err := f.machine.RegisterReplica(ctx, rep, true, &synced, 0)
	require.NoError(t, err)

	assert.Equal(t, model.InstanceRunningReplica, got.Status)
	stored, err := f.store.InstanceByID(ctx, "i-warm")
	require.NoError(t, err)
	assert.True(t, stored.Ready)
	assert.InDelta(t, 45.0, stored.BootSeconds, 0.001)
}

// TestMarkAgentsOffline_Boundary tests that the sweep flips only agents
// strictly past the timeout and publishes an event for each.
func TestMarkAgentsOffline_Boundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.bus.Subscribe(events.TopicAgentStatus, "test", 8)

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)

	// Exactly at the cutoff: stays online.
	cutoff := *mustAgent(t, f, agent.ID).LastHeartbeatAt
	flipped, err := f.machine.MarkAgentsOffline(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, flipped)

	// One second past: flips offline.
	flipped, err = f.machine.MarkAgentsOffline(ctx, cutoff.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, flipped, 1)

	got := mustAgent(t, f, agent.ID)
	assert.Equal(t, model.AgentOffline, got.Status)

	drainFor(t, ch, "primary_activated")
	e := drainFor(t, ch, "agent_offline")
	assert.Equal(t, agent.ID, e.AgentID)
}

// TestConfirmTermination tests the terminating -> terminated edge and the
// failed-attempt path.
func TestConfirmTermination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, _, err := f.machine.Register(ctx, f.tenant, defaultRegister())
	require.NoError(t, err)
	replica := f.seedReplica(t, agent.ID, "i-replica", "m5.large.us-east-1b", "us-east-1b")
	_, err = f.machine.Cutover(ctx, CutoverInput{
		AgentID: agent.ID, FromInstanceID: "i-primary", ToInstanceID: replica.ID,
		Trigger: model.TriggerAutomatic,
	})
	require.NoError(t, err)

	require.NoError(t, f.machine.MarkTerminating(ctx, "i-primary"))
	require.NoError(t, f.machine.ConfirmTermination(ctx, "i-primary", false), "failed attempt is not an error")

	inst, err := f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceTerminating, inst.Status)
	require.NotNil(t, inst.TerminationAttemptedAt)

	require.NoError(t, f.machine.ConfirmTermination(ctx, "i-primary", true))
	inst, err = f.store.InstanceByID(ctx, "i-primary")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceTerminated, inst.Status)
	assert.True(t, inst.TerminationConfirmed)
}

func mustAgent(t *testing.T, f *fixture, id string) *model.Agent {
	t.Helper()
	a, err := f.store.AgentByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

// drainFor reads events until one of the given type appears or the
// buffer runs dry.
func drainFor(t *testing.T, ch <-chan events.Event, eventType string) events.Event {
	t.Helper()
	for {
		select {
		case e := <-ch:
			if e.Type == eventType {
				return e
			}
		default:
			t.Fatalf("event %q not published", eventType)
			return events.Event{}
		}
	}
}
