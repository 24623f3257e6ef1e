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

package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/safety"
	"github.com/nextdoor/portage/internal/store"
)

// incumbentRisk is the risk score assumed for pools that already hold
// serving primaries and are not being moved this sweep. Pools only enter
// service through a scored switch or an emergency placement, so standing
// allocations are treated as vetted at admission.
const incumbentRisk = 0.80

// pricingWindow is how far back the sweep looks for a usable canonical
// sample per pool.
const pricingWindow = time.Hour

// Engine drives the periodic decision sweep: read state and canonical
// prices, decide per agent, validate the resulting fleet allocation, and
// enqueue commands for what survives.
type Engine struct {
	Store      *store.Store
	Harness    *Harness
	Enforcer   *safety.Enforcer
	Dispatcher *dispatch.Dispatcher
	Clock      clock.Clock
	Log        logr.Logger
}

// NewEngine builds an Engine.
func NewEngine(st *store.Store, h *Harness, enf *safety.Enforcer, d *dispatch.Dispatcher, clk clock.Clock, log logr.Logger) *Engine {
	return &Engine{Store: st, Harness: h, Enforcer: enf, Dispatcher: d, Clock: clk, Log: log.WithName("decision-sweep")}
}

// candidate is one agent the harness wants to move.
type candidate struct {
	agent   model.Agent
	verdict Verdict
}

// Sweep runs one full decision pass over every online agent. Per-agent
// failures are aggregated, not fatal: one broken agent must not starve
// the rest of the fleet.
func (e *Engine) Sweep(ctx context.Context) error {
	agents, err := e.Store.AgentsOnline(ctx)
	if err != nil {
		return err
	}

	var errs error
	byTenant := lo.GroupBy(agents, func(a model.Agent) string { return a.TenantID })
	for tenantID, tenantAgents := range byTenant {
		if err := e.sweepTenant(ctx, tenantID, tenantAgents); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}
	return errs
}

func (e *Engine) sweepTenant(ctx context.Context, tenantID string, agents []model.Agent) error {
	var errs error
	var candidates []candidate

	for _, agent := range agents {
		agent := agent
		dec, err := e.decideAgent(ctx, agent)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if dec != nil && dec.Verdict.Action == model.ActionSwitch {
			candidates = append(candidates, candidate{agent: agent, verdict: dec.Verdict})
		}
	}
	if len(candidates) == 0 {
		return errs
	}

	rec := e.buildRecommendation(tenantID, agents, candidates)
	result, err := e.Enforcer.Enforce(ctx, rec)
	if err != nil {
		return multierr.Append(errs, err)
	}
	if !result.Safe() {
		e.Log.Info("sweep recommendation rejected, no commands issued",
			"tenant", tenantID, "candidates", len(candidates))
		return errs
	}

	allowed := e.filterToAlternative(candidates, result)
	for _, c := range allowed {
		_, err := e.Dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
			AgentID:      c.agent.ID,
			InstanceID:   c.agent.InstanceID,
			Type:         model.CommandSwitch,
			TargetMode:   c.verdict.TargetMode,
			TargetPoolID: c.verdict.TargetPoolID,
			Priority:     model.PriorityScorerSwitch,
		})
		if err != nil && !model.IsKind(err, model.KindValidation) {
			errs = multierr.Append(errs, fmt.Errorf("enqueue for agent %s: %w", c.agent.ID, err))
		}
	}
	return errs
}

// decideAgent assembles the pricing input for one agent and runs the
// harness. Agents with no usable primary or no canonical price for their
// pool are skipped quietly; the pipeline will catch them up.
func (e *Engine) decideAgent(ctx context.Context, agent model.Agent) (*Decision, error) {
	if agent.InstanceID == "" {
		return nil, nil
	}
	inst, err := e.Store.InstanceByID(ctx, agent.InstanceID)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if inst.Status != model.InstanceRunningPrimary {
		return nil, nil
	}
	cfg, err := e.Store.AgentConfigByID(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	in, ok, err := e.buildInput(ctx, agent, *inst, *cfg)
	if err != nil || !ok {
		return nil, err
	}
	dec, err := e.Harness.Decide(ctx, in)
	if err != nil {
		return nil, err
	}
	return &dec, nil
}

func (e *Engine) buildInput(ctx context.Context, agent model.Agent, inst model.Instance, cfg model.AgentConfig) (Input, bool, error) {
	pools, err := e.Store.PoolsByRegionType(ctx, agent.Region, inst.InstanceType)
	if err != nil {
		return Input{}, false, err
	}
	poolIDs := lo.Map(pools, func(p model.Pool, _ int) string { return p.ID })
	latest, err := e.Store.LatestCanonical(ctx, poolIDs)
	if err != nil {
		return Input{}, false, err
	}

	now := e.Clock.Now().UTC()
	azByPool := lo.SliceToMap(pools, func(p model.Pool) (string, string) { return p.ID, p.AZ })
	fresh := func(pid string) (PoolPricing, bool) {
		row, ok := latest[pid]
		if !ok || now.Sub(row.Timestamp) > pricingWindow {
			return PoolPricing{}, false
		}
		return PoolPricing{
			PoolID:     pid,
			AZ:         azByPool[pid],
			Price:      row.Price,
			Confidence: row.Confidence,
			AsOf:       row.Timestamp,
		}, true
	}

	current, ok := fresh(agent.CurrentPoolID)
	if !ok {
		e.Log.V(1).Info("no fresh canonical price for current pool, skipping agent",
			"agent", agent.ID, "pool", agent.CurrentPoolID)
		return Input{}, false, nil
	}

	var alternatives []PoolPricing
	for _, pid := range poolIDs {
		if pid == agent.CurrentPoolID {
			continue
		}
		if pp, ok := fresh(pid); ok {
			alternatives = append(alternatives, pp)
		}
	}

	var onDemand float64
	if od, err := e.Store.LatestOnDemand(ctx, agent.Region, inst.InstanceType); err == nil {
		onDemand = od.Price
	} else if !model.IsKind(err, model.KindNotFound) {
		return Input{}, false, err
	}

	return Input{
		Agent:         agent,
		Instance:      inst,
		Config:        cfg,
		CurrentPool:   current,
		Alternatives:  alternatives,
		OnDemandPrice: onDemand,
	}, true, nil
}

// buildRecommendation projects the tenant's fleet distribution after the
// candidate moves and expresses it in the enforcer's vocabulary.
func (e *Engine) buildRecommendation(tenantID string, agents []model.Agent, candidates []candidate) safety.Recommendation {
	targetByAgent := lo.SliceToMap(candidates, func(c candidate) (string, Verdict) {
		return c.agent.ID, c.verdict
	})

	type poolState struct {
		az    string
		risk  float64
		count float64
	}
	pools := map[string]*poolState{}
	onDemand := 0.0

	for _, agent := range agents {
		poolID := agent.CurrentPoolID
		mode := agent.Mode
		risk := incumbentRisk
		az := agent.AZ
		if v, moved := targetByAgent[agent.ID]; moved {
			poolID = v.TargetPoolID
			mode = v.TargetMode
			risk = v.RiskScore
			az = azFromPool(v.TargetPoolID, agent.AZ)
		}
		if mode == model.ModeOnDemand {
			onDemand++
			continue
		}
		ps, ok := pools[poolID]
		if !ok {
			ps = &poolState{az: az, risk: risk}
			pools[poolID] = ps
		}
		ps.count++
		if risk < ps.risk {
			ps.risk = risk
		}
	}

	rec := safety.Recommendation{
		TenantID:      tenantID,
		OnDemandCount: onDemand,
		TotalCapacity: float64(len(agents)),
	}
	for id, ps := range pools {
		rec.Pools = append(rec.Pools, safety.PoolAllocation{
			PoolID:     id,
			AZ:         ps.az,
			RiskScore:  ps.risk,
			Allocation: ps.count,
		})
	}
	return rec
}

// filterToAlternative keeps only the candidates the effective (possibly
// modified) allocation still has room for, best savings first.
func (e *Engine) filterToAlternative(candidates []candidate, result safety.Result) []candidate {
	if result.Outcome == safety.OutcomeApproved {
		return candidates
	}
	room := map[string]float64{}
	for _, p := range result.Alternative.Pools {
		room[p.PoolID] = p.Allocation
	}

	// Best expected savings first so the capped room goes to the moves
	// worth the most.
	ordered := make([]candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].verdict.ExpectedSavingsPerHour > ordered[j].verdict.ExpectedSavingsPerHour
	})

	var kept []candidate
	for _, c := range ordered {
		if c.verdict.TargetMode == model.ModeOnDemand {
			kept = append(kept, c)
			continue
		}
		if room[c.verdict.TargetPoolID] >= 1 {
			room[c.verdict.TargetPoolID]--
			kept = append(kept, c)
		}
	}
	return kept
}

// azFromPool extracts the availability zone from a pool ID
// (instance_type "." az). Instance types contain dots, AZ names never
// do, so the split is on the last dot; fallback covers malformed IDs.
func azFromPool(poolID, fallback string) string {
	if i := strings.LastIndexByte(poolID, '.'); i >= 0 {
		return poolID[i+1:]
	}
	return fallback
}
