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

// Package safety validates fleet allocation recommendations against the
// four non-negotiable constraints before anything becomes a command.
// Evaluation is pure; Enforce additionally writes the audit trail for
// every modified or rejected outcome.

package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

// Constraint bounds. These are policy floor values, not tunables: a
// recommendation that cannot meet them is unsafe no matter what the
// scorer believes.
const (
	MinRiskScore     = 0.75
	MinAZDiversity   = 3
	MaxPoolShare     = 0.20
	MinOnDemandShare = 0.15
)

// PoolAllocation is one pool's slice of a proposed fleet allocation.
type PoolAllocation struct {
	PoolID     string  `json:"pool_id"`
	AZ         string  `json:"az"`
	RiskScore  float64 `json:"risk_score"`
	Allocation float64 `json:"allocation"`
}

// Recommendation is a proposed allocation of a tenant's fleet across
// spot pools plus an on-demand remainder. TotalCapacity is the fleet
// size the shares are measured against.
type Recommendation struct {
	TenantID      string           `json:"tenant_id"`
	Pools         []PoolAllocation `json:"pools"`
	OnDemandCount float64          `json:"on_demand_count"`
	TotalCapacity float64          `json:"total_capacity"`
}

// Outcome is the enforcer's verdict.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeModified Outcome = "modified"
	OutcomeRejected Outcome = "rejected"
)

// Violation names one broken constraint.
type Violation struct {
	Constraint string `json:"constraint"`
	Detail     string `json:"detail"`
}

// Result is the explicit sum type handed back to the caller: approved
// passes the original through, modified carries a safe alternative and
// the changes made, rejected carries only the violations.
type Result struct {
	Outcome       Outcome
	Violations    []Violation
	Alternative   *Recommendation
	Modifications []string
}

// Safe reports whether the result may be turned into commands.
func (r Result) Safe() bool { return r.Outcome != OutcomeRejected }

// Effective returns the allocation that should be acted on: the
// original when approved, the alternative when modified, nil when
// rejected.
func (r Result) Effective(original Recommendation) *Recommendation {
	switch r.Outcome {
	case OutcomeApproved:
		return &original
	case OutcomeModified:
		return r.Alternative
	}
	return nil
}

// Evaluate checks the recommendation against all four constraints and,
// when violated, attempts to construct a safe alternative. It never
// touches storage.
func Evaluate(rec Recommendation) Result {
	violations := check(rec)
	if len(violations) == 0 {
		return Result{Outcome: OutcomeApproved}
	}

	alt, mods := repair(rec)
	if alt != nil {
		if remaining := check(*alt); len(remaining) == 0 {
			return Result{
				Outcome:       OutcomeModified,
				Violations:    violations,
				Alternative:   alt,
				Modifications: mods,
			}
		}
	}
	return Result{Outcome: OutcomeRejected, Violations: violations}
}

// check lists every constraint the recommendation breaks.
func check(rec Recommendation) []Violation {
	var out []Violation
	if rec.TotalCapacity <= 0 {
		return []Violation{{Constraint: "capacity", Detail: "total capacity must be positive"}}
	}
	for _, p := range rec.Pools {
		if p.RiskScore < MinRiskScore {
			out = append(out, Violation{
				Constraint: "risk_floor",
				Detail:     fmt.Sprintf("pool %s risk %.2f below %.2f", p.PoolID, p.RiskScore, MinRiskScore),
			})
		}
		if share := p.Allocation / rec.TotalCapacity; share > MaxPoolShare {
			out = append(out, Violation{
				Constraint: "pool_concentration",
				Detail:     fmt.Sprintf("pool %s holds %.2f%% of capacity, cap is %.0f%%", p.PoolID, share*100, MaxPoolShare*100),
			})
		}
	}
	if azCount(rec.Pools) < MinAZDiversity {
		out = append(out, Violation{
			Constraint: "az_diversity",
			Detail:     fmt.Sprintf("%d availability zones, need %d", azCount(rec.Pools), MinAZDiversity),
		})
	}
	if share := rec.OnDemandCount / rec.TotalCapacity; share < MinOnDemandShare {
		out = append(out, Violation{
			Constraint: "on_demand_buffer",
			Detail:     fmt.Sprintf("on-demand buffer %.2f%% below %.0f%%", share*100, MinOnDemandShare*100),
		})
	}
	return out
}

func azCount(pools []PoolAllocation) int {
	return len(lo.UniqBy(lo.Filter(pools, func(p PoolAllocation, _ int) bool {
		return p.Allocation > 0
	}), func(p PoolAllocation) string { return p.AZ }))
}

// repair builds the safe alternative: drop sub-risk pools, cap
// concentration, then raise the on-demand buffer by shrinking the
// largest spot pools proportionally. Freed capacity lands on-demand.
// Returns nil when the remaining pools cannot meet AZ diversity.
func repair(rec Recommendation) (*Recommendation, []string) {
	alt := Recommendation{
		TenantID:      rec.TenantID,
		OnDemandCount: rec.OnDemandCount,
		TotalCapacity: rec.TotalCapacity,
	}
	var mods []string

	for _, p := range rec.Pools {
		if p.RiskScore < MinRiskScore {
			alt.OnDemandCount += p.Allocation
			mods = append(mods, fmt.Sprintf("dropped pool %s (risk %.2f)", p.PoolID, p.RiskScore))
			continue
		}
		alt.Pools = append(alt.Pools, p)
	}

	if azCount(alt.Pools) < MinAZDiversity {
		return nil, nil
	}

	ceiling := MaxPoolShare * rec.TotalCapacity
	for i := range alt.Pools {
		if alt.Pools[i].Allocation > ceiling {
			excess := alt.Pools[i].Allocation - ceiling
			alt.OnDemandCount += excess
			alt.Pools[i].Allocation = ceiling
			mods = append(mods, fmt.Sprintf("capped pool %s at %.0f%% (freed %.4g)",
				alt.Pools[i].PoolID, MaxPoolShare*100, excess))
		}
	}

	if deficit := MinOnDemandShare*rec.TotalCapacity - alt.OnDemandCount; deficit > 0 {
		shrinkProportionally(&alt, deficit)
		mods = append(mods, fmt.Sprintf("raised on-demand buffer to %.0f%% (moved %.4g from spot)",
			MinOnDemandShare*100, deficit))
	}
	return &alt, mods
}

// shrinkProportionally moves deficit capacity from spot to on-demand,
// taking from each pool in proportion to its size, largest first so
// rounding residue lands on the biggest pool.
func shrinkProportionally(rec *Recommendation, deficit float64) {
	total := lo.SumBy(rec.Pools, func(p PoolAllocation) float64 { return p.Allocation })
	if total <= 0 {
		return
	}
	sort.SliceStable(rec.Pools, func(i, j int) bool {
		return rec.Pools[i].Allocation > rec.Pools[j].Allocation
	})
	moved := 0.0
	for i := range rec.Pools {
		share := rec.Pools[i].Allocation / total
		take := deficit * share
		if i == 0 {
			// Largest pool absorbs the rounding residue at the end.
			continue
		}
		take = math.Min(take, rec.Pools[i].Allocation)
		rec.Pools[i].Allocation -= take
		moved += take
	}
	rest := math.Min(deficit-moved, rec.Pools[0].Allocation)
	rec.Pools[0].Allocation -= rest
	rec.OnDemandCount += moved + rest
}

// Enforcer wraps Evaluate with the audit side effects.
type Enforcer struct {
	Store *store.Store
	Bus   *events.Bus
	Log   logr.Logger
}

// New builds an Enforcer.
func New(st *store.Store, bus *events.Bus, log logr.Logger) *Enforcer {
	return &Enforcer{Store: st, Bus: bus, Log: log.WithName("safety")}
}

// Enforce evaluates the recommendation and records a safety_violations
// row for every modified (high) or rejected (critical) outcome. The
// returned result is identical to Evaluate's.
func (e *Enforcer) Enforce(ctx context.Context, rec Recommendation) (Result, error) {
	res := Evaluate(rec)
	if res.Outcome == OutcomeApproved {
		return res, nil
	}

	severity := model.SeverityHigh
	if res.Outcome == OutcomeRejected {
		severity = model.SeverityCritical
	}

	row := &model.SafetyViolation{
		TenantID:   rec.TenantID,
		Outcome:    string(res.Outcome),
		Severity:   severity,
		Violations: mustJSON(res.Violations),
		Original:   mustJSON(rec),
	}
	if res.Alternative != nil {
		row.Alternative = mustJSON(res.Alternative)
	}
	if err := e.Store.InsertSafetyViolation(ctx, row); err != nil {
		return res, err
	}

	e.Bus.Publish(events.Event{
		Topic:    events.TopicSafety,
		Type:     "safety_" + string(res.Outcome),
		TenantID: rec.TenantID,
		Severity: string(severity),
		Message:  fmt.Sprintf("%d constraint violation(s)", len(res.Violations)),
	})
	e.Log.Info("unsafe recommendation", "tenant", rec.TenantID,
		"outcome", res.Outcome, "violations", len(res.Violations))
	return res, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
