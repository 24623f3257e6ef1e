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

package safety

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

func threePools(risks [3]float64, allocs [3]float64) []PoolAllocation {
	return []PoolAllocation{
		{PoolID: "m5.large.us-east-1a", AZ: "us-east-1a", RiskScore: risks[0], Allocation: allocs[0]},
		{PoolID: "m5.large.us-east-1b", AZ: "us-east-1b", RiskScore: risks[1], Allocation: allocs[1]},
		{PoolID: "m5.large.us-east-1c", AZ: "us-east-1c", RiskScore: risks[2], Allocation: allocs[2]},
	}
}

// TestEvaluate_Approved tests that a recommendation meeting all four
// constraints passes through untouched.
func TestEvaluate_Approved(t *testing.T) {
	res := Evaluate(Recommendation{
		TenantID:      "t1",
		Pools:         threePools([3]float64{0.80, 0.82, 0.90}, [3]float64{20, 20, 20}),
		OnDemandCount: 40,
		TotalCapacity: 100,
	})
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Empty(t, res.Violations)
	assert.Nil(t, res.Alternative)
}

// TestEvaluate_RejectedLowRiskBreaksDiversity tests the rejection path:
// one pool below the risk floor must be dropped, leaving only two AZs,
// so no safe alternative exists.
func TestEvaluate_RejectedLowRiskBreaksDiversity(t *testing.T) {
	res := Evaluate(Recommendation{
		TenantID:      "t1",
		Pools:         threePools([3]float64{0.72, 0.80, 0.85}, [3]float64{40, 30, 30}),
		OnDemandCount: 0,
		TotalCapacity: 100,
	})
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Nil(t, res.Alternative)
	constraints := lo.Map(res.Violations, func(v Violation, _ int) string { return v.Constraint })
	assert.Contains(t, constraints, "risk_floor")
	assert.Contains(t, constraints, "on_demand_buffer")
}

// TestEvaluate_ModifiedCapsAndBuffers tests the repair path: every pool
// above 20% is capped and the freed capacity covers the on-demand
// buffer.
func TestEvaluate_ModifiedCapsAndBuffers(t *testing.T) {
	res := Evaluate(Recommendation{
		TenantID:      "t1",
		Pools:         threePools([3]float64{0.80, 0.80, 0.85}, [3]float64{40, 30, 30}),
		OnDemandCount: 0,
		TotalCapacity: 100,
	})
	require.Equal(t, OutcomeModified, res.Outcome)
	require.NotNil(t, res.Alternative)

	alt := *res.Alternative
	for _, p := range alt.Pools {
		assert.LessOrEqual(t, p.Allocation/alt.TotalCapacity, MaxPoolShare,
			"pool %s still over the concentration cap", p.PoolID)
	}
	assert.GreaterOrEqual(t, alt.OnDemandCount/alt.TotalCapacity, MinOnDemandShare)
	assert.Empty(t, check(alt), "the alternative itself must be safe")

	// Capacity is conserved: capped spot moved on-demand, nothing lost.
	spot := lo.SumBy(alt.Pools, func(p PoolAllocation) float64 { return p.Allocation })
	assert.InDelta(t, 100, spot+alt.OnDemandCount, 1e-9)
	assert.NotEmpty(t, res.Modifications)
}

// TestEvaluate_ConcentrationBoundary tests that exactly 20% passes and
// anything above modifies.
func TestEvaluate_ConcentrationBoundary(t *testing.T) {
	base := func(first float64) Recommendation {
		return Recommendation{
			TenantID:      "t1",
			Pools:         threePools([3]float64{0.80, 0.80, 0.80}, [3]float64{first, 15, 15}),
			OnDemandCount: 100 - first - 30,
			TotalCapacity: 100,
		}
	}
	assert.Equal(t, OutcomeApproved, Evaluate(base(20)).Outcome, "exactly 20%% is allowed")
	assert.Equal(t, OutcomeModified, Evaluate(base(20.0001)).Outcome, "20.0001%% is not")
}

// TestEvaluate_OnDemandBoundary tests that exactly 15% on-demand passes
// and 14.9999% modifies.
func TestEvaluate_OnDemandBoundary(t *testing.T) {
	base := func(od float64) Recommendation {
		return Recommendation{
			TenantID:      "t1",
			Pools:         threePools([3]float64{0.80, 0.80, 0.80}, [3]float64{20, 20, 20}),
			OnDemandCount: od,
			TotalCapacity: 100,
		}
	}
	assert.Equal(t, OutcomeApproved, Evaluate(base(15)).Outcome)

	res := Evaluate(base(14.9999))
	require.Equal(t, OutcomeModified, res.Outcome)
	assert.GreaterOrEqual(t, res.Alternative.OnDemandCount, 15.0)
}

// TestEvaluate_RiskFloorBoundary tests the risk floor edge: 0.75 passes.
func TestEvaluate_RiskFloorBoundary(t *testing.T) {
	res := Evaluate(Recommendation{
		TenantID:      "t1",
		Pools:         threePools([3]float64{0.75, 0.80, 0.80}, [3]float64{20, 20, 20}),
		OnDemandCount: 40,
		TotalCapacity: 100,
	})
	assert.Equal(t, OutcomeApproved, res.Outcome)
}

// TestEnforce_WritesAudit tests that modified and rejected outcomes each
// leave a safety_violations row with the right severity.
func TestEnforce_WritesAudit(t *testing.T) {
	st, err := store.OpenMemory(logr.Discard())
	require.NoError(t, err)
	bus := events.NewBus(logr.Discard())
	enf := New(st, bus, logr.Discard())
	ctx := context.Background()

	// Rejected: sub-risk pool kills AZ diversity.
	_, err = enf.Enforce(ctx, Recommendation{
		TenantID:      "t1",
		Pools:         threePools([3]float64{0.72, 0.80, 0.85}, [3]float64{40, 30, 30}),
		TotalCapacity: 100,
	})
	require.NoError(t, err)

	// Modified: repairable concentration violation.
	_, err = enf.Enforce(ctx, Recommendation{
		TenantID:      "t1",
		Pools:         threePools([3]float64{0.80, 0.80, 0.85}, [3]float64{40, 30, 30}),
		TotalCapacity: 100,
	})
	require.NoError(t, err)

	rows, err := st.SafetyViolations(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	assert.Equal(t, string(OutcomeModified), rows[0].Outcome)
	assert.Equal(t, model.SeverityHigh, rows[0].Severity)
	assert.NotEmpty(t, rows[0].Alternative)
	assert.Equal(t, string(OutcomeRejected), rows[1].Outcome)
	assert.Equal(t, model.SeverityCritical, rows[1].Severity)
	assert.Empty(t, rows[1].Alternative)
}

// TestEnforce_ApprovedWritesNothing tests that approvals do not create
// audit rows.
func TestEnforce_ApprovedWritesNothing(t *testing.T) {
	st, err := store.OpenMemory(logr.Discard())
	require.NoError(t, err)
	enf := New(st, events.NewBus(logr.Discard()), logr.Discard())

	res, err := enf.Enforce(context.Background(), Recommendation{
		TenantID:      "t1",
		Pools:         threePools([3]float64{0.80, 0.82, 0.90}, [3]float64{20, 20, 20}),
		OnDemandCount: 40,
		TotalCapacity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)

	rows, err := st.SafetyViolations(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
