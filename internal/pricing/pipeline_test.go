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

package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

const testPool = "m5.large.us-east-1a"

type pipelineFixture struct {
	pipeline *Pipeline
	store    *store.Store
	clock    *clocktesting.FakeClock
	bus      *events.Bus
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	st, err := store.OpenMemory(logr.Discard())
	require.NoError(t, err)
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus(logr.Discard())
	t.Cleanup(bus.Close)
	return &pipelineFixture{
		pipeline: NewPipeline(st, bus, clk, logr.Discard()),
		store:    st,
		clock:    clk,
		bus:      bus,
	}
}

// at returns a capture time n buckets before the fixture clock, aligned
// to the consolidation grid.
func (f *pipelineFixture) at(n int) time.Time {
	return f.clock.Now().UTC().Truncate(Bucket).Add(-time.Duration(n) * Bucket)
}

func (f *pipelineFixture) seed(t *testing.T, rows ...model.RawPrice) {
	t.Helper()
	require.NoError(t, f.store.InsertRawPrices(context.Background(), rows))
}

func raw(price float64, at time.Time, source model.PriceSource, role model.PriceRole) model.RawPrice {
	return model.RawPrice{
		PoolID:     testPool,
		Price:      price,
		CapturedAt: at,
		Source:     source,
		Role:       role,
		AgentID:    "agent-1",
	}
}

// TestConsolidate_DedupPrecedence tests per-bucket source precedence:
// agent primary beats agent replica beats provider backfill, and within
// a tier the latest capture wins.
func TestConsolidate_DedupPrecedence(t *testing.T) {
	f := newPipelineFixture(t)
	bucket := f.at(4)

	f.seed(t,
		raw(0.050, bucket.Add(10*time.Second), model.SourceProviderAPI, model.RolePrimary),
		raw(0.040, bucket.Add(20*time.Second), model.SourceAgent, model.RoleReplica),
		raw(0.030, bucket.Add(30*time.Second), model.SourceAgent, model.RolePrimary),
		raw(0.031, bucket.Add(90*time.Second), model.SourceAgent, model.RolePrimary),
	)

	sum, err := f.pipeline.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pools)

	rows, err := f.store.ConsolidatedWindow(context.Background(), testPool, bucket, bucket.Add(Bucket))
	require.NoError(t, err)
	require.Len(t, rows, 1, "one row per bucket")
	assert.Equal(t, 0.031, rows[0].Price, "latest primary sample wins the bucket")
	assert.Equal(t, model.SourceAgent, rows[0].Source)
	assert.Equal(t, ConfidenceAgent, rows[0].Confidence)
}

// TestConsolidate_ProviderOnlyBucket tests that provider samples fill
// buckets no agent reported, at reduced confidence.
func TestConsolidate_ProviderOnlyBucket(t *testing.T) {
	f := newPipelineFixture(t)
	bucket := f.at(4)
	f.seed(t, raw(0.045, bucket.Add(time.Minute), model.SourceProviderAPI, model.RolePrimary))

	_, err := f.pipeline.Consolidate(context.Background())
	require.NoError(t, err)

	rows, err := f.store.ConsolidatedWindow(context.Background(), testPool, bucket, bucket.Add(Bucket))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.SourceProviderAPI, rows[0].Source)
	assert.Equal(t, ConfidenceProvider, rows[0].Confidence)
}

// TestConsolidate_InterpolatesGaps tests that holes between observed
// buckets are filled with exact linear values, marked interpolated, and
// kept out of the canonical series.
func TestConsolidate_InterpolatesGaps(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	t0 := f.at(6)
	t3 := f.at(3) // 15 minutes later: two missing buckets between

	f.seed(t,
		raw(0.030, t0, model.SourceAgent, model.RolePrimary),
		raw(0.060, t3, model.SourceAgent, model.RolePrimary),
	)

	sum, err := f.pipeline.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Interpolated)

	rows, err := f.store.ConsolidatedWindow(ctx, testPool, t0, t3.Add(Bucket))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.InDelta(t, 0.040, rows[1].Price, 1e-9)
	assert.InDelta(t, 0.050, rows[2].Price, 1e-9)
	assert.Equal(t, model.SourceInterpolated, rows[1].Source)
	assert.Equal(t, ConfidenceInterpolated, rows[1].Confidence)

	canonical, err := f.store.CanonicalWindow(ctx, testPool, t0, t3.Add(Bucket))
	require.NoError(t, err)
	require.Len(t, canonical, 2, "interpolated points never reach canonical")
	assert.Equal(t, 0.030, canonical[0].Price)
	assert.Equal(t, 0.060, canonical[1].Price)
}

// TestConsolidateRun_Idempotent tests that re-running with the same run
// ID over the same raw input leaves the consolidated series unchanged.
func TestConsolidateRun_Idempotent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	t0 := f.at(6)
	f.seed(t,
		raw(0.030, t0, model.SourceAgent, model.RolePrimary),
		raw(0.060, f.at(3), model.SourceAgent, model.RolePrimary),
	)

	first, err := f.pipeline.ConsolidateRun(ctx, "run-fixed")
	require.NoError(t, err)
	second, err := f.pipeline.ConsolidateRun(ctx, "run-fixed")
	require.NoError(t, err)
	assert.Equal(t, first.Consolidated, second.Consolidated)

	rows, err := f.store.ConsolidatedWindow(ctx, testPool, t0, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, rows, first.Consolidated, "window replaced, not appended")
	for _, r := range rows {
		assert.Equal(t, "run-fixed", r.RunID)
	}
}

// TestPrune tests the three retention windows.
func TestPrune(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := f.clock.Now().UTC()

	f.seed(t,
		raw(0.030, now.Add(-8*24*time.Hour), model.SourceAgent, model.RolePrimary),
		raw(0.031, now.Add(-time.Hour), model.SourceAgent, model.RolePrimary),
	)
	require.NoError(t, f.store.ReplaceConsolidatedWindow(ctx, testPool,
		now.Add(-100*24*time.Hour), now,
		[]model.ConsolidatedPrice{
			{PoolID: testPool, Timestamp: now.Add(-95 * 24 * time.Hour), Price: 0.03, Source: model.SourceAgent, Confidence: 1, RunID: "old"},
			{PoolID: testPool, Timestamp: now.Add(-time.Hour), Price: 0.03, Source: model.SourceAgent, Confidence: 1, RunID: "old"},
		}))

	rawGone, consolidatedGone, canonicalGone, err := f.pipeline.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rawGone)
	assert.Equal(t, int64(1), consolidatedGone)
	assert.Equal(t, int64(0), canonicalGone)
}
