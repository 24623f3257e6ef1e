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

// Package pricing is the three-tier price pipeline: raw samples as
// reported, a consolidated five-minute series with gaps filled, and the
// canonical series the scorer reads. Consolidation is idempotent per run
// and guarded by a single-flight group so concurrent triggers collapse
// into one run.

package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

const (
	// Bucket is the consolidation grid resolution.
	Bucket = 5 * time.Minute
	// Lookback is how far back each consolidation run re-derives the
	// series. One extra hour beyond the 12h cadence absorbs late samples.
	Lookback = 13 * time.Hour

	ConfidenceAgent        = 1.0
	ConfidenceProvider     = 0.90
	ConfidenceInterpolated = 0.80

	RetentionRaw          = 7 * 24 * time.Hour
	RetentionConsolidated = 90 * 24 * time.Hour
	RetentionCanonical    = 365 * 24 * time.Hour
)

// Pipeline owns the raw -> consolidated -> canonical derivation.
type Pipeline struct {
	Store *store.Store
	Bus   *events.Bus
	Clock clock.Clock
	Log   logr.Logger

	group singleflight.Group
}

// NewPipeline builds a Pipeline.
func NewPipeline(st *store.Store, bus *events.Bus, clk clock.Clock, log logr.Logger) *Pipeline {
	return &Pipeline{Store: st, Bus: bus, Clock: clk, Log: log.WithName("pricing")}
}

// RunSummary describes one consolidation run.
type RunSummary struct {
	RunID        string
	Pools        int
	Consolidated int
	Interpolated int
	Canonical    int
	Shared       bool
}

// Consolidate runs one pipeline pass under a fresh run ID. Concurrent
// callers share a single run.
func (p *Pipeline) Consolidate(ctx context.Context) (RunSummary, error) {
	v, err, shared := p.group.Do("consolidate", func() (any, error) {
		return p.run(ctx, uuid.NewString())
	})
	if err != nil {
		return RunSummary{}, err
	}
	sum := v.(RunSummary)
	sum.Shared = shared
	return sum, nil
}

// ConsolidateRun runs the pipeline under a caller-chosen run ID, used by
// the CLI and by tests asserting idempotence.
func (p *Pipeline) ConsolidateRun(ctx context.Context, runID string) (RunSummary, error) {
	return p.run(ctx, runID)
}

func (p *Pipeline) run(ctx context.Context, runID string) (RunSummary, error) {
	now := p.Clock.Now().UTC()
	to := now.Truncate(Bucket).Add(Bucket)
	from := to.Add(-Lookback)

	raw, err := p.Store.RawPricesSince(ctx, from)
	if err != nil {
		return RunSummary{}, err
	}

	sum := RunSummary{RunID: runID}
	byPool := lo.GroupBy(raw, func(r model.RawPrice) string { return r.PoolID })
	var errs error
	for poolID, samples := range byPool {
		rows := consolidatePool(poolID, samples, runID)
		rows = interpolateGaps(rows, runID)
		if err := p.Store.ReplaceConsolidatedWindow(ctx, poolID, from, to, rows); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pool %s: %w", poolID, err))
			continue
		}

		canonical := lo.FilterMap(rows, func(r model.ConsolidatedPrice, _ int) (model.CanonicalPrice, bool) {
			if r.Source == model.SourceInterpolated {
				return model.CanonicalPrice{}, false
			}
			return model.CanonicalPrice(r), true
		})
		if err := p.Store.UpsertCanonical(ctx, canonical); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pool %s canonical: %w", poolID, err))
			continue
		}

		sum.Pools++
		sum.Consolidated += len(rows)
		sum.Canonical += len(canonical)
		sum.Interpolated += lo.CountBy(rows, func(r model.ConsolidatedPrice) bool {
			return r.Source == model.SourceInterpolated
		})
	}
	if errs != nil {
		// Partial results are fine: the next run re-derives and
		// overwrites whatever this one left behind.
		return sum, model.E(model.KindRetriable, "pricing.consolidate", "partial run", errs)
	}

	p.Bus.Publish(events.Event{
		Topic:   events.TopicPricing,
		Type:    "consolidation_completed",
		Message: fmt.Sprintf("run %s: %d pools, %d rows (%d interpolated)", runID, sum.Pools, sum.Consolidated, sum.Interpolated),
	})
	p.Log.Info("consolidation run finished", "run", runID,
		"pools", sum.Pools, "rows", sum.Consolidated, "interpolated", sum.Interpolated)
	return sum, nil
}

// consolidatePool collapses raw samples onto the five-minute grid.
// Precedence per bucket: agent primary, then agent replica, then
// provider backfill; within a tier the latest capture wins.
func consolidatePool(poolID string, samples []model.RawPrice, runID string) []model.ConsolidatedPrice {
	type winner struct {
		sample model.RawPrice
		tier   int
	}
	best := map[time.Time]winner{}
	for _, s := range samples {
		bucket := s.CapturedAt.UTC().Truncate(Bucket)
		t := tierOf(s)
		cur, seen := best[bucket]
		if !seen || t < cur.tier || (t == cur.tier && s.CapturedAt.After(cur.sample.CapturedAt)) {
			best[bucket] = winner{sample: s, tier: t}
		}
	}

	buckets := lo.Keys(best)
	rows := make([]model.ConsolidatedPrice, 0, len(buckets))
	for _, b := range buckets {
		w := best[b]
		confidence := ConfidenceAgent
		source := model.SourceAgent
		if w.sample.Source == model.SourceProviderAPI {
			confidence = ConfidenceProvider
			source = model.SourceProviderAPI
		}
		rows = append(rows, model.ConsolidatedPrice{
			PoolID:     poolID,
			Timestamp:  b,
			Price:      w.sample.Price,
			Source:     source,
			Confidence: confidence,
			RunID:      runID,
		})
	}
	sortByTimestamp(rows)
	return rows
}

// tierOf ranks a sample for dedup: lower wins.
func tierOf(s model.RawPrice) int {
	switch {
	case s.Source == model.SourceProviderAPI:
		return 2
	case s.Role == model.RolePrimary:
		return 0
	default:
		return 1
	}
}

// interpolateGaps fills every hole in the grid between observed samples
// with linearly interpolated points at reduced confidence. The series
// must already be sorted by timestamp.
func interpolateGaps(rows []model.ConsolidatedPrice, runID string) []model.ConsolidatedPrice {
	if len(rows) < 2 {
		return rows
	}
	out := make([]model.ConsolidatedPrice, 0, len(rows))
	for i := 0; i < len(rows)-1; i++ {
		out = append(out, rows[i])
		t0, t1 := rows[i].Timestamp, rows[i+1].Timestamp
		if t1.Sub(t0) <= Bucket {
			continue
		}
		p0, p1 := rows[i].Price, rows[i+1].Price
		span := t1.Sub(t0).Seconds()
		for t := t0.Add(Bucket); t.Before(t1); t = t.Add(Bucket) {
			frac := t.Sub(t0).Seconds() / span
			out = append(out, model.ConsolidatedPrice{
				PoolID:     rows[i].PoolID,
				Timestamp:  t,
				Price:      p0 + (p1-p0)*frac,
				Source:     model.SourceInterpolated,
				Confidence: ConfidenceInterpolated,
				RunID:      runID,
			})
		}
	}
	return append(out, rows[len(rows)-1])
}

func sortByTimestamp(rows []model.ConsolidatedPrice) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
}

// Prune applies the three retention windows and reports rows removed.
func (p *Pipeline) Prune(ctx context.Context) (raw, consolidated, canonical int64, err error) {
	now := p.Clock.Now().UTC()
	var errs error
	if raw, err = p.Store.PruneRawBefore(ctx, now.Add(-RetentionRaw)); err != nil {
		errs = multierr.Append(errs, err)
	}
	if consolidated, err = p.Store.PruneConsolidatedBefore(ctx, now.Add(-RetentionConsolidated)); err != nil {
		errs = multierr.Append(errs, err)
	}
	if canonical, err = p.Store.PruneCanonicalBefore(ctx, now.Add(-RetentionCanonical)); err != nil {
		errs = multierr.Append(errs, err)
	}
	return raw, consolidated, canonical, errs
}
