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
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

// DefaultPoolSamplesPerMinute bounds how many raw samples one pool may
// ingest per minute before the rest are counted and dropped.
const DefaultPoolSamplesPerMinute = 60

// PoolSample is one reported price observation for a pool.
type PoolSample struct {
	InstanceType string
	AZ           string
	Price        float64
	CapturedAt   time.Time
	Role         model.PriceRole
}

// Report is one pricing report from an agent: samples for the pools the
// agent can see plus the on-demand reference it observed.
type Report struct {
	AgentID      string
	Region       string
	InstanceType string
	Samples      []PoolSample

	// OnDemandPrice is zero when the agent could not observe it.
	OnDemandPrice float64
}

// Ingestor buffers nothing and writes raw rows straight through, but
// throttles per pool so a misbehaving fleet cannot flood the raw tier.
type Ingestor struct {
	Store *store.Store
	Clock clock.Clock
	Log   logr.Logger

	// PerPoolPerMinute overrides the default throughput bound when > 0.
	PerPoolPerMinute int

	// OnDrop observes throttled samples, typically a metrics counter.
	OnDrop func(poolID string, n int)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewIngestor builds an Ingestor.
func NewIngestor(st *store.Store, clk clock.Clock, log logr.Logger) *Ingestor {
	return &Ingestor{
		Store:    st,
		Clock:    clk,
		Log:      log.WithName("pricing-ingest"),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (i *Ingestor) limiter(poolID string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	lim, ok := i.limiters[poolID]
	if !ok {
		perMinute := i.PerPoolPerMinute
		if perMinute <= 0 {
			perMinute = DefaultPoolSamplesPerMinute
		}
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		i.limiters[poolID] = lim
	}
	return lim
}

// Ingest validates and persists one report. Returns how many samples
// were stored and how many the throttle dropped. Pools are created on
// first sight.
func (i *Ingestor) Ingest(ctx context.Context, rep Report) (accepted, dropped int, err error) {
	now := i.Clock.Now().UTC()
	rows := make([]model.RawPrice, 0, len(rep.Samples))

	for _, s := range rep.Samples {
		if s.Price <= 0 {
			return 0, 0, model.E(model.KindValidation, "pricing.ingest", "price must be positive", nil)
		}
		poolID := model.PoolID(s.InstanceType, s.AZ)
		if err := i.Store.EnsurePool(ctx, &model.Pool{
			ID:           poolID,
			Region:       rep.Region,
			InstanceType: s.InstanceType,
			AZ:           s.AZ,
			IsActive:     true,
		}); err != nil {
			return accepted, dropped, err
		}

		if !i.limiter(poolID).Allow() {
			dropped++
			if i.OnDrop != nil {
				i.OnDrop(poolID, 1)
			}
			continue
		}

		capturedAt := s.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = now
		}
		role := s.Role
		if role == "" {
			role = model.RolePrimary
		}
		rows = append(rows, model.RawPrice{
			PoolID:     poolID,
			Price:      s.Price,
			CapturedAt: capturedAt.UTC(),
			Source:     model.SourceAgent,
			Role:       role,
			AgentID:    rep.AgentID,
		})
	}

	if err := i.Store.InsertRawPrices(ctx, rows); err != nil {
		return 0, dropped, err
	}
	accepted = len(rows)

	if rep.OnDemandPrice > 0 && rep.Region != "" && rep.InstanceType != "" {
		if err := i.Store.UpsertOnDemandPrice(ctx, &model.OnDemandPrice{
			Region:       rep.Region,
			InstanceType: rep.InstanceType,
			EffectiveAt:  now.Truncate(time.Hour),
			Price:        rep.OnDemandPrice,
		}); err != nil {
			return accepted, dropped, err
		}
	}

	if dropped > 0 {
		i.Log.V(1).Info("throttled price samples", "agent", rep.AgentID, "dropped", dropped)
	}
	return accepted, dropped, nil
}
