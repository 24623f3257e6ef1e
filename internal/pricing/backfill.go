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
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
	"github.com/nextdoor/portage/pkg/aws"
)

const (
	// DefaultBackfillInterval is how often the provider backfill runs.
	// Provider data only fills buckets agents never reported, so a slow
	// cadence is fine.
	DefaultBackfillInterval = 15 * time.Minute

	// backfillLookback is how far back each fetch asks the provider for
	// history. Matches the consolidation lookback so every bucket a run
	// can touch has a provider candidate.
	backfillLookback = Lookback
)

// Backfiller fetches spot price history and on-demand list prices from
// the cloud provider and files them as low-precedence raw samples.
// Agent-reported prices always win in consolidation; this exists so
// pools with thin agent coverage still have a usable series.
type Backfiller struct {
	Store    *store.Store
	Client   aws.Client
	Accounts []aws.AccountConfig
	Clock    clock.Clock
	Log      logr.Logger

	// Interval overrides DefaultBackfillInterval when > 0.
	Interval time.Duration

	// Regions and InstanceTypes restrict the fetch when non-empty. The
	// one-shot CLI path sets these; the periodic loop leaves them empty.
	Regions       []string
	InstanceTypes []string

	// ReadyChan, when set, is closed after the first fetch completes so
	// dependents can wait for provider data to exist.
	ReadyChan chan struct{}
	readyOnce sync.Once
}

// NewBackfiller builds a Backfiller.
func NewBackfiller(st *store.Store, client aws.Client, accounts []aws.AccountConfig, clk clock.Clock, log logr.Logger) *Backfiller {
	return &Backfiller{
		Store:    st,
		Client:   client,
		Accounts: accounts,
		Clock:    clk,
		Log:      log.WithName("pricing-backfill"),
	}
}

// Run fetches immediately, then keeps fetching on the interval until
// ctx is cancelled. Fetch errors are logged and retried next tick.
func (b *Backfiller) Run(ctx context.Context) error {
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultBackfillInterval
	}

	if err := b.RunOnce(ctx); err != nil {
		b.Log.Error(err, "initial backfill failed, will retry on next tick")
	}
	b.signalReady()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.RunOnce(ctx); err != nil {
				b.Log.Error(err, "backfill failed")
			}
		}
	}
}

func (b *Backfiller) signalReady() {
	b.readyOnce.Do(func() {
		if b.ReadyChan != nil {
			close(b.ReadyChan)
		}
	})
}

// RunOnce fetches history for every region that has active pools.
// Account failures are aggregated so one bad account does not starve
// the others.
func (b *Backfiller) RunOnce(ctx context.Context) error {
	pools, err := b.Store.ActivePools(ctx)
	if err != nil {
		return err
	}
	if len(b.Regions) > 0 {
		want := lo.SliceToMap(b.Regions, func(r string) (string, bool) { return r, true })
		pools = lo.Filter(pools, func(p model.Pool, _ int) bool { return want[p.Region] })
	}
	if len(b.InstanceTypes) > 0 {
		want := lo.SliceToMap(b.InstanceTypes, func(t string) (string, bool) { return t, true })
		pools = lo.Filter(pools, func(p model.Pool, _ int) bool { return want[p.InstanceType] })
	}
	if len(pools) == 0 {
		return nil
	}
	byRegion := lo.GroupBy(pools, func(p model.Pool) string { return p.Region })

	var errs error
	for _, account := range b.Accounts {
		regionPools, ok := byRegion[account.Region]
		if !ok {
			continue
		}
		if err := b.backfillRegion(ctx, account, regionPools); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("account %s: %w", account.AccountID, err))
		}
	}
	if errs != nil {
		return model.E(model.KindRetriable, "pricing.backfill", "provider fetch incomplete", errs)
	}
	return nil
}

func (b *Backfiller) backfillRegion(ctx context.Context, account aws.AccountConfig, pools []model.Pool) error {
	ec2Client, err := b.Client.EC2(ctx, account)
	if err != nil {
		return err
	}

	types := lo.Uniq(lo.Map(pools, func(p model.Pool, _ int) string { return p.InstanceType }))
	start := b.Clock.Now().UTC().Add(-backfillLookback)
	history, err := ec2Client.SpotPriceHistory(ctx, types, start)
	if err != nil {
		return err
	}

	known := lo.SliceToMap(pools, func(p model.Pool) (string, bool) { return p.ID, true })
	rows := make([]model.RawPrice, 0, len(history))
	for _, sp := range history {
		poolID := model.PoolID(sp.InstanceType, sp.AvailabilityZone)
		// Only pools the fleet actually occupies; the provider reports
		// every AZ in the region.
		if !known[poolID] {
			continue
		}
		// Role grades agent reports; provider samples carry none and
		// rank on Source alone.
		rows = append(rows, model.RawPrice{
			PoolID:     poolID,
			Price:      sp.Price,
			CapturedAt: sp.Timestamp,
			Source:     model.SourceProviderAPI,
		})
	}
	if err := b.Store.InsertRawPrices(ctx, rows); err != nil {
		return err
	}

	var errs error
	odRefreshed := 0
	pricingClient := b.Client.Pricing(ctx)
	for _, it := range types {
		quote, err := pricingClient.OnDemandPrice(ctx, account.Region, it)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := b.Store.UpsertOnDemandPrice(ctx, &model.OnDemandPrice{
			Region:       account.Region,
			InstanceType: it,
			EffectiveAt:  b.Clock.Now().UTC().Truncate(time.Hour),
			Price:        quote.PricePerHour,
		}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		odRefreshed++
	}

	b.Log.Info("provider backfill fetched",
		"region", account.Region, "samples", len(rows), "onDemandRefreshed", odRefreshed)
	return errs
}
