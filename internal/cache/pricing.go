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

package cache

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

// refreshQuiet is how long after the last pricing event the cache waits
// before refreshing, so one consolidation run costs one reload.
const refreshQuiet = 2 * time.Second

// PriceCache holds the latest canonical price per active pool. Readers
// get point-in-time snapshots; the watcher refreshes after each
// consolidation run and notifies with the pools whose price moved.
type PriceCache struct {
	BaseCache

	Store *store.Store
	Clock clock.Clock
	Log   logr.Logger

	prices map[string]model.CanonicalPrice
}

// NewPriceCache builds an empty cache; call Refresh or Watch to fill it.
func NewPriceCache(st *store.Store, clk clock.Clock, log logr.Logger) *PriceCache {
	return &PriceCache{
		Store:  st,
		Clock:  clk,
		Log:    log.WithName("price-cache"),
		prices: make(map[string]model.CanonicalPrice),
	}
}

// Refresh reloads the latest canonical price for every active pool and
// notifies with the pools that changed.
func (c *PriceCache) Refresh(ctx context.Context) error {
	pools, err := c.Store.ActivePools(ctx)
	if err != nil {
		return err
	}
	poolIDs := lo.Map(pools, func(p model.Pool, _ int) string { return p.ID })
	latest, err := c.Store.LatestCanonical(ctx, poolIDs)
	if err != nil {
		return err
	}

	c.Lock()
	var changed []string
	for poolID, price := range latest {
		if prev, ok := c.prices[poolID]; !ok || prev.Timestamp != price.Timestamp || prev.Price != price.Price {
			changed = append(changed, poolID)
		}
	}
	c.prices = latest
	c.MarkUpdated(c.Clock.Now().UTC())
	c.Unlock()

	c.NotifyUpdate(changed)
	if len(changed) > 0 {
		c.Log.V(1).Info("price cache refreshed", "pools", len(latest), "changed", len(changed))
	}
	return nil
}

// Price returns the cached canonical price for a pool.
func (c *PriceCache) Price(poolID string) (model.CanonicalPrice, bool) {
	c.RLock()
	defer c.RUnlock()
	p, ok := c.prices[poolID]
	return p, ok
}

// Snapshot returns a copy of all cached prices.
func (c *PriceCache) Snapshot() map[string]model.CanonicalPrice {
	c.RLock()
	defer c.RUnlock()
	out := make(map[string]model.CanonicalPrice, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// Watch refreshes once, then again after each burst of pricing events,
// until ctx is cancelled.
func (c *PriceCache) Watch(ctx context.Context, bus *events.Bus) error {
	if err := c.Refresh(ctx); err != nil {
		// The cache is advisory; an empty start is recoverable.
		c.Log.Error(err, "initial price cache refresh failed")
	}

	debouncer := NewDebouncer(refreshQuiet, func() {
		if err := c.Refresh(ctx); err != nil {
			c.Log.Error(err, "price cache refresh failed")
		}
	})
	defer debouncer.Stop()

	sub := bus.Subscribe(events.TopicPricing, "price-cache", 16)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub:
			if !ok {
				return nil
			}
			debouncer.Trigger()
		}
	}
}
