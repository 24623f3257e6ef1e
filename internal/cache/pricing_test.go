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
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

const testPool = "m5.large.us-east-1a"

func newPriceFixture(t *testing.T) (*PriceCache, *store.Store, *clocktesting.FakeClock) {
	t.Helper()
	st, err := store.OpenMemory(logr.Discard())
	require.NoError(t, err)
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, st.EnsurePool(context.Background(), &model.Pool{
		ID: testPool, Region: "us-east-1", InstanceType: "m5.large",
		AZ: "us-east-1a", IsActive: true,
	}))
	return NewPriceCache(st, clk, logr.Discard()), st, clk
}

func seedCanonical(t *testing.T, st *store.Store, clk *clocktesting.FakeClock, price float64) {
	t.Helper()
	require.NoError(t, st.UpsertCanonical(context.Background(), []model.CanonicalPrice{{
		PoolID:     testPool,
		Timestamp:  clk.Now().UTC().Truncate(5 * time.Minute),
		Price:      price,
		Source:     model.SourceAgent,
		Confidence: 1.0,
		RunID:      "run-1",
	}}))
}

// TestRefresh_NotifiesChangedPools tests that a refresh reports only the
// pools whose canonical price actually moved.
func TestRefresh_NotifiesChangedPools(t *testing.T) {
	c, st, clk := newPriceFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var notified [][]string
	c.RegisterUpdateNotifier(func(changed []string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, changed)
	})

	seedCanonical(t, st, clk, 0.031)
	require.NoError(t, c.Refresh(ctx))

	p, ok := c.Price(testPool)
	require.True(t, ok)
	assert.InDelta(t, 0.031, p.Price, 1e-9)

	// Unchanged data: no notification.
	require.NoError(t, c.Refresh(ctx))

	// Price moves: one more notification.
	clk.Step(5 * time.Minute)
	seedCanonical(t, st, clk, 0.034)
	require.NoError(t, c.Refresh(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 2)
	assert.Equal(t, []string{testPool}, notified[0])
	assert.Equal(t, []string{testPool}, notified[1])
}

func TestRefresh_TracksStaleness(t *testing.T) {
	c, st, clk := newPriceFixture(t)
	ctx := context.Background()

	assert.True(t, c.IsStale(time.Hour, clk.Now()), "never refreshed is stale")

	seedCanonical(t, st, clk, 0.031)
	require.NoError(t, c.Refresh(ctx))
	assert.False(t, c.IsStale(time.Hour, clk.Now()))
	assert.True(t, c.IsStale(time.Hour, clk.Now().Add(2*time.Hour)))
}

func TestSnapshot_IsACopy(t *testing.T) {
	c, st, clk := newPriceFixture(t)
	seedCanonical(t, st, clk, 0.031)
	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	delete(snap, testPool)

	_, ok := c.Price(testPool)
	assert.True(t, ok, "mutating the snapshot does not touch the cache")
}

// TestDebouncer tests burst coalescing: many triggers, one callback.
func TestDebouncer(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	d := NewDebouncer(20*time.Millisecond, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger()
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	d.Trigger()
	d.Stop()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls, "stopped debouncer does not fire")
	mu.Unlock()
}
