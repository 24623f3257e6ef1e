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

// Package cache provides advisory in-memory read caches over the store.
// Caches never hold authoritative state: they refresh from the store and
// are safe to drop at any time.
package cache

import (
	"sync"
	"time"
)

// UpdateNotifier is invoked after a cache refresh with the keys whose
// values changed.
type UpdateNotifier func(changed []string)

// BaseCache provides the shared cache infrastructure: locking, update
// notification, and staleness tracking. The embedding struct owns the
// actual data.
type BaseCache struct {
	// mu protects the embedding struct's data fields. notifyMu is
	// separate so a notifier reading the cache cannot deadlock.
	mu       sync.RWMutex
	notifyMu sync.RWMutex

	notifiers  []UpdateNotifier
	lastUpdate time.Time
}

func (b *BaseCache) Lock()    { b.mu.Lock() }
func (b *BaseCache) Unlock()  { b.mu.Unlock() }
func (b *BaseCache) RLock()   { b.mu.RLock() }
func (b *BaseCache) RUnlock() { b.mu.RUnlock() }

// RegisterUpdateNotifier adds a callback invoked after each refresh
// that changed data. Callbacks run on the refresher's goroutine and
// must not block for long.
func (b *BaseCache) RegisterUpdateNotifier(fn UpdateNotifier) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.notifiers = append(b.notifiers, fn)
}

// NotifyUpdate invokes the registered notifiers. Call after releasing
// the data lock; notifiers may read back from the cache.
func (b *BaseCache) NotifyUpdate(changed []string) {
	if len(changed) == 0 {
		return
	}
	b.notifyMu.RLock()
	defer b.notifyMu.RUnlock()
	for _, fn := range b.notifiers {
		fn(changed)
	}
}

// MarkUpdated records a successful refresh. Call while holding the
// write lock.
func (b *BaseCache) MarkUpdated(now time.Time) {
	b.lastUpdate = now
}

// LastUpdate returns when the cache last refreshed; zero means never.
func (b *BaseCache) LastUpdate() time.Time {
	b.RLock()
	defer b.RUnlock()
	return b.lastUpdate
}

// IsStale reports whether the cache has not refreshed within maxAge.
func (b *BaseCache) IsStale(maxAge time.Duration, now time.Time) bool {
	last := b.LastUpdate()
	return last.IsZero() || now.Sub(last) > maxAge
}
