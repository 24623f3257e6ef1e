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
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into one callback fired after
// a quiet period. A consolidation run emits one bus event per batch;
// the cache wants a single refresh at the end.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	fn       func()
	duration time.Duration
}

// NewDebouncer waits duration after the last Trigger before invoking fn
// on a timer goroutine.
func NewDebouncer(duration time.Duration, fn func()) *Debouncer {
	return &Debouncer{duration: duration, fn: fn}
}

// Trigger records an event, restarting the quiet-period timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.fn)
}

// Stop cancels any pending callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
