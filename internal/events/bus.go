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

// Package events is the in-process pub/sub bus. Delivery is best-effort:
// publishing never blocks, and a slow subscriber loses events rather than
// stalling the publisher. Anything that must survive a crash is written
// to the store's system_events table by its producer, not here.

package events

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Topic groups events for subscription.
type Topic string

const (
	TopicAgentStatus Topic = "agent_status"
	TopicSwitch      Topic = "switch"
	TopicCommand     Topic = "command"
	TopicSafety      Topic = "safety"
	TopicEmergency   Topic = "emergency"
	TopicPricing     Topic = "pricing"
)

// Event is one bus message. Type is a short machine-readable verb
// ("agent_offline", "replica_requested"); Message is for humans.
type Event struct {
	Topic      Topic
	Type       string
	TenantID   string
	AgentID    string
	InstanceID string
	Severity   string
	Message    string
	At         time.Time
}

type subscriber struct {
	name string
	ch   chan Event
}

// Bus fans events out to subscribers. The zero value is not usable; call
// NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscriber
	closed bool
	log    logr.Logger

	// onDrop, when set, observes events lost to full subscriber buffers.
	onDrop func(topic Topic, subscriber string)
}

// NewBus builds an empty bus.
func NewBus(log logr.Logger) *Bus {
	return &Bus{
		subs: make(map[Topic][]subscriber),
		log:  log.WithName("events"),
	}
}

// OnDrop installs a drop observer, typically a metrics counter.
func (b *Bus) OnDrop(fn func(topic Topic, subscriber string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers a named subscriber for one topic and returns its
// channel. The buffer bounds how far the subscriber may lag before it
// starts losing events.
func (b *Bus) Subscribe(topic Topic, name string, buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	b.subs[topic] = append(b.subs[topic], subscriber{name: name, ch: ch})
	return ch
}

// Publish offers the event to every subscriber of its topic without
// blocking. Events published after Close are discarded.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[e.Topic] {
		select {
		case sub.ch <- e:
		default:
			if b.onDrop != nil {
				b.onDrop(e.Topic, sub.name)
			}
			b.log.V(1).Info("dropping event for slow subscriber",
				"topic", e.Topic, "subscriber", sub.name, "type", e.Type)
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
}
