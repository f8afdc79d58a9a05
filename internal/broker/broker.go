// Copyright 2025 Tom Barlow
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

// Package broker implements the per-run event pub/sub that backs the SSE
// stream endpoint: a per-run, bounded-buffer fan-out keyed by run id, with
// listeners registering and deregistering as subscribers come and go.
package broker

import (
	"sync"
	"time"
)

// Kind identifies the category of one broadcast event.
type Kind string

const (
	KindStatus               Kind = "status"
	KindProgress             Kind = "progress"
	KindStep                 Kind = "step"
	KindArtifact             Kind = "artifact"
	KindDiff                 Kind = "diff"
	KindWorkspace            Kind = "workspace"
	KindError                Kind = "error"
	KindCancellationRequested Kind = "cancellation_requested"
)

// Event is one item published for a run. Data is the JSON-serializable
// payload attached to the SSE "data:" line.
type Event struct {
	RunID     string
	Kind      Kind
	Data      any
	Timestamp time.Time
}

// IsTerminalStatus reports whether a status event carries one of the
// three absorbing run states, used by subscribers to know when to close.
func IsTerminalStatus(e Event) bool {
	if e.Kind != KindStatus {
		return false
	}
	status, _ := e.Data.(string)
	switch status {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}

const subscriberBufferSize = 256

// subscriber is one open channel plus the buffer backing it. Publish never
// blocks on a slow reader: when the channel is full, the oldest buffered
// event is dropped to make room for the newest.
type subscriber struct {
	ch chan Event
}

// Broker fans out events to subscribers grouped by run id, each with an
// independent bounded FIFO buffer.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a new listener for runID and returns a channel of
// events plus an unsubscribe function. The channel is closed only by
// calling the returned cancel function; Publish never closes it.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscriber]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[runID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish delivers event to every subscriber of event.RunID in FIFO
// order, dropping the oldest buffered event for any subscriber whose
// channel is full rather than blocking the publisher.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[event.RunID]
	if !ok {
		return
	}
	for sub := range set {
		select {
		case sub.ch <- event:
		default:
			// Drop oldest, then retry once. A second full buffer (a
			// reader that vanished mid-drain) just drops this event.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports how many active subscribers exist for runID,
// used by tests and diagnostics.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
