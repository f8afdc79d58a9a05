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

package broker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/broker"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := broker.New()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	b.Publish(broker.Event{RunID: "run-1", Kind: broker.KindProgress, Data: 20})
	b.Publish(broker.Event{RunID: "run-1", Kind: broker.KindProgress, Data: 30})

	first := <-ch
	second := <-ch
	assert.Equal(t, 20, first.Data)
	assert.Equal(t, 30, second.Data)
}

func TestPublishIsPerRun(t *testing.T) {
	b := broker.New()
	chA, cancelA := b.Subscribe("run-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("run-b")
	defer cancelB()

	b.Publish(broker.Event{RunID: "run-a", Kind: broker.KindStatus, Data: "running"})

	select {
	case e := <-chA:
		assert.Equal(t, "running", e.Data)
	case <-time.After(time.Second):
		t.Fatal("expected event on run-a channel")
	}

	select {
	case <-chB:
		t.Fatal("run-b should not receive run-a's events")
	default:
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := broker.New()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	for i := 0; i < 300; i++ {
		b.Publish(broker.Event{RunID: "run-1", Kind: broker.KindProgress, Data: i})
	}

	first := <-ch
	assert.Greater(t, first.Data, 40, "oldest entries should have been dropped to make room")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := broker.New()
	ch, cancel := b.Subscribe("run-1")
	require.Equal(t, 1, b.SubscriberCount("run-1"))

	cancel()
	require.Equal(t, 0, b.SubscriberCount("run-1"))

	_, open := <-ch
	assert.False(t, open)
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, broker.IsTerminalStatus(broker.Event{Kind: broker.KindStatus, Data: "succeeded"}))
	assert.True(t, broker.IsTerminalStatus(broker.Event{Kind: broker.KindStatus, Data: "failed"}))
	assert.True(t, broker.IsTerminalStatus(broker.Event{Kind: broker.KindStatus, Data: "cancelled"}))
	assert.False(t, broker.IsTerminalStatus(broker.Event{Kind: broker.KindStatus, Data: "running"}))
	assert.False(t, broker.IsTerminalStatus(broker.Event{Kind: broker.KindProgress, Data: "succeeded"}))
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	b := broker.New()
	assert.NotPanics(t, func() {
		b.Publish(broker.Event{RunID: "ghost", Kind: broker.KindStatus, Data: "running"})
	})
}
