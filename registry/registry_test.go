// Copyright 2022 The hookwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// testSubscriber records every delivered event
type testSubscriber struct {
	id       string
	lock     sync.Mutex
	received []common.EventRecord
	fail     bool
	closed   bool
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{id: uuid.NewString()}
}

func (s *testSubscriber) SessionID() string {
	return s.id
}

func (s *testSubscriber) Deliver(event common.EventRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, ErrSubscriberClosed)
	}
	if s.fail {
		return fmt.Errorf("session %s is dead", s.id)
	}
	s.received = append(s.received, event)
	return nil
}

func (s *testSubscriber) events() []common.EventRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]common.EventRecord, len(s.received))
	copy(result, s.received)
	return result
}

func (s *testSubscriber) setFail(fail bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.fail = fail
}

func testEvent(identifier, method, body string) common.EventRecord {
	return common.NewEventRecord(
		identifier, method, fmt.Sprintf("/api/%s", identifier), []byte(body), time.Now(),
	)
}

func TestRegistrySubscribePublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetRegistry("ut-registry", nil)
	assert.Nil(err)

	ident1 := uuid.NewString()
	ident2 := uuid.NewString()
	sessionA := newTestSubscriber()
	sessionB := newTestSubscriber()
	sessionC := newTestSubscriber()

	// Case 0: publish with no subscribers
	{
		assert.Equal(0, uut.Publish(ident1, testEvent(ident1, "GET", "")))
		assert.Equal(RegistryStats{}, uut.Stats())
	}

	// Case 1: subscribe A and B to ident1, C to ident2
	{
		assert.Nil(uut.Subscribe(sessionA, ident1))
		assert.Nil(uut.Subscribe(sessionB, ident1))
		assert.Nil(uut.Subscribe(sessionC, ident2))
		assert.Equal(RegistryStats{Identifiers: 2, Sessions: 3}, uut.Stats())
		bound, ok := uut.SubscribedTo(sessionA)
		assert.True(ok)
		assert.Equal(ident1, bound)
	}

	// Case 2: publish to ident1 reaches A and B with identical values, not C
	event2 := testEvent(ident1, "POST", `{"x":1}`)
	{
		assert.Equal(2, uut.Publish(ident1, event2))
		assert.Equal([]common.EventRecord{event2}, sessionA.events())
		assert.Equal([]common.EventRecord{event2}, sessionB.events())
		assert.Empty(sessionC.events())
	}

	// Case 3: repeated subscription to the same identifier is a no-op
	{
		assert.Nil(uut.Subscribe(sessionA, ident1))
		assert.Equal(RegistryStats{Identifiers: 2, Sessions: 3}, uut.Stats())
		event3 := testEvent(ident1, "PUT", "again")
		assert.Equal(2, uut.Publish(ident1, event3))
		assert.Len(sessionA.events(), 2)
	}

	// Case 4: unsubscribe A, publish to ident1 only reaches B
	{
		uut.Unsubscribe(sessionA)
		_, ok := uut.SubscribedTo(sessionA)
		assert.False(ok)
		event4 := testEvent(ident1, "DELETE", "")
		assert.Equal(1, uut.Publish(ident1, event4))
		assert.Len(sessionA.events(), 2)
		assert.Len(sessionB.events(), 3)
		// Idempotent
		uut.Unsubscribe(sessionA)
		uut.Unsubscribe(newTestSubscriber())
		uut.Unsubscribe(nil)
		assert.Equal(RegistryStats{Identifiers: 2, Sessions: 2}, uut.Stats())
	}

	// Case 5: unsubscribe everything, identifiers are cleaned up
	{
		uut.Unsubscribe(sessionB)
		uut.Unsubscribe(sessionC)
		assert.Equal(RegistryStats{}, uut.Stats())
		assert.Equal(0, uut.Publish(ident2, testEvent(ident2, "GET", "")))
	}

	// Case 6: nil session
	{
		assert.NotNil(uut.Subscribe(nil, ident1))
	}
}

func TestRegistryRebind(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRegistry("ut-registry", nil)
	assert.Nil(err)

	ident1 := uuid.NewString()
	ident2 := uuid.NewString()
	sessionA := newTestSubscriber()

	assert.Nil(uut.Subscribe(sessionA, ident1))
	assert.Nil(uut.Subscribe(sessionA, ident2))

	bound, ok := uut.SubscribedTo(sessionA)
	assert.True(ok)
	assert.Equal(ident2, bound)
	assert.Equal(RegistryStats{Identifiers: 1, Sessions: 1}, uut.Stats())

	// Publish to the old identifier does not reach A
	assert.Equal(0, uut.Publish(ident1, testEvent(ident1, "POST", "old")))
	assert.Empty(sessionA.events())

	// Publish to the new identifier does
	event := testEvent(ident2, "POST", "new")
	assert.Equal(1, uut.Publish(ident2, event))
	assert.Equal([]common.EventRecord{event}, sessionA.events())
}

func TestRegistryDeliveryFailure(t *testing.T) {
	assert := assert.New(t)

	collectors, err := metrics.NewCollectors()
	assert.Nil(err)
	uut, err := GetRegistry("ut-registry", collectors)
	assert.Nil(err)

	ident := uuid.NewString()
	healthy := newTestSubscriber()
	dead := newTestSubscriber()
	dead.setFail(true)

	assert.Nil(uut.Subscribe(healthy, ident))
	assert.Nil(uut.Subscribe(dead, ident))

	// The dead session does not block delivery to the healthy one
	event := testEvent(ident, "POST", "payload")
	assert.Equal(1, uut.Publish(ident, event))
	assert.Equal([]common.EventRecord{event}, healthy.events())

	// The dead session was removed
	_, ok := uut.SubscribedTo(dead)
	assert.False(ok)
	assert.Equal(RegistryStats{Identifiers: 1, Sessions: 1}, uut.Stats())

	assert.Equal(float64(1), testutil.ToFloat64(collectors.EventsDelivered))
	assert.Equal(float64(1), testutil.ToFloat64(collectors.DeliveryFailures))
}

func TestRegistryClosedSubscriberNotAFailure(t *testing.T) {
	assert := assert.New(t)

	collectors, err := metrics.NewCollectors()
	assert.Nil(err)
	uut, err := GetRegistry("ut-registry", collectors)
	assert.Nil(err)

	ident := uuid.NewString()
	healthy := newTestSubscriber()
	closing := newTestSubscriber()
	closing.lock.Lock()
	closing.closed = true
	closing.lock.Unlock()

	assert.Nil(uut.Subscribe(healthy, ident))
	assert.Nil(uut.Subscribe(closing, ident))

	event := testEvent(ident, "POST", "payload")
	assert.Equal(1, uut.Publish(ident, event))

	// The closing session is gone without counting as a failed delivery
	_, ok := uut.SubscribedTo(closing)
	assert.False(ok)
	assert.Equal(float64(1), testutil.ToFloat64(collectors.EventsDelivered))
	assert.Equal(float64(0), testutil.ToFloat64(collectors.DeliveryFailures))
}

func TestRegistryFailureDoesNotDropRebinding(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRegistry("ut-registry", nil)
	assert.Nil(err)
	impl, ok := uut.(*registryImpl)
	assert.True(ok)

	ident1 := uuid.NewString()
	ident2 := uuid.NewString()
	session := newTestSubscriber()

	assert.Nil(uut.Subscribe(session, ident2))
	// A stale failure report for ident1 leaves the ident2 binding alone
	impl.unsubscribeFrom(session.SessionID(), ident1)
	bound, ok := uut.SubscribedTo(session)
	assert.True(ok)
	assert.Equal(ident2, bound)
}

func TestRegistryConcurrentPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetRegistry("ut-registry", nil)
	assert.Nil(err)

	ident1 := uuid.NewString()
	ident2 := uuid.NewString()
	watchers1 := []*testSubscriber{newTestSubscriber(), newTestSubscriber()}
	watchers2 := []*testSubscriber{newTestSubscriber(), newTestSubscriber()}
	for _, s := range watchers1 {
		assert.Nil(uut.Subscribe(s, ident1))
	}
	for _, s := range watchers2 {
		assert.Nil(uut.Subscribe(s, ident2))
	}

	eventCount := 100
	wg := sync.WaitGroup{}
	for _, ident := range []string{ident1, ident2} {
		wg.Add(1)
		go func(ident string) {
			defer wg.Done()
			for itr := 0; itr < eventCount; itr++ {
				uut.Publish(ident, testEvent(ident, "POST", fmt.Sprintf("%d", itr)))
			}
		}(ident)
	}

	// Churn unrelated sessions while publishing
	wg.Add(1)
	go func() {
		defer wg.Done()
		for itr := 0; itr < eventCount; itr++ {
			extra := newTestSubscriber()
			assert.Nil(uut.Subscribe(extra, uuid.NewString()))
			uut.Unsubscribe(extra)
		}
	}()
	wg.Wait()

	check := func(watchers []*testSubscriber, ident string) {
		for _, s := range watchers {
			received := s.events()
			assert.Len(received, eventCount)
			for itr, event := range received {
				// No cross delivery, order preserved for one publisher
				assert.Equal(ident, event.Identifier)
				assert.Equal(fmt.Sprintf("%d", itr), event.Body)
			}
		}
	}
	check(watchers1, ident1)
	check(watchers2, ident2)
	assert.Equal(RegistryStats{Identifiers: 2, Sessions: 4}, uut.Stats())
}

func TestStatusReporter(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetRegistry("ut-registry", nil)
	assert.Nil(err)
	assert.Nil(uut.Subscribe(newTestSubscriber(), uuid.NewString()))

	reports := make(chan RegistryStats, 10)
	reporter, err := GetStatusReporter(
		ctxt, uut, time.Millisecond*20, func(stats RegistryStats) {
			select {
			case reports <- stats:
			default:
			}
		}, &wg,
	)
	assert.Nil(err)
	assert.Nil(reporter.Start())

	select {
	case stats := <-reports:
		assert.Equal(RegistryStats{Identifiers: 1, Sessions: 1}, stats)
	case <-time.After(time.Second):
		assert.Fail("no status report received")
	}
	assert.Nil(reporter.Stop())
}
