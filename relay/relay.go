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

// Package relay carries captured events from the capture end-point to the
// subscription registry, either directly or across replicas through a broker.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/alwitt/hookwatch/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Relay forwards captured events into the subscription registry of every replica
type Relay interface {
	// Start begin consuming events from the backend. Consumption ends when the
	// context is cancelled or Stop is called.
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Publish forward one captured event
	Publish(ctxt context.Context, event common.EventRecord) error
	// Ready whether the relay is able to forward events
	Ready(ctxt context.Context) bool
	// Stop end consumption
	Stop()
}

// envelope is the broker wire form of an EventRecord
type envelope struct {
	// Origin is the replica which captured the event
	Origin string             `json:"origin" validate:"required"`
	Event  common.EventRecord `json:"event"`
}

// envelopeCodec shared encode / decode logic of the broker backed relays
type envelopeCodec struct {
	origin   string
	validate *validator.Validate
}

func (c envelopeCodec) encode(event common.EventRecord) ([]byte, error) {
	return json.Marshal(&envelope{Origin: c.origin, Event: event})
}

func (c envelopeCodec) decode(payload []byte) (envelope, error) {
	var parsed envelope
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return envelope{}, err
	}
	if err := c.validate.Struct(&parsed); err != nil {
		return envelope{}, err
	}
	return parsed, nil
}

// consumerState tracks the consumption loop of a broker backed relay
type consumerState struct {
	lock    sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// begin mark consumption as started; returns the consumption context
func (s *consumerState) begin(ctxt context.Context) (context.Context, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.running {
		return nil, fmt.Errorf("already consuming")
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	s.running = true
	s.cancel = cancel
	return runCtxt, nil
}

// end mark consumption as stopped
func (s *consumerState) end() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.running = false
}

func (s *consumerState) isRunning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.running
}

func (s *consumerState) stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// deliverLocally hand a relayed payload to the local registry
func deliverLocally(
	payload []byte,
	codec envelopeCodec,
	subscriptions registry.Registry,
	collectors *metrics.Collectors,
	backend string,
	logTags log.Fields,
) {
	parsed, err := codec.decode(payload)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Dropping unparsable relayed event")
		collectors.RecordRelayFailure(backend)
		return
	}
	delivered := subscriptions.Publish(parsed.Event.Identifier, parsed.Event)
	log.WithFields(logTags).Debugf(
		"Relayed %s from %s to %d sessions", parsed.Event.String(), parsed.Origin, delivered,
	)
}

// ==============================================================================

// localRelay publishes straight into the registry of this process
type localRelay struct {
	goutils.Component
	registry registry.Registry
}

// GetLocalRelay define a relay which publishes straight into the local registry
func GetLocalRelay(subscriptions registry.Registry, instance string) (Relay, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("local relay requires a registry")
	}
	logTags := log.Fields{
		"module": "relay", "component": "local", "instance": instance,
	}
	return &localRelay{
		Component: goutils.Component{LogTags: logTags}, registry: subscriptions,
	}, nil
}

// Start nothing to consume
func (r *localRelay) Start(_ context.Context, _ *sync.WaitGroup) error {
	return nil
}

// Publish forward one captured event
func (r *localRelay) Publish(_ context.Context, event common.EventRecord) error {
	delivered := r.registry.Publish(event.Identifier, event)
	log.WithFields(r.LogTags).Debugf("Published %s to %d sessions", event.String(), delivered)
	return nil
}

// Ready always ready
func (r *localRelay) Ready(_ context.Context) bool {
	return true
}

// Stop nothing to stop
func (r *localRelay) Stop() {}
