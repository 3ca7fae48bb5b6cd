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

// Package registry tracks which viewer sessions want events for which identifier
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/apex/log"
)

// ErrSubscriberClosed is returned by Deliver when the session closed normally
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is one live viewer session as seen by the registry
type Subscriber interface {
	// SessionID the unique handle of the session
	SessionID() string
	// Deliver hand an event to the session without blocking.
	//
	// An error means the session's channel is dead or unresponsive. ErrSubscriberClosed
	// means the session already closed normally.
	Deliver(event common.EventRecord) error
}

// RegistryStats snapshot of the registry content
type RegistryStats struct {
	// Identifiers is the number of identifiers with at least one subscriber
	Identifiers int `json:"identifiers"`
	// Sessions is the number of subscribed sessions
	Sessions int `json:"sessions"`
}

// Registry maps identifiers to the sessions subscribed to them
type Registry interface {
	// Subscribe bind a session to an identifier, replacing any previous binding
	Subscribe(session Subscriber, identifier string) error
	// Unsubscribe remove a session from whichever identifier it is bound to
	Unsubscribe(session Subscriber)
	// Publish deliver an event to every session currently bound to the identifier.
	// Returns the number of sessions which accepted the event.
	Publish(identifier string, event common.EventRecord) int
	// SubscribedTo report which identifier a session is bound to
	SubscribedTo(session Subscriber) (string, bool)
	// Stats snapshot the registry content
	Stats() RegistryStats
}

// registryImpl implements Registry
type registryImpl struct {
	goutils.Component
	lock        sync.RWMutex
	subscribers map[string]map[string]Subscriber
	bindings    map[string]string
	metrics     *metrics.Collectors
}

// GetRegistry define a new subscription registry
func GetRegistry(instance string, collectors *metrics.Collectors) (Registry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "subscription-registry", "instance": instance,
	}
	return &registryImpl{
		Component:   goutils.Component{LogTags: logTags},
		subscribers: make(map[string]map[string]Subscriber),
		bindings:    make(map[string]string),
		metrics:     collectors,
	}, nil
}

// Subscribe bind a session to an identifier, replacing any previous binding
func (r *registryImpl) Subscribe(session Subscriber, identifier string) error {
	if session == nil {
		return fmt.Errorf("can not subscribe nil session")
	}
	sessionID := session.SessionID()
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.bindings[sessionID]; ok {
		if current == identifier {
			return nil
		}
		r.removeMembership(sessionID, current)
		log.WithFields(r.LogTags).Debugf(
			"Session %s rebinding from '%s' to '%s'", sessionID, current, identifier,
		)
	}
	members, ok := r.subscribers[identifier]
	if !ok {
		members = make(map[string]Subscriber)
		r.subscribers[identifier] = members
	}
	members[sessionID] = session
	r.bindings[sessionID] = identifier
	log.WithFields(r.LogTags).Debugf("Session %s subscribed to '%s'", sessionID, identifier)
	return nil
}

// Unsubscribe remove a session from whichever identifier it is bound to
func (r *registryImpl) Unsubscribe(session Subscriber) {
	if session == nil {
		return
	}
	sessionID := session.SessionID()
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.bindings[sessionID]; ok {
		r.removeMembership(sessionID, current)
		log.WithFields(r.LogTags).Debugf("Session %s unsubscribed from '%s'", sessionID, current)
	}
}

// unsubscribeFrom remove a session only if it is still bound to the identifier
func (r *registryImpl) unsubscribeFrom(sessionID, identifier string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.bindings[sessionID]; ok && current == identifier {
		r.removeMembership(sessionID, identifier)
	}
}

// removeMembership drop the session from the identifier. Caller holds the lock.
func (r *registryImpl) removeMembership(sessionID, identifier string) {
	delete(r.bindings, sessionID)
	if members, ok := r.subscribers[identifier]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.subscribers, identifier)
		}
	}
}

// Publish deliver an event to every session currently bound to the identifier
func (r *registryImpl) Publish(identifier string, event common.EventRecord) int {
	// Snapshot the subscribers at the moment of the call
	r.lock.RLock()
	members, ok := r.subscribers[identifier]
	if !ok {
		r.lock.RUnlock()
		return 0
	}
	targets := make([]Subscriber, 0, len(members))
	for _, session := range members {
		targets = append(targets, session)
	}
	r.lock.RUnlock()

	delivered := 0
	for _, session := range targets {
		if err := session.Deliver(event); err != nil {
			if errors.Is(err, ErrSubscriberClosed) {
				// Lost the race with a normal close, the session is already leaving
				log.WithFields(r.LogTags).Debugf(
					"Session %s closed before delivery of %s", session.SessionID(), event.String(),
				)
				r.unsubscribeFrom(session.SessionID(), identifier)
				continue
			}
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Dropping session %s from '%s' after failed delivery of %s",
				session.SessionID(),
				identifier,
				event.String(),
			)
			r.metrics.RecordDeliveryFailure()
			r.unsubscribeFrom(session.SessionID(), identifier)
			continue
		}
		r.metrics.RecordDelivery()
		delivered++
	}
	log.WithFields(r.LogTags).Debugf(
		"Published %s to %d of %d sessions", event.String(), delivered, len(targets),
	)
	return delivered
}

// SubscribedTo report which identifier a session is bound to
func (r *registryImpl) SubscribedTo(session Subscriber) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	identifier, ok := r.bindings[session.SessionID()]
	return identifier, ok
}

// Stats snapshot the registry content
func (r *registryImpl) Stats() RegistryStats {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return RegistryStats{
		Identifiers: len(r.subscribers),
		Sessions:    len(r.bindings),
	}
}
