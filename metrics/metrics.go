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

// Package metrics holds the Prometheus collectors of the hook server
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookwatch"

// Collectors holds all Prometheus metrics for the hook server.
//
// All methods are safe to call on a nil *Collectors.
type Collectors struct {
	registry *prometheus.Registry

	EventsCaptured   *prometheus.CounterVec
	EventsDelivered  prometheus.Counter
	DeliveryFailures prometheus.Counter
	RelayFailures    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionJoins     prometheus.Counter
}

// NewCollectors define and register a new set of collectors on a dedicated registry
func NewCollectors() (*Collectors, error) {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		EventsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_captured_total",
			Help:      "Inbound requests captured, by method",
		}, []string{"method"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events handed to a viewer session",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Events a viewer session could not accept",
		}),
		RelayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Events the relay backend failed to forward, by backend",
		}, []string{"backend"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Connected viewer sessions",
		}),
		SessionJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_joins_total",
			Help:      "Join requests accepted from viewer sessions",
		}),
	}
	for _, collector := range []prometheus.Collector{
		c.EventsCaptured,
		c.EventsDelivered,
		c.DeliveryFailures,
		c.RelayFailures,
		c.ActiveSessions,
		c.SessionJoins,
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler returns the HTTP handler exposing the collectors
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCapture count one captured request
func (c *Collectors) RecordCapture(method string) {
	if c != nil {
		c.EventsCaptured.WithLabelValues(method).Inc()
	}
}

// RecordDelivery count one event handed to a session
func (c *Collectors) RecordDelivery() {
	if c != nil {
		c.EventsDelivered.Inc()
	}
}

// RecordDeliveryFailure count one event a session refused
func (c *Collectors) RecordDeliveryFailure() {
	if c != nil {
		c.DeliveryFailures.Inc()
	}
}

// RecordRelayFailure count one event a relay backend failed to forward
func (c *Collectors) RecordRelayFailure(backend string) {
	if c != nil {
		c.RelayFailures.WithLabelValues(backend).Inc()
	}
}

// SessionOpened track a new viewer session
func (c *Collectors) SessionOpened() {
	if c != nil {
		c.ActiveSessions.Inc()
	}
}

// SessionClosed track a viewer session ending
func (c *Collectors) SessionClosed() {
	if c != nil {
		c.ActiveSessions.Dec()
	}
}

// RecordJoin count one accepted join request
func (c *Collectors) RecordJoin() {
	if c != nil {
		c.SessionJoins.Inc()
	}
}
