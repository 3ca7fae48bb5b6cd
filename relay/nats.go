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

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/core"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/alwitt/hookwatch/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

const natsBackend = "nats"

// subscriptionFlushTimeout bounds the wait for the server to register the subscription
const subscriptionFlushTimeout = time.Second * 5

// natsRelayImpl relays events over a NATS subject
type natsRelayImpl struct {
	goutils.Component
	nats     *core.NatsClient
	subject  string
	codec    envelopeCodec
	registry registry.Registry
	metrics  *metrics.Collectors
	state    consumerState
}

// GetNATSRelay define a relay publishing events on a NATS subject. Every replica
// consumes the subject and publishes into its own registry.
func GetNATSRelay(
	natsClient *core.NatsClient,
	subject string,
	subscriptions registry.Registry,
	collectors *metrics.Collectors,
	instance string,
) (Relay, error) {
	logTags := log.Fields{
		"module": "relay", "component": "nats", "instance": instance, "subject": subject,
	}
	validate := validator.New()
	if err := validate.Var(subject, "required"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay subject")
		return nil, err
	}
	return &natsRelayImpl{
		Component: goutils.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		codec:     envelopeCodec{origin: instance, validate: validate},
		registry:  subscriptions,
		metrics:   collectors,
	}, nil
}

// Start begin reading the relay subject
func (r *natsRelayImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	runCtxt, err := r.state.begin(ctxt)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	sub, err := r.nats.NATs().SubscribeSync(r.subject)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to define subscription")
		r.state.stop()
		r.state.end()
		return err
	}
	// Make sure the server knows of the subscription before any publish
	flushCtxt, flushCancel := context.WithTimeout(runCtxt, subscriptionFlushTimeout)
	defer flushCancel()
	if err := r.nats.NATs().FlushWithContext(flushCtxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Subscription flush failed")
		_ = sub.Unsubscribe()
		r.state.stop()
		r.state.end()
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer r.state.end()
		log.WithFields(r.LogTags).Infof("Starting reading from NATS")
		defer log.WithFields(r.LogTags).Infof("Stopping NATS read loop")
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			msg, err := sub.NextMsgWithContext(runCtxt)
			if err != nil {
				if runCtxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
				}
				return
			}
			if msg != nil {
				deliverLocally(msg.Data, r.codec, r.registry, r.metrics, natsBackend, r.LogTags)
			}
		}
	}()
	return nil
}

// Publish forward one captured event
func (r *natsRelayImpl) Publish(ctxt context.Context, event common.EventRecord) error {
	localLogTags := r.GetLogTagsForContext(ctxt)
	payload, err := r.codec.encode(event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to encode %s", event.String())
		r.metrics.RecordRelayFailure(natsBackend)
		return err
	}
	if err := r.nats.NATs().Publish(r.subject, payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send %s", event.String())
		r.metrics.RecordRelayFailure(natsBackend)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sent %s", event.String())
	return nil
}

// Ready whether the NATS connection is up and the subject is being read
func (r *natsRelayImpl) Ready(_ context.Context) bool {
	return r.nats.Connected() && r.state.isRunning()
}

// Stop end consumption
func (r *natsRelayImpl) Stop() {
	r.state.stop()
}
