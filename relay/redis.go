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
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/core"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/alwitt/hookwatch/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

const redisBackend = "redis"

// redisRelayImpl relays events over a Redis pub/sub channel
type redisRelayImpl struct {
	goutils.Component
	redis    *core.RedisClient
	channel  string
	codec    envelopeCodec
	registry registry.Registry
	metrics  *metrics.Collectors
	state    consumerState
}

// GetRedisRelay define a relay publishing events on a Redis channel. Every replica
// consumes the channel and publishes into its own registry.
func GetRedisRelay(
	redisClient *core.RedisClient,
	channel string,
	subscriptions registry.Registry,
	collectors *metrics.Collectors,
	instance string,
) (Relay, error) {
	logTags := log.Fields{
		"module": "relay", "component": "redis", "instance": instance, "channel": channel,
	}
	validate := validator.New()
	if err := validate.Var(channel, "required"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay channel")
		return nil, err
	}
	return &redisRelayImpl{
		Component: goutils.Component{LogTags: logTags},
		redis:     redisClient,
		channel:   channel,
		codec:     envelopeCodec{origin: instance, validate: validate},
		registry:  subscriptions,
		metrics:   collectors,
	}, nil
}

// Start begin reading the relay channel
func (r *redisRelayImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	runCtxt, err := r.state.begin(ctxt)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	sub := r.redis.Redis().Subscribe(runCtxt, r.channel)
	// Wait for the subscription confirmation
	if _, err := sub.Receive(runCtxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to define subscription")
		_ = sub.Close()
		r.state.stop()
		r.state.end()
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer r.state.end()
		log.WithFields(r.LogTags).Infof("Starting reading from Redis")
		defer log.WithFields(r.LogTags).Infof("Stopping Redis read loop")
		defer func() {
			if err := sub.Close(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Subscription close failed")
			}
		}()
		msgs := sub.Channel()
		for {
			select {
			case <-runCtxt.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					log.WithFields(r.LogTags).Error("Subscription channel closed")
					return
				}
				deliverLocally(
					[]byte(msg.Payload), r.codec, r.registry, r.metrics, redisBackend, r.LogTags,
				)
			}
		}
	}()
	return nil
}

// Publish forward one captured event
func (r *redisRelayImpl) Publish(ctxt context.Context, event common.EventRecord) error {
	localLogTags := r.GetLogTagsForContext(ctxt)
	payload, err := r.codec.encode(event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to encode %s", event.String())
		r.metrics.RecordRelayFailure(redisBackend)
		return err
	}
	if err := r.redis.Redis().Publish(ctxt, r.channel, payload).Err(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send %s", event.String())
		r.metrics.RecordRelayFailure(redisBackend)
		return fmt.Errorf("publish to redis: %w", err)
	}
	log.WithFields(localLogTags).Debugf("Sent %s", event.String())
	return nil
}

// Ready whether the Redis server answers and the channel is being read
func (r *redisRelayImpl) Ready(ctxt context.Context) bool {
	return r.state.isRunning() && r.redis.Connected(ctxt)
}

// Stop end consumption
func (r *redisRelayImpl) Stop() {
	r.state.stop()
}
