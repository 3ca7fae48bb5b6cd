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

package core

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisClient Redis client used as the relay transport
type RedisClient struct {
	goutils.Component
	client *redis.Client
}

// Redis fetch the Redis client
func (c *RedisClient) Redis() *redis.Client {
	return c.client
}

// Connected whether the server answers a PING
func (c *RedisClient) Connected(ctxt context.Context) bool {
	return c.client.Ping(ctxt).Err() == nil
}

// Close close the Redis client
func (c *RedisClient) Close() {
	if err := c.client.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Redis client close failed")
		return
	}
	log.WithFields(c.LogTags).Infof("Close Redis client")
}

// GetRedisClient define a new Redis client, and verify the server is reachable
func GetRedisClient(ctxt context.Context, cfg common.RedisConfig) (*RedisClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  cfg.ServerAddr,
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.ServerAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
		// Pub/sub messages as RESP2 arrays
		Protocol: 2,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis server unreachable")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created Redis client")
	return &RedisClient{Component: goutils.Component{LogTags: logTags}, client: client}, nil
}
