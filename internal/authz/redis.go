// Copyright 2025 Tetrate
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

package authz

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
)

const replayKeyPrefix = "gatekeeper:replay:"

var _ ReplayCache = (*redisReplayCache)(nil)

// redisReplayCache is a ReplayCache that shares observed signatures across
// service instances through a Redis server. Expiry is delegated to Redis.
type redisReplayCache struct {
	log    telemetry.Logger
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisReplayCache creates a replay cache on the given Redis client and
// verifies connectivity before returning it.
func NewRedisReplayCache(ctx context.Context, client redis.Cmdable, ttl time.Duration) (ReplayCache, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisReplayCache{
		log:    internal.Logger(internal.Authz).With("component", "replay", "type", "redis"),
		client: client,
		ttl:    ttl,
	}, nil
}

func (r *redisReplayCache) Observe(ctx context.Context, signature string) (bool, error) {
	// SetNX makes check-and-record atomic across instances.
	created, err := r.client.SetNX(ctx, replayKeyPrefix+signature, "1", r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}
