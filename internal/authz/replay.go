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
	"sync"
	"time"

	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
)

// ReplayCache remembers signatures that have already authenticated a request
// so a captured bundle cannot be replayed within its freshness window.
type ReplayCache interface {
	// Observe records the signature and reports whether it had already been
	// seen within the cache TTL.
	Observe(ctx context.Context, signature string) (bool, error)
}

var _ ReplayCache = (*memoryReplayCache)(nil)

// memoryReplayCache is an in-process implementation of the ReplayCache
// interface. It only protects a single instance; multi-instance deployments
// use the Redis cache.
type memoryReplayCache struct {
	log   telemetry.Logger
	clock *internal.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryReplayCache creates a new in-memory replay cache. Entries expire
// after the given TTL, which must cover the signature freshness window.
func NewMemoryReplayCache(clock *internal.Clock, ttl time.Duration) ReplayCache {
	return &memoryReplayCache{
		log:   internal.Logger(internal.Authz).With("component", "replay", "type", "memory"),
		clock: clock,
		ttl:   ttl,
		seen:  make(map[string]time.Time),
	}
}

func (m *memoryReplayCache) Observe(ctx context.Context, signature string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.ttl)
	for sig, observed := range m.seen {
		if observed.Before(cutoff) {
			delete(m.seen, sig)
		}
	}

	if _, ok := m.seen[signature]; ok {
		return true, nil
	}
	m.seen[signature] = now
	return false, nil
}
