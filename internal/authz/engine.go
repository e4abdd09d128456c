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
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
)

// Decider issues authorization decisions. The server adapters depend on this
// interface so they can be built before the engine finishes wiring.
type Decider interface {
	Authorize(ctx context.Context, req Request) Decision
}

var (
	_ run.PreRunner = (*Engine)(nil)
	_ Decider       = (*Engine)(nil)

	// ErrNotWired is logged when a decision is requested before PreRun; the
	// caller receives an internal_error decision.
	ErrNotWired = errors.New("authorization engine not initialized")
)

// Engine is a run.PreRunner that assembles the verifier, the replay cache
// and the Authorizer from the loaded configuration and the repository.
type Engine struct {
	Config *internal.ServiceConfig
	Clock  *internal.Clock
	// Repo resolves the repository once the store provider has opened it.
	Repo func() Repository

	log        telemetry.Logger
	authorizer *Authorizer
}

// Name implements run.Unit.
func (e *Engine) Name() string { return "Authorization engine" }

// PreRun wires the decision pipeline.
func (e *Engine) PreRun() error {
	e.log = internal.Logger(internal.Authz)
	if e.Clock == nil {
		e.Clock = &internal.Clock{}
	}

	var (
		replay ReplayCache
		err    error
	)
	if e.Config.RedisURL != "" {
		e.log.Info("initializing redis replay cache")
		// No need to check the error here as it has already been validated
		// when loading the configuration.
		opts, _ := redis.ParseURL(e.Config.RedisURL)
		replay, err = NewRedisReplayCache(context.Background(), redis.NewClient(opts), e.Config.ReplayTTL())
		if err != nil {
			return err
		}
	} else {
		e.log.Info("initializing in-memory replay cache")
		replay = NewMemoryReplayCache(e.Clock, e.Config.ReplayTTL())
	}

	verifier := NewVerifier(e.Clock, e.Config.SignatureTolerance(), replay)
	e.authorizer = NewAuthorizer(e.Repo(), verifier)
	return nil
}

// Authorize implements Decider by delegating to the wired Authorizer.
func (e *Engine) Authorize(ctx context.Context, req Request) Decision {
	if e.authorizer == nil {
		internal.Logger(internal.Authz).Error("decision requested before engine initialization", ErrNotWired)
		return internalError(CausePanic)
	}
	return e.authorizer.Authorize(ctx, req)
}
