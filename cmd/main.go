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

package main

import (
	"fmt"
	"os"

	"github.com/tetratelabs/log"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/signal"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/authz"
	"github.com/jmazzahacks/api-gatekeeper/internal/server"
	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

func main() {
	var (
		configFile = &internal.LocalConfigFile{}
		logging    = internal.NewLogSystem(log.New())
		clock      = &internal.Clock{}
		repository = &store.Provider{Config: &configFile.Config, Clock: clock}
		engine     = &authz.Engine{
			Config: &configFile.Config,
			Clock:  clock,
			Repo:   func() authz.Repository { return repository.Get() },
		}
		metrics     = server.NewMetrics()
		extAuthz    = server.NewExtAuthZFilter(engine, metrics)
		grpcServer  = server.NewGrpcServer(&configFile.Config, extAuthz.Register)
		authzServer = server.NewAuthzServer(&configFile.Config, engine, metrics)
		adminServer = server.NewAdminServer(&configFile.Config, repository.Get)
		healthz     = server.NewHealthServer(&configFile.Config, repository.Get, metrics)
	)

	configLog := run.NewPreRunner("config-log", func() error {
		cfgLog := internal.Logger(internal.Config)
		if cfgLog.Level() == telemetry.LevelDebug {
			cfgLog.Debug("configuration loaded", "config", internal.ConfigToString(&configFile.Config))
		}
		return nil
	})

	g := run.Group{Logger: internal.Logger(internal.Default)}

	g.Register(
		configFile,        // load the configuration
		logging,           // set up the logging system
		configLog,         // log the configuration
		repository,        // open the configuration repository
		engine,            // wire the authorization engine
		grpcServer,        // start the Envoy ext_authz server
		authzServer,       // start the nginx auth_request server
		adminServer,       // start the management API
		healthz,           // start the health server
		&signal.Handler{}, // handle graceful termination
	)

	if err := g.Run(); err != nil {
		fmt.Printf("Unexpected exit: %v\n", err)
		os.Exit(-1)
	}
}
