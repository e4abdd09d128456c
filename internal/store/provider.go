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

package store

import (
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
)

var _ run.PreRunner = (*Provider)(nil)

// Provider is a run.PreRunner that opens the configuration database selected
// by the service configuration and exposes it as a Repository.
type Provider struct {
	Config *internal.ServiceConfig
	Clock  *internal.Clock

	log  telemetry.Logger
	repo Repository
}

// Name implements run.Unit.
func (p *Provider) Name() string { return "Configuration repository" }

// PreRun opens the database and migrates the schema.
func (p *Provider) PreRun() error {
	p.log = internal.Logger(internal.Store)
	if p.Clock == nil {
		p.Clock = &internal.Clock{}
	}

	switch {
	case p.Config.DatabaseURL != "":
		p.log.Info("opening postgres repository")
		db, err := OpenPostgres(p.Config.DatabaseURL)
		if err != nil {
			return err
		}
		p.repo, err = NewSQLRepository(db, p.Clock)
		return err
	default:
		p.log.Info("opening sqlite repository", "path", p.Config.SQLitePath)
		db, err := OpenSQLite(p.Config.SQLitePath)
		if err != nil {
			return err
		}
		p.repo, err = NewSQLRepository(db, p.Clock)
		return err
	}
}

// Get returns the initialized repository.
func (p *Provider) Get() Repository { return p.repo }
