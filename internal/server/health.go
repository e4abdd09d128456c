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

package server

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

const HealthzPath = "/healthz"

var _ run.Service = (*healthServer)(nil)

// healthServer reports service liveness, probes the configuration
// repository, and exposes the metrics endpoint.
type healthServer struct {
	log     telemetry.Logger
	config  *internal.ServiceConfig
	repo    func() store.Repository
	metrics *Metrics
	server  *http.Server

	// l allows overriding the default listener. It is meant to
	// be used in tests.
	l net.Listener
}

// NewHealthServer creates a new health server. The repository is resolved
// lazily because the store provider only opens it during the run phases.
func NewHealthServer(config *internal.ServiceConfig, repo func() store.Repository, metrics *Metrics) run.Unit {
	return &healthServer{
		log:     internal.Logger(internal.Health),
		config:  config,
		repo:    repo,
		metrics: metrics,
	}
}

// Name implements run.Unit.
func (hs *healthServer) Name() string { return "Health Server" }

// Serve implements run.Service.
func (hs *healthServer) Serve() error {
	// use test listener if set
	if hs.l == nil {
		var err error
		hs.l, err = net.Listen("tcp", hs.config.HealthListenAddress)
		if err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(HealthzPath, hs.handleHealthz)
	mux.Handle("/metrics", hs.metrics.Handler())
	hs.server = &http.Server{Handler: mux}

	hs.log.Info("starting health server", "addr", hs.l.Addr(), "path", HealthzPath)
	err := hs.server.Serve(hs.l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// GracefulStop implements run.Service.
func (hs *healthServer) GracefulStop() {
	hs.log.Info("stopping health server")
	if hs.server != nil {
		_ = hs.server.Close()
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Routes   int    `json:"routes_configured,omitempty"`
	Clients  int    `json:"clients_configured,omitempty"`
}

func (hs *healthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	log := hs.log.With("method", r.Method, "path", r.URL.Path)

	if r.Method != http.MethodGet {
		log.Debug("invalid request")
		http.Error(w, "only GET is allowed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	stats, err := hs.repo().Stats(r.Context())
	if err != nil {
		log.Error("repository probe failed", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "unhealthy", Database: "error"})
		return
	}

	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:   "healthy",
		Database: "connected",
		Routes:   stats.Routes,
		Clients:  stats.Clients,
	})
}
