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
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

var _ run.Service = (*AdminServer)(nil)

// AdminServer is the management REST API: CRUD over routes, clients and
// permissions on a dedicated listener that is not exposed to the edge proxy.
type AdminServer struct {
	log    telemetry.Logger
	config *internal.ServiceConfig
	repo   func() store.Repository
	server *http.Server

	// Listen allows overriding the default listener. It is meant to
	// be used in tests.
	Listen func() (net.Listener, error)
}

// NewAdminServer creates the management API server unit.
func NewAdminServer(config *internal.ServiceConfig, repo func() store.Repository) *AdminServer {
	return &AdminServer{
		log:    internal.Logger(internal.Server).With("server", "admin"),
		config: config,
		repo:   repo,
	}
}

// Name returns the name of the unit in the run.Group.
func (s *AdminServer) Name() string { return "Admin Server" }

// Serve starts the management API server.
func (s *AdminServer) Serve() error {
	if s.Listen == nil {
		s.Listen = func() (net.Listener, error) {
			return net.Listen("tcp", s.config.AdminListenAddress)
		}
	}

	l, err := s.Listen()
	if err != nil {
		return err
	}

	s.server = &http.Server{Handler: s.Handler()}

	s.log.Info("starting admin server", "addr", l.Addr())
	err = s.server.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// GracefulStop stops the server.
func (s *AdminServer) GracefulStop() {
	s.log.Info("stopping admin server")
	if s.server != nil {
		_ = s.server.Close()
	}
}

// Handler builds the management API router.
func (s *AdminServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/routes", func(r chi.Router) {
		r.Get("/", s.listRoutes)
		r.Post("/", s.createRoute)
		r.Get("/{id}", s.getRoute)
		r.Put("/{id}", s.updateRoute)
		r.Delete("/{id}", s.deleteRoute)
	})

	r.Route("/clients", func(r chi.Router) {
		r.Get("/", s.listClients)
		r.Post("/", s.createClient)
		r.Get("/{id}", s.getClient)
		r.Put("/{id}", s.updateClient)
		r.Delete("/{id}", s.deleteClient)
	})

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", s.listPermissions)
		r.Post("/", s.createPermission)
		r.Delete("/{clientID}/{routeID}", s.deletePermission)
	})

	return r
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps repository errors to HTTP statuses: unknown ids are 404,
// uniqueness violations 409, validation failures 400.
func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, store.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict"})
	default:
		s.log.Debug("request rejected", "error", err)
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

func (s *AdminServer) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.repo().Routes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, routes)
}

func (s *AdminServer) createRoute(w http.ResponseWriter, r *http.Request) {
	var route store.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		s.writeError(w, err)
		return
	}
	route.ID = ""
	if err := s.repo().SaveRoute(r.Context(), &route); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, route)
}

func (s *AdminServer) getRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.repo().RouteByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, route)
}

func (s *AdminServer) updateRoute(w http.ResponseWriter, r *http.Request) {
	var route store.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		s.writeError(w, err)
		return
	}
	route.ID = chi.URLParam(r, "id")
	if _, err := s.repo().RouteByID(r.Context(), route.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.repo().SaveRoute(r.Context(), &route); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, route)
}

func (s *AdminServer) deleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.repo().DeleteRoute(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *AdminServer) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.repo().Clients(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, clients)
}

func (s *AdminServer) createClient(w http.ResponseWriter, r *http.Request) {
	var client store.Client
	if err := json.NewDecoder(r.Body).Decode(&client); err != nil {
		s.writeError(w, err)
		return
	}
	client.ID = ""
	if client.Status == "" {
		client.Status = store.StatusActive
	}
	if err := s.repo().SaveClient(r.Context(), &client); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, client)
}

func (s *AdminServer) getClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.repo().ClientByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, client)
}

func (s *AdminServer) updateClient(w http.ResponseWriter, r *http.Request) {
	var client store.Client
	if err := json.NewDecoder(r.Body).Decode(&client); err != nil {
		s.writeError(w, err)
		return
	}
	client.ID = chi.URLParam(r, "id")
	if _, err := s.repo().ClientByID(r.Context(), client.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.repo().SaveClient(r.Context(), &client); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, client)
}

func (s *AdminServer) deleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.repo().DeleteClient(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *AdminServer) listPermissions(w http.ResponseWriter, r *http.Request) {
	permissions, err := s.repo().Permissions(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, permissions)
}

func (s *AdminServer) createPermission(w http.ResponseWriter, r *http.Request) {
	var permission store.Permission
	if err := json.NewDecoder(r.Body).Decode(&permission); err != nil {
		s.writeError(w, err)
		return
	}
	permission.ID = ""
	if err := s.repo().SavePermission(r.Context(), &permission); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, permission)
}

func (s *AdminServer) deletePermission(w http.ResponseWriter, r *http.Request) {
	err := s.repo().DeletePermission(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "routeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
