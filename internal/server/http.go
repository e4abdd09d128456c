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
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/authz"
)

// maxAuthzBody bounds how much request body is read for signature
// validation.
const maxAuthzBody = 1 << 20 // 1 MiB

var (
	_ run.Config  = (*AuthzServer)(nil)
	_ run.Service = (*AuthzServer)(nil)
)

// AuthzServer is the nginx auth_request adapter: an HTTP server whose /authz
// endpoint answers subrequests issued by the edge proxy for every protected
// request.
type AuthzServer struct {
	log        telemetry.Logger
	config     *internal.ServiceConfig
	authorizer authz.Decider
	metrics    *Metrics
	server     *http.Server
	timeout    time.Duration

	// Listen allows overriding the default listener. It is meant to
	// be used in tests.
	Listen func() (net.Listener, error)
}

// NewAuthzServer creates the auth_request HTTP server unit.
func NewAuthzServer(config *internal.ServiceConfig, authorizer authz.Decider, metrics *Metrics) *AuthzServer {
	return &AuthzServer{
		log:        internal.Logger(internal.Server),
		config:     config,
		authorizer: authorizer,
		metrics:    metrics,
	}
}

// Name returns the name of the unit in the run.Group.
func (s *AuthzServer) Name() string { return "Authz HTTP Server" }

// FlagSet returns the flags used to customize the server.
func (s *AuthzServer) FlagSet() *run.FlagSet {
	flags := run.NewFlagSet("Authz HTTP Server flags")
	flags.DurationVar(&s.timeout, "authz-timeout", 5*time.Second, "per-request decision deadline")
	return flags
}

// Validate the server configuration.
func (s *AuthzServer) Validate() error {
	if _, _, err := net.SplitHostPort(s.config.HTTPListenAddress); err != nil {
		return ErrInvalidAddress
	}
	return nil
}

// Serve starts the HTTP server.
func (s *AuthzServer) Serve() error {
	if s.Listen == nil {
		s.Listen = func() (net.Listener, error) {
			return net.Listen("tcp", s.config.HTTPListenAddress)
		}
	}

	l, err := s.Listen()
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Handle("/authz", http.HandlerFunc(s.handleAuthz))
	s.server = &http.Server{Handler: r}

	s.log.Info("starting authz HTTP server", "addr", l.Addr())
	err = s.server.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// GracefulStop stops the server.
func (s *AuthzServer) GracefulStop() {
	s.log.Info("stopping authz HTTP server")
	if s.server != nil {
		_ = s.server.Close()
	}
}

// handleAuthz answers a single auth_request subrequest. The original request
// data arrives in X-Original-* headers; the response status is the decision.
func (s *AuthzServer) handleAuthz(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := s.log.Context(r.Context())

	originalURI := r.Header.Get(HeaderOriginalURI)
	originalMethod := r.Header.Get(HeaderOriginalMethod)
	if originalURI == "" || originalMethod == "" {
		log.Info("subrequest missing original request headers")
		http.Error(w, "missing required headers", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthzBody))
	if err != nil {
		log.Info("failed to read subrequest body", "error", err)
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}

	// The original URI is used verbatim as the canonical signing path; the
	// query parameters are additionally parsed out for API key extraction.
	request := authz.Request{
		Domain:  stripPort(r.Header.Get(HeaderOriginalHost)),
		Path:    originalURI,
		Method:  originalMethod,
		Headers: headers,
		Query:   queryOf(originalURI),
		Body:    body,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	decision := s.authorizer.Authorize(ctx, request)
	s.metrics.ObserveDecisionDuration(decision, originalMethod, time.Since(start))

	switch {
	case decision.Allowed:
		log.Debug("allowed", "reason", decision.Reason, "client-id", decision.ClientID, "route-id", decision.RouteID)
		if decision.ClientID != "" {
			w.Header().Set(HeaderAuthClientID, decision.ClientID)
		}
		if decision.ClientName != "" {
			w.Header().Set(HeaderAuthClientName, decision.ClientName)
		}
		if decision.RouteID != "" {
			w.Header().Set(HeaderAuthRouteID, decision.RouteID)
		}
		w.WriteHeader(http.StatusOK)

	case decision.Reason == authz.ReasonInternalError:
		log.Info("internal error", "cause", decision.Cause)
		http.Error(w, string(decision.Reason), http.StatusInternalServerError)

	default:
		log.Debug("denied", "reason", decision.Reason, "route-id", decision.RouteID)
		http.Error(w, string(decision.Reason), http.StatusForbidden)
	}
}
