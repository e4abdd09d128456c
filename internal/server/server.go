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
	"errors"
	"fmt"
	"net"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/telemetry"
	"google.golang.org/grpc"

	"github.com/jmazzahacks/api-gatekeeper/internal"
)

var (
	_ run.Initializer = (*GrpcServer)(nil)
	_ run.PreRunner   = (*GrpcServer)(nil)
	_ run.Service     = (*GrpcServer)(nil)
)

var ErrInvalidAddress = errors.New("invalid address")

// GrpcServer runs the Envoy ext_authz endpoint as a unit in a run.Group.
type GrpcServer struct {
	log    telemetry.Logger
	config *internal.ServiceConfig

	server           *grpc.Server
	registerHandlers []func(s *grpc.Server)

	// Listen allows overriding the default listener. It is meant to
	// be used in tests.
	Listen func() (net.Listener, error)
}

// NewGrpcServer creates a new gRPC server unit.
func NewGrpcServer(config *internal.ServiceConfig, registerHandlers ...func(s *grpc.Server)) *GrpcServer {
	return &GrpcServer{
		log:              internal.Logger(internal.Server),
		config:           config,
		registerHandlers: registerHandlers,
	}
}

// Name returns the name of the unit in the run.Group.
func (s *GrpcServer) Name() string { return "gRPC Server" }

// Initialize the server.
func (s *GrpcServer) Initialize() {
	if s.Listen == nil {
		s.Listen = func() (net.Listener, error) {
			return net.Listen("tcp", s.config.ListenAddress)
		}
	}
}

// PreRun validates the listen address and registers the server handlers.
func (s *GrpcServer) PreRun() error {
	if _, _, err := net.SplitHostPort(s.config.ListenAddress); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	logMiddleware := NewLogMiddleware()

	s.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(PropagateRequestID, logMiddleware.UnaryServerInterceptor),
	)

	for _, h := range s.registerHandlers {
		h(s.server)
	}

	return nil
}

// Serve starts the gRPC server.
func (s *GrpcServer) Serve() error {
	l, err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Info("starting gRPC server", "addr", s.config.ListenAddress)
	return s.server.Serve(l)
}

// GracefulStop stops the server.
func (s *GrpcServer) GracefulStop() {
	s.log.Info("stopping gRPC server")
	if s.server != nil {
		s.server.GracefulStop()
	}
}
