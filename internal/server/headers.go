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

const (
	// Headers the edge proxy forwards with the original request data.
	HeaderOriginalURI    = "X-Original-URI"
	HeaderOriginalMethod = "X-Original-Method"
	HeaderOriginalHost   = "X-Original-Host"

	// Headers returned to the proxy on allowed requests so it can pass the
	// caller identity to the backend.
	HeaderAuthClientID   = "X-Auth-Client-ID"
	HeaderAuthClientName = "X-Auth-Client-Name"
	HeaderAuthRouteID    = "X-Auth-Route-ID"

	// EnvoyXRequestID is the tracing id Envoy attaches to every request.
	EnvoyXRequestID = "x-request-id"
)
