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
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by id lookups when the entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("conflict")
)

// Stats summarizes the configured entities for the health endpoint.
type Stats struct {
	Routes  int
	Clients int
}

// Repository is the storage surface of the gatekeeper.
//
// The read side feeds the authorization hot path: lookups by credential
// return (nil, nil) when nothing matches, and CandidateRoutes may
// over-approximate since the matcher filters the final set. The write side
// backs the management API. All calls honor context cancellation.
type Repository interface {
	// CandidateRoutes returns the routes whose pattern matches the given
	// path. Domain filtering is left to the matcher.
	CandidateRoutes(ctx context.Context, domain, path string) ([]Route, error)
	// ClientByAPIKey returns the client holding the given key, or nil.
	ClientByAPIKey(ctx context.Context, key string) (*Client, error)
	// ClientBySharedSecret returns the client holding the given secret, or nil.
	ClientBySharedSecret(ctx context.Context, secret string) (*Client, error)
	// CandidateSecrets returns the shared secrets to try during signature
	// verification. A non-empty hint restricts the set to that client.
	CandidateSecrets(ctx context.Context, hint string) ([]SecretCandidate, error)
	// Permission returns the unique (client, route) permission, or nil.
	Permission(ctx context.Context, clientID, routeID string) (*Permission, error)

	RouteByID(ctx context.Context, id string) (*Route, error)
	Routes(ctx context.Context) ([]Route, error)
	SaveRoute(ctx context.Context, route *Route) error
	// DeleteRoute removes the route and, transitively, its permissions.
	DeleteRoute(ctx context.Context, id string) error

	ClientByID(ctx context.Context, id string) (*Client, error)
	Clients(ctx context.Context) ([]Client, error)
	SaveClient(ctx context.Context, client *Client) error
	// DeleteClient removes the client and, transitively, its permissions.
	DeleteClient(ctx context.Context, id string) error

	Permissions(ctx context.Context, clientID string) ([]Permission, error)
	SavePermission(ctx context.Context, permission *Permission) error
	DeletePermission(ctx context.Context, clientID, routeID string) error

	// Stats probes the repository and reports entity counts.
	Stats(ctx context.Context) (Stats, error)
}

// patternMatchesPath is the candidate filter shared by the repository
// implementations: exact equality, or a `P/*` pattern where the path sits
// under P/. A bare `/a` does not match `/a/*`. The matcher applies the same
// test again together with the domain rules; repositories only use it to
// bound the candidate set.
func patternMatchesPath(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return path == pattern
}
