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
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
)

var _ Repository = (*memoryRepository)(nil)

// memoryRepository is an in-memory implementation of the Repository
// interface. It backs tests; the store Provider always opens a SQL database
// and does not select it.
type memoryRepository struct {
	log   telemetry.Logger
	clock *internal.Clock

	mu          sync.RWMutex
	routes      map[string]Route
	clients     map[string]Client
	permissions map[string]Permission // keyed by clientID+"\x00"+routeID
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(clock *internal.Clock) Repository {
	return &memoryRepository{
		log:         internal.Logger(internal.Store).With("type", "memory"),
		clock:       clock,
		routes:      make(map[string]Route),
		clients:     make(map[string]Client),
		permissions: make(map[string]Permission),
	}
}

func permissionKey(clientID, routeID string) string {
	return clientID + "\x00" + routeID
}

func (m *memoryRepository) CandidateRoutes(ctx context.Context, _, path string) ([]Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Route
	for _, r := range m.routes {
		if patternMatchesPath(r.Pattern, path) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryRepository) ClientByAPIKey(ctx context.Context, key string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if c.APIKey != "" && c.APIKey == key {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memoryRepository) ClientBySharedSecret(ctx context.Context, secret string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if c.SharedSecret != "" && c.SharedSecret == secret {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memoryRepository) CandidateSecrets(ctx context.Context, hint string) ([]SecretCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SecretCandidate
	for _, c := range m.clients {
		if c.SharedSecret == "" {
			continue
		}
		if hint != "" && c.ID != hint {
			continue
		}
		out = append(out, SecretCandidate{ClientID: c.ID, Secret: c.SharedSecret})
	}
	// Stable iteration keeps the verifier's candidate order deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (m *memoryRepository) Permission(ctx context.Context, clientID, routeID string) (*Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.permissions[permissionKey(clientID, routeID)]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memoryRepository) RouteByID(ctx context.Context, id string) (*Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.routes[id]; ok {
		return &r, nil
	}
	return nil, ErrNotFound
}

func (m *memoryRepository) Routes(ctx context.Context) ([]Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) SaveRoute(ctx context.Context, route *Route) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := route.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if route.ID == "" {
		route.ID = uuid.NewString()
		route.CreatedAt = now
	} else if existing, ok := m.routes[route.ID]; ok {
		route.CreatedAt = existing.CreatedAt
	} else {
		route.CreatedAt = now
	}
	route.UpdatedAt = now

	for _, r := range m.routes {
		if r.ID != route.ID && r.Pattern == route.Pattern && r.Domain == route.Domain {
			return ErrConflict
		}
	}

	m.log.Debug("saving route", "id", route.ID, "pattern", route.Pattern, "domain", route.Domain)
	m.routes[route.ID] = *route
	return nil
}

func (m *memoryRepository) DeleteRoute(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.routes[id]; !ok {
		return ErrNotFound
	}
	delete(m.routes, id)
	for key, p := range m.permissions {
		if p.RouteID == id {
			delete(m.permissions, key)
		}
	}
	return nil
}

func (m *memoryRepository) ClientByID(ctx context.Context, id string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.clients[id]; ok {
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *memoryRepository) Clients(ctx context.Context) ([]Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) SaveClient(ctx context.Context, client *Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := client.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if client.ID == "" {
		client.ID = uuid.NewString()
		client.CreatedAt = now
	} else if existing, ok := m.clients[client.ID]; ok {
		client.CreatedAt = existing.CreatedAt
	} else {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	// Credentials are globally unique when present.
	for _, c := range m.clients {
		if c.ID == client.ID {
			continue
		}
		if client.APIKey != "" && c.APIKey == client.APIKey {
			return ErrConflict
		}
		if client.SharedSecret != "" && c.SharedSecret == client.SharedSecret {
			return ErrConflict
		}
	}

	m.log.Debug("saving client", "id", client.ID, "name", client.Name, "status", client.Status)
	m.clients[client.ID] = *client
	return nil
}

func (m *memoryRepository) DeleteClient(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[id]; !ok {
		return ErrNotFound
	}
	delete(m.clients, id)
	for key, p := range m.permissions {
		if p.ClientID == id {
			delete(m.permissions, key)
		}
	}
	return nil
}

func (m *memoryRepository) Permissions(ctx context.Context, clientID string) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Permission
	for _, p := range m.permissions {
		if clientID == "" || p.ClientID == clientID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) SavePermission(ctx context.Context, permission *Permission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := permission.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[permission.ClientID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.routes[permission.RouteID]; !ok {
		return ErrNotFound
	}

	now := m.clock.Now()
	key := permissionKey(permission.ClientID, permission.RouteID)
	if existing, ok := m.permissions[key]; ok {
		permission.ID = existing.ID
		permission.CreatedAt = existing.CreatedAt
	} else {
		if permission.ID == "" {
			permission.ID = uuid.NewString()
		}
		permission.CreatedAt = now
	}
	permission.UpdatedAt = now

	m.log.Debug("saving permission", "client-id", permission.ClientID, "route-id", permission.RouteID)
	m.permissions[key] = *permission
	return nil
}

func (m *memoryRepository) DeletePermission(ctx context.Context, clientID, routeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := permissionKey(clientID, routeID)
	if _, ok := m.permissions[key]; !ok {
		return ErrNotFound
	}
	delete(m.permissions, key)
	return nil
}

func (m *memoryRepository) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{Routes: len(m.routes), Clients: len(m.clients)}, nil
}
