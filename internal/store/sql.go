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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/tetratelabs/telemetry"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmazzahacks/api-gatekeeper/internal"
)

var _ Repository = (*sqlRepository)(nil)

// routeRecord is the persisted shape of a Route. The per-method policies are
// stored as a JSON column so the schema stays identical across Postgres and
// SQLite.
type routeRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Pattern     string `gorm:"size:255;uniqueIndex:idx_routes_pattern_domain"`
	Domain      string `gorm:"size:255;uniqueIndex:idx_routes_pattern_domain"`
	ServiceName string `gorm:"size:255"`
	Methods     string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (routeRecord) TableName() string { return "routes" }

type clientRecord struct {
	ID           string  `gorm:"primaryKey;size:64"`
	Name         string  `gorm:"size:255"`
	APIKey       *string `gorm:"column:api_key;size:255;uniqueIndex"`
	SharedSecret *string `gorm:"size:255;uniqueIndex"`
	Status       string  `gorm:"size:16;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (clientRecord) TableName() string { return "clients" }

type permissionRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ClientID       string `gorm:"size:64;uniqueIndex:idx_permissions_client_route"`
	RouteID        string `gorm:"size:64;uniqueIndex:idx_permissions_client_route"`
	AllowedMethods string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (permissionRecord) TableName() string { return "permissions" }

// sqlRepository is a gorm-backed implementation of the Repository interface.
type sqlRepository struct {
	log   telemetry.Logger
	clock *internal.Clock
	db    *gorm.DB
}

// OpenPostgres opens the configuration database on Postgres.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
}

// OpenSQLite opens an embedded SQLite configuration database. The path
// ":memory:" creates a private throwaway database, used by tests.
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
}

// NewSQLRepository migrates the schema and wraps the given database handle.
func NewSQLRepository(db *gorm.DB, clock *internal.Clock) (Repository, error) {
	if err := db.AutoMigrate(&routeRecord{}, &clientRecord{}, &permissionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &sqlRepository{
		log:   internal.Logger(internal.Store).With("type", "sql"),
		clock: clock,
		db:    db,
	}, nil
}

func toRouteRecord(r *Route) (*routeRecord, error) {
	methods, err := json.Marshal(r.Methods)
	if err != nil {
		return nil, err
	}
	return &routeRecord{
		ID:          r.ID,
		Pattern:     r.Pattern,
		Domain:      r.Domain,
		ServiceName: r.ServiceName,
		Methods:     string(methods),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (rec *routeRecord) toRoute() (Route, error) {
	var methods map[string]MethodPolicy
	if err := json.Unmarshal([]byte(rec.Methods), &methods); err != nil {
		return Route{}, fmt.Errorf("route %s: decode methods: %w", rec.ID, err)
	}
	return Route{
		ID:          rec.ID,
		Pattern:     rec.Pattern,
		Domain:      rec.Domain,
		ServiceName: rec.ServiceName,
		Methods:     methods,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromOptional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (rec *clientRecord) toClient() Client {
	return Client{
		ID:           rec.ID,
		Name:         rec.Name,
		APIKey:       fromOptional(rec.APIKey),
		SharedSecret: fromOptional(rec.SharedSecret),
		Status:       Status(rec.Status),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func (rec *permissionRecord) toPermission() (Permission, error) {
	var methods []string
	if err := json.Unmarshal([]byte(rec.AllowedMethods), &methods); err != nil {
		return Permission{}, fmt.Errorf("permission %s: decode methods: %w", rec.ID, err)
	}
	return Permission{
		ID:             rec.ID,
		ClientID:       rec.ClientID,
		RouteID:        rec.RouteID,
		AllowedMethods: methods,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

func (s *sqlRepository) CandidateRoutes(ctx context.Context, _, path string) ([]Route, error) {
	// Exact patterns are matched in SQL; wildcard patterns are pulled and
	// filtered here because prefix semantics do not translate to LIKE on the
	// pattern column.
	var records []routeRecord
	err := s.db.WithContext(ctx).
		Where("pattern = ? OR pattern LIKE ?", path, "%/*").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	var out []Route
	for i := range records {
		r, err := records[i].toRoute()
		if err != nil {
			return nil, err
		}
		if patternMatchesPath(r.Pattern, path) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *sqlRepository) ClientByAPIKey(ctx context.Context, key string) (*Client, error) {
	if key == "" {
		return nil, nil
	}
	var rec clientRecord
	err := s.db.WithContext(ctx).Where("api_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := rec.toClient()
	return &c, nil
}

func (s *sqlRepository) ClientBySharedSecret(ctx context.Context, secret string) (*Client, error) {
	if secret == "" {
		return nil, nil
	}
	var rec clientRecord
	err := s.db.WithContext(ctx).Where("shared_secret = ?", secret).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := rec.toClient()
	return &c, nil
}

func (s *sqlRepository) CandidateSecrets(ctx context.Context, hint string) ([]SecretCandidate, error) {
	q := s.db.WithContext(ctx).Model(&clientRecord{}).Where("shared_secret IS NOT NULL")
	if hint != "" {
		q = q.Where("id = ?", hint)
	}
	var records []clientRecord
	if err := q.Order("id").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]SecretCandidate, 0, len(records))
	for i := range records {
		out = append(out, SecretCandidate{ClientID: records[i].ID, Secret: fromOptional(records[i].SharedSecret)})
	}
	return out, nil
}

func (s *sqlRepository) Permission(ctx context.Context, clientID, routeID string) (*Permission, error) {
	var rec permissionRecord
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND route_id = ?", clientID, routeID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := rec.toPermission()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqlRepository) RouteByID(ctx context.Context, id string) (*Route, error) {
	var rec routeRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r, err := rec.toRoute()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlRepository) Routes(ctx context.Context) ([]Route, error) {
	var records []routeRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(records))
	for i := range records {
		r, err := records[i].toRoute()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *sqlRepository) SaveRoute(ctx context.Context, route *Route) error {
	if err := route.Validate(); err != nil {
		return err
	}

	now := s.clock.Now()
	if route.ID == "" {
		route.ID = uuid.NewString()
		route.CreatedAt = now
	}
	route.UpdatedAt = now

	rec, err := toRouteRecord(route)
	if err != nil {
		return err
	}

	s.log.Debug("saving route", "id", route.ID, "pattern", route.Pattern, "domain", route.Domain)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing routeRecord
		err := tx.First(&existing, "id = ?", rec.ID).Error
		switch {
		case err == nil:
			rec.CreatedAt = existing.CreatedAt
			err = tx.Model(&routeRecord{ID: rec.ID}).Select("*").Omit("created_at").Updates(rec).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			err = tx.Create(rec).Error
		}
		if err != nil && isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	})
}

func (s *sqlRepository) DeleteRoute(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&routeRecord{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		// Permissions are deleted transitively with the route.
		return tx.Delete(&permissionRecord{}, "route_id = ?", id).Error
	})
}

func (s *sqlRepository) ClientByID(ctx context.Context, id string) (*Client, error) {
	var rec clientRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c := rec.toClient()
	return &c, nil
}

func (s *sqlRepository) Clients(ctx context.Context) ([]Client, error) {
	var records []clientRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]Client, 0, len(records))
	for i := range records {
		out = append(out, records[i].toClient())
	}
	return out, nil
}

func (s *sqlRepository) SaveClient(ctx context.Context, client *Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	now := s.clock.Now()
	if client.ID == "" {
		client.ID = uuid.NewString()
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	rec := &clientRecord{
		ID:           client.ID,
		Name:         client.Name,
		APIKey:       optional(client.APIKey),
		SharedSecret: optional(client.SharedSecret),
		Status:       string(client.Status),
		CreatedAt:    client.CreatedAt,
		UpdatedAt:    client.UpdatedAt,
	}

	s.log.Debug("saving client", "id", client.ID, "name", client.Name, "status", client.Status)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing clientRecord
		err := tx.First(&existing, "id = ?", rec.ID).Error
		switch {
		case err == nil:
			rec.CreatedAt = existing.CreatedAt
			err = tx.Model(&clientRecord{ID: rec.ID}).Select("*").Omit("created_at").Updates(rec).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			err = tx.Create(rec).Error
		}
		if err != nil && isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	})
}

func (s *sqlRepository) DeleteClient(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&clientRecord{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		// Permissions are deleted transitively with the client.
		return tx.Delete(&permissionRecord{}, "client_id = ?", id).Error
	})
}

func (s *sqlRepository) Permissions(ctx context.Context, clientID string) ([]Permission, error) {
	q := s.db.WithContext(ctx).Order("id")
	if clientID != "" {
		q = q.Where("client_id = ?", clientID)
	}
	var records []permissionRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]Permission, 0, len(records))
	for i := range records {
		p, err := records[i].toPermission()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *sqlRepository) SavePermission(ctx context.Context, permission *Permission) error {
	if err := permission.Validate(); err != nil {
		return err
	}

	now := s.clock.Now()
	methods, err := json.Marshal(permission.AllowedMethods)
	if err != nil {
		return err
	}

	s.log.Debug("saving permission", "client-id", permission.ClientID, "route-id", permission.RouteID)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Referential integrity is enforced here rather than with database
		// foreign keys so SQLite and Postgres behave identically.
		var n int64
		if err := tx.Model(&clientRecord{}).Where("id = ?", permission.ClientID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&routeRecord{}).Where("id = ?", permission.RouteID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		var existing permissionRecord
		err := tx.Where("client_id = ? AND route_id = ?", permission.ClientID, permission.RouteID).
			First(&existing).Error
		switch {
		case err == nil:
			permission.ID = existing.ID
			permission.CreatedAt = existing.CreatedAt
			permission.UpdatedAt = now
			return tx.Model(&permissionRecord{ID: existing.ID}).
				Updates(map[string]any{"allowed_methods": string(methods), "updated_at": now}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if permission.ID == "" {
				permission.ID = uuid.NewString()
			}
			permission.CreatedAt = now
			permission.UpdatedAt = now
			return tx.Create(&permissionRecord{
				ID:             permission.ID,
				ClientID:       permission.ClientID,
				RouteID:        permission.RouteID,
				AllowedMethods: string(methods),
				CreatedAt:      now,
				UpdatedAt:      now,
			}).Error
		default:
			return err
		}
	})
}

func (s *sqlRepository) DeletePermission(ctx context.Context, clientID, routeID string) error {
	res := s.db.WithContext(ctx).
		Delete(&permissionRecord{}, "client_id = ? AND route_id = ?", clientID, routeID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlRepository) Stats(ctx context.Context) (Stats, error) {
	var routes, clients int64
	if err := s.db.WithContext(ctx).Model(&routeRecord{}).Count(&routes).Error; err != nil {
		return Stats{}, err
	}
	if err := s.db.WithContext(ctx).Model(&clientRecord{}).Count(&clients).Error; err != nil {
		return Stats{}, err
	}
	return Stats{Routes: int(routes), Clients: int(clients)}, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
