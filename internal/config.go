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

package internal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tetratelabs/run"
	"gopkg.in/yaml.v3"
)

var (
	_ run.Config = (*LocalConfigFile)(nil)

	ErrInvalidPath      = errors.New("invalid path")
	ErrInvalidTolerance = errors.New("invalid signature tolerance")
	ErrInvalidReplayTTL = errors.New("invalid replay TTL")
	ErrInvalidRedisURL  = errors.New("invalid Redis URL")
	ErrNoStorage        = errors.New("no storage configured")
)

const (
	// DefaultSignatureTolerance is the maximum accepted deviation between the
	// signature timestamp and the verifier clock.
	DefaultSignatureTolerance = 300 * time.Second
)

// ServiceConfig holds the gatekeeper settings loaded from the configuration file.
type ServiceConfig struct {
	// ListenAddress is the address of the Envoy ext_authz gRPC server.
	ListenAddress string `yaml:"listen_address"`
	// HTTPListenAddress is the address of the nginx auth_request HTTP server.
	HTTPListenAddress string `yaml:"http_listen_address"`
	// AdminListenAddress is the address of the management REST API.
	AdminListenAddress string `yaml:"admin_listen_address"`
	// HealthListenAddress is the address of the health and metrics server.
	HealthListenAddress string `yaml:"health_listen_address"`

	// SignatureToleranceSeconds overrides the default signature freshness window.
	SignatureToleranceSeconds int `yaml:"signature_tolerance_seconds"`
	// ReplayTTLSeconds bounds how long observed signatures are remembered.
	// Zero keeps them for the freshness window plus a safety margin.
	ReplayTTLSeconds int `yaml:"replay_ttl_seconds"`

	// DatabaseURL is the Postgres DSN of the configuration database.
	DatabaseURL string `yaml:"database_url"`
	// SQLitePath selects an embedded SQLite database instead of Postgres.
	SQLitePath string `yaml:"sqlite_path"`
	// RedisURL enables the Redis-backed replay cache. Empty uses the
	// in-process cache, which is only safe for single-instance deployments.
	RedisURL string `yaml:"redis_url"`
}

// SignatureTolerance returns the configured freshness window.
func (c *ServiceConfig) SignatureTolerance() time.Duration {
	if c.SignatureToleranceSeconds <= 0 {
		return DefaultSignatureTolerance
	}
	return time.Duration(c.SignatureToleranceSeconds) * time.Second
}

// ReplayTTL returns how long the replay cache remembers observed signatures.
// It is never shorter than the freshness window: a signature must stay in the
// cache at least as long as the verifier would still accept it.
func (c *ServiceConfig) ReplayTTL() time.Duration {
	ttl := time.Duration(c.ReplayTTLSeconds) * time.Second
	if min := c.SignatureTolerance() * 2; ttl < min {
		return min
	}
	return ttl
}

// LocalConfigFile is a run.Config that loads the configuration file.
type LocalConfigFile struct {
	path string
	// Config is the loaded configuration.
	Config ServiceConfig
}

// Name returns the name of the unit in the run.Group.
func (l *LocalConfigFile) Name() string { return "Local configuration file" }

// FlagSet returns the flags used to customize the config file location.
func (l *LocalConfigFile) FlagSet() *run.FlagSet {
	flags := run.NewFlagSet("Local Config File flags")
	flags.StringVar(&l.path, "config-path", "/etc/gatekeeper/config.yaml", "configuration file path")
	return flags
}

// Validate and load the configuration file.
func (l *LocalConfigFile) Validate() error {
	if l.path == "" {
		return ErrInvalidPath
	}

	content, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}

	if err = yaml.Unmarshal(content, &l.Config); err != nil {
		return err
	}

	return l.Config.Validate()
}

// Validate the loaded settings.
func (c *ServiceConfig) Validate() error {
	if c.ListenAddress == "" {
		c.ListenAddress = ":9090"
	}
	if c.HTTPListenAddress == "" {
		c.HTTPListenAddress = ":8080"
	}
	if c.AdminListenAddress == "" {
		c.AdminListenAddress = ":8081"
	}
	if c.HealthListenAddress == "" {
		c.HealthListenAddress = ":10004"
	}

	if c.SignatureToleranceSeconds < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidTolerance)
	}
	if c.ReplayTTLSeconds < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidReplayTTL)
	}

	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return ErrNoStorage
	}

	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRedisURL, err)
		}
	}

	return nil
}

// ConfigToString renders the configuration for debug logging.
func ConfigToString(c *ServiceConfig) string {
	b, _ := yaml.Marshal(c)
	return string(b)
}
