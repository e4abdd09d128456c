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
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidPattern = errors.New("invalid route pattern")
	ErrInvalidDomain  = errors.New("invalid route domain")
	ErrInvalidMethod  = errors.New("invalid HTTP method")
	ErrNoMethods      = errors.New("route must configure at least one method")
	ErrInvalidPolicy  = errors.New("invalid method policy")
	ErrNoCredentials  = errors.New("client must hold an API key or a shared secret")
	ErrInvalidStatus  = errors.New("invalid client status")
)

// methodTokens is the canonical set of HTTP methods a route can configure.
var methodTokens = map[string]struct{}{
	"GET":     {},
	"POST":    {},
	"PUT":     {},
	"DELETE":  {},
	"PATCH":   {},
	"HEAD":    {},
	"OPTIONS": {},
}

// CanonicalMethod uppercases the given method token and reports whether it
// belongs to the canonical method set.
func CanonicalMethod(method string) (string, bool) {
	m := strings.ToUpper(strings.TrimSpace(method))
	_, ok := methodTokens[m]
	return m, ok
}

// AuthType selects how a client must authenticate for a method.
type AuthType string

const (
	// AuthTypeKey requires an opaque API key.
	AuthTypeKey AuthType = "key"
	// AuthTypeSignature requires a signature bundle over the request data.
	AuthTypeSignature AuthType = "signature"
	// AuthTypeAny accepts either credential; a signature bundle is preferred
	// when present because it additionally proves integrity.
	AuthTypeAny AuthType = "any"
)

// MethodPolicy is the per-method rule on a route: public, or authenticated
// with one of the supported credential types.
type MethodPolicy struct {
	AuthRequired bool     `yaml:"auth_required" json:"auth_required"`
	AuthType     AuthType `yaml:"auth_type,omitempty" json:"auth_type,omitempty"`
}

// Public reports whether the policy allows unauthenticated access.
func (p MethodPolicy) Public() bool { return !p.AuthRequired }

func (p MethodPolicy) validate() error {
	if !p.AuthRequired {
		if p.AuthType != "" {
			return fmt.Errorf("%w: auth_type must be empty on public methods", ErrInvalidPolicy)
		}
		return nil
	}
	switch p.AuthType {
	case AuthTypeKey, AuthTypeSignature, AuthTypeAny:
		return nil
	default:
		return fmt.Errorf("%w: unknown auth_type %q", ErrInvalidPolicy, p.AuthType)
	}
}

// Route declares that a (domain, path) family is protected, with a per-method
// policy. Patterns are either exact (`/api/users`) or prefix wildcards ending
// in `/*` (`/api/users/*`). Domains are an exact FQDN, a subdomain wildcard
// (`*.example.com`), or `*` for any domain.
type Route struct {
	ID          string                  `yaml:"id" json:"id"`
	Pattern     string                  `yaml:"pattern" json:"pattern"`
	Domain      string                  `yaml:"domain" json:"domain"`
	ServiceName string                  `yaml:"service_name" json:"service_name"`
	Methods     map[string]MethodPolicy `yaml:"methods" json:"methods"`
	CreatedAt   time.Time               `yaml:"-" json:"created_at"`
	UpdatedAt   time.Time               `yaml:"-" json:"updated_at"`
}

// Policy returns the policy configured for the given canonical method token.
func (r *Route) Policy(method string) (MethodPolicy, bool) {
	p, ok := r.Methods[method]
	return p, ok
}

// Wildcard reports whether the route pattern is a prefix wildcard.
func (r *Route) Wildcard() bool { return strings.HasSuffix(r.Pattern, "/*") }

// Prefix returns the pattern characters before the trailing `/*`. For exact
// patterns it returns the pattern itself.
func (r *Route) Prefix() string {
	if r.Wildcard() {
		return strings.TrimSuffix(r.Pattern, "/*")
	}
	return r.Pattern
}

// Validate normalizes and checks the route invariants.
func (r *Route) Validate() error {
	if !strings.HasPrefix(r.Pattern, "/") {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, r.Pattern)
	}
	if n := strings.Count(r.Pattern, "*"); n > 0 {
		if n > 1 || !strings.HasSuffix(r.Pattern, "/*") {
			return fmt.Errorf("%w: %q may only use a single trailing /*", ErrInvalidPattern, r.Pattern)
		}
	}

	r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	switch {
	case r.Domain == "*":
	case strings.HasPrefix(r.Domain, "*."):
		if len(r.Domain) == 2 {
			return fmt.Errorf("%w: %q", ErrInvalidDomain, r.Domain)
		}
	case r.Domain == "":
		return fmt.Errorf("%w: domain must be set, use * for any", ErrInvalidDomain)
	case strings.Contains(r.Domain, "*"):
		return fmt.Errorf("%w: %q", ErrInvalidDomain, r.Domain)
	}

	if len(r.Methods) == 0 {
		return ErrNoMethods
	}
	normalized := make(map[string]MethodPolicy, len(r.Methods))
	for method, policy := range r.Methods {
		m, ok := CanonicalMethod(method)
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
		}
		if err := policy.validate(); err != nil {
			return fmt.Errorf("method %s: %w", m, err)
		}
		normalized[m] = policy
	}
	r.Methods = normalized

	return nil
}

// Status is the client lifecycle state. Only active clients authenticate.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Client is an identified caller holding one or two credentials and a
// lifecycle status.
type Client struct {
	ID           string    `yaml:"id" json:"id"`
	Name         string    `yaml:"name" json:"name"`
	APIKey       string    `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	SharedSecret string    `yaml:"shared_secret,omitempty" json:"shared_secret,omitempty"`
	Status       Status    `yaml:"status" json:"status"`
	CreatedAt    time.Time `yaml:"-" json:"created_at"`
	UpdatedAt    time.Time `yaml:"-" json:"updated_at"`
}

// Active reports whether the client may authenticate.
func (c *Client) Active() bool { return c.Status == StatusActive }

// Validate checks the client invariants.
func (c *Client) Validate() error {
	if c.Name == "" {
		return errors.New("client name must be set")
	}
	if c.APIKey == "" && c.SharedSecret == "" {
		return ErrNoCredentials
	}
	switch c.Status {
	case StatusActive, StatusSuspended, StatusRevoked:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}
}

// Permission grants a client a set of methods on a route. There is at most
// one permission per (client, route) pair.
type Permission struct {
	ID             string    `yaml:"id" json:"id"`
	ClientID       string    `yaml:"client_id" json:"client_id"`
	RouteID        string    `yaml:"route_id" json:"route_id"`
	AllowedMethods []string  `yaml:"allowed_methods" json:"allowed_methods"`
	CreatedAt      time.Time `yaml:"-" json:"created_at"`
	UpdatedAt      time.Time `yaml:"-" json:"updated_at"`
}

// Allows reports whether the permission covers the given canonical method.
func (p *Permission) Allows(method string) bool {
	for _, m := range p.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Validate normalizes and checks the permission invariants.
func (p *Permission) Validate() error {
	if p.ClientID == "" || p.RouteID == "" {
		return errors.New("permission must reference a client and a route")
	}
	if len(p.AllowedMethods) == 0 {
		return errors.New("permission must allow at least one method")
	}
	normalized := make([]string, 0, len(p.AllowedMethods))
	seen := make(map[string]struct{}, len(p.AllowedMethods))
	for _, method := range p.AllowedMethods {
		m, ok := CanonicalMethod(method)
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		normalized = append(normalized, m)
	}
	p.AllowedMethods = normalized
	return nil
}

// SecretCandidate pairs a client id with its shared secret for the signature
// verifier's candidate scan.
type SecretCandidate struct {
	ClientID string
	Secret   string
}
