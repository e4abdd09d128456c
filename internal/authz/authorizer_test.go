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

package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

// fakeRepository is a hand-rolled Repository for pipeline tests. Individual
// calls can be overridden to fail or block.
type fakeRepository struct {
	routes      []store.Route
	clients     []store.Client
	permissions []store.Permission

	candidateRoutesErr error
	clientErr          error
	permissionErr      error
	secretsErr         error
}

func (f *fakeRepository) CandidateRoutes(ctx context.Context, _, path string) ([]store.Route, error) {
	if f.candidateRoutesErr != nil {
		return nil, f.candidateRoutesErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.routes, nil
}

func (f *fakeRepository) ClientByAPIKey(ctx context.Context, key string) (*store.Client, error) {
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	for i := range f.clients {
		if f.clients[i].APIKey == key {
			return &f.clients[i], nil
		}
	}
	return nil, nil
}

func (f *fakeRepository) ClientBySharedSecret(ctx context.Context, secret string) (*store.Client, error) {
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	for i := range f.clients {
		if f.clients[i].SharedSecret == secret {
			return &f.clients[i], nil
		}
	}
	return nil, nil
}

func (f *fakeRepository) CandidateSecrets(ctx context.Context, hint string) ([]store.SecretCandidate, error) {
	if f.secretsErr != nil {
		return nil, f.secretsErr
	}
	var out []store.SecretCandidate
	for _, c := range f.clients {
		if c.SharedSecret == "" {
			continue
		}
		if hint != "" && c.ID != hint {
			continue
		}
		out = append(out, store.SecretCandidate{ClientID: c.ID, Secret: c.SharedSecret})
	}
	return out, nil
}

func (f *fakeRepository) Permission(ctx context.Context, clientID, routeID string) (*store.Permission, error) {
	if f.permissionErr != nil {
		return nil, f.permissionErr
	}
	for i := range f.permissions {
		if f.permissions[i].ClientID == clientID && f.permissions[i].RouteID == routeID {
			return &f.permissions[i], nil
		}
	}
	return nil, nil
}

func frozenClock(unix int64) *internal.Clock {
	return &internal.Clock{NowFn: func() time.Time { return time.Unix(unix, 0) }}
}

func newTestAuthorizer(repo Repository, clock *internal.Clock) *Authorizer {
	return NewAuthorizer(repo, NewVerifier(clock, 300*time.Second, nil))
}

func public(methods ...string) map[string]store.MethodPolicy {
	out := make(map[string]store.MethodPolicy, len(methods))
	for _, m := range methods {
		out[m] = store.MethodPolicy{}
	}
	return out
}

func authenticated(authType store.AuthType, methods ...string) map[string]store.MethodPolicy {
	out := make(map[string]store.MethodPolicy, len(methods))
	for _, m := range methods {
		out[m] = store.MethodPolicy{AuthRequired: true, AuthType: authType}
	}
	return out
}

func TestAuthorizePublicRoute(t *testing.T) {
	repo := &fakeRepository{
		routes: []store.Route{
			{ID: "r1", Pattern: "/api/health", Domain: "*", Methods: public("GET")},
		},
	}
	a := newTestAuthorizer(repo, frozenClock(1_700_000_000))

	t.Run("configured method allows without credentials", func(t *testing.T) {
		d := a.Authorize(context.Background(), Request{Domain: "api.x", Path: "/api/health", Method: "GET"})
		require.True(t, d.Allowed)
		require.Equal(t, ReasonNoAuthRequired, d.Reason)
		require.Equal(t, "r1", d.RouteID)
		require.Empty(t, d.ClientID)
		require.Empty(t, d.ClientName)
	})

	t.Run("unconfigured method denies", func(t *testing.T) {
		d := a.Authorize(context.Background(), Request{Domain: "api.x", Path: "/api/health", Method: "POST"})
		require.False(t, d.Allowed)
		require.Equal(t, ReasonMethodNotConfigured, d.Reason)
		require.Equal(t, "r1", d.RouteID)
	})

	t.Run("unknown path denies with no_route", func(t *testing.T) {
		d := a.Authorize(context.Background(), Request{Domain: "api.x", Path: "/nope", Method: "GET"})
		require.False(t, d.Allowed)
		require.Equal(t, ReasonNoRoute, d.Reason)
	})
}

func TestAuthorizeAPIKey(t *testing.T) {
	repo := &fakeRepository{
		routes: []store.Route{
			{ID: "r1", Pattern: "/api/users/*", Domain: "api.example.com", Methods: authenticated(store.AuthTypeKey, "POST")},
		},
		clients: []store.Client{
			{ID: "C1", Name: "svc-one", APIKey: "k-abc", Status: store.StatusActive},
		},
		permissions: []store.Permission{
			{ID: "p1", ClientID: "C1", RouteID: "r1", AllowedMethods: []string{"POST"}},
		},
	}
	a := newTestAuthorizer(repo, frozenClock(1_700_000_000))

	req := func(headers map[string]string) Request {
		return Request{
			Domain:  "api.example.com",
			Path:    "/api/users/42",
			Method:  "POST",
			Headers: headers,
		}
	}

	t.Run("valid key allows", func(t *testing.T) {
		d := a.Authorize(context.Background(), req(map[string]string{"Authorization": "Bearer k-abc"}))
		require.True(t, d.Allowed)
		require.Equal(t, ReasonAuthenticated, d.Reason)
		require.Equal(t, "C1", d.ClientID)
		require.Equal(t, "svc-one", d.ClientName)
		require.Equal(t, "r1", d.RouteID)
	})

	t.Run("missing key denies", func(t *testing.T) {
		d := a.Authorize(context.Background(), req(nil))
		require.Equal(t, ReasonMissingCredentials, d.Reason)
	})

	t.Run("unknown key denies", func(t *testing.T) {
		d := a.Authorize(context.Background(), req(map[string]string{"Authorization": "Bearer nope"}))
		require.Equal(t, ReasonInvalidCredentials, d.Reason)
	})

	t.Run("key in query parameter allows", func(t *testing.T) {
		r := req(nil)
		r.Query = map[string]string{"api_key": "k-abc"}
		d := a.Authorize(context.Background(), r)
		require.True(t, d.Allowed)
	})

	t.Run("method outside permission denies", func(t *testing.T) {
		repo.permissions[0].AllowedMethods = []string{"GET"}
		defer func() { repo.permissions[0].AllowedMethods = []string{"POST"} }()

		d := a.Authorize(context.Background(), req(map[string]string{"Authorization": "Bearer k-abc"}))
		require.False(t, d.Allowed)
		require.Equal(t, ReasonMethodNotAllowed, d.Reason)
		require.Equal(t, "C1", d.ClientID)
	})

	t.Run("no permission denies", func(t *testing.T) {
		saved := repo.permissions
		repo.permissions = nil
		defer func() { repo.permissions = saved }()

		d := a.Authorize(context.Background(), req(map[string]string{"Authorization": "Bearer k-abc"}))
		require.Equal(t, ReasonNoPermission, d.Reason)
	})
}

func TestAuthorizeClientStatus(t *testing.T) {
	repo := &fakeRepository{
		routes: []store.Route{
			{ID: "r1", Pattern: "/api/things", Domain: "*", Methods: authenticated(store.AuthTypeKey, "GET")},
		},
		clients: []store.Client{
			{ID: "C1", Name: "one", APIKey: "k-1", Status: store.StatusSuspended},
			{ID: "C2", Name: "two", APIKey: "k-2", Status: store.StatusRevoked},
		},
		permissions: []store.Permission{
			{ID: "p1", ClientID: "C1", RouteID: "r1", AllowedMethods: []string{"GET"}},
			{ID: "p2", ClientID: "C2", RouteID: "r1", AllowedMethods: []string{"GET"}},
		},
	}
	a := newTestAuthorizer(repo, frozenClock(1_700_000_000))

	tests := []struct {
		key    string
		reason Reason
		client string
	}{
		{"k-1", ReasonClientSuspended, "C1"},
		{"k-2", ReasonClientRevoked, "C2"},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			d := a.Authorize(context.Background(), Request{
				Path:    "/api/things",
				Method:  "GET",
				Headers: map[string]string{"Authorization": "Bearer " + tt.key},
			})
			require.False(t, d.Allowed)
			require.Equal(t, tt.reason, d.Reason)
			require.Equal(t, tt.client, d.ClientID)
		})
	}
}

func TestAuthorizeSignature(t *testing.T) {
	const (
		secret   = "s-xyz"
		signedAt = int64(1_700_000_000)
	)

	repo := &fakeRepository{
		routes: []store.Route{
			{ID: "r1", Pattern: "/api/secure", Domain: "*", Methods: authenticated(store.AuthTypeSignature, "POST")},
		},
		clients: []store.Client{
			{ID: "C2", Name: "signer", SharedSecret: secret, Status: store.StatusActive},
		},
		permissions: []store.Permission{
			{ID: "p1", ClientID: "C2", RouteID: "r1", AllowedMethods: []string{"POST"}},
		},
	}

	sign := func(body []byte) map[string]string {
		signer := &Signer{Secret: secret, Clock: frozenClock(signedAt)}
		return signer.Sign("POST", "/api/secure", body)
	}

	request := func(headers map[string]string, body []byte) Request {
		return Request{Domain: "api.x", Path: "/api/secure", Method: "POST", Headers: headers, Body: body}
	}

	t.Run("fresh signature allows", func(t *testing.T) {
		a := newTestAuthorizer(repo, frozenClock(signedAt+60))
		d := a.Authorize(context.Background(), request(sign([]byte("{}")), []byte("{}")))
		require.True(t, d.Allowed)
		require.Equal(t, ReasonAuthenticated, d.Reason)
		require.Equal(t, "C2", d.ClientID)
	})

	t.Run("signature past the window denies", func(t *testing.T) {
		a := newTestAuthorizer(repo, frozenClock(signedAt+400))
		d := a.Authorize(context.Background(), request(sign([]byte("{}")), []byte("{}")))
		require.Equal(t, ReasonSignatureExpired, d.Reason)
	})

	t.Run("tampered body denies", func(t *testing.T) {
		a := newTestAuthorizer(repo, frozenClock(signedAt+60))
		d := a.Authorize(context.Background(), request(sign([]byte("{}")), []byte("{ }")))
		require.Equal(t, ReasonBodyTampered, d.Reason)
	})

	t.Run("partial bundle is missing credentials", func(t *testing.T) {
		a := newTestAuthorizer(repo, frozenClock(signedAt+60))
		headers := sign([]byte("{}"))
		delete(headers, HeaderBodyHash)
		d := a.Authorize(context.Background(), request(headers, []byte("{}")))
		require.Equal(t, ReasonMissingCredentials, d.Reason)
	})

	t.Run("wrong secret denies", func(t *testing.T) {
		a := newTestAuthorizer(repo, frozenClock(signedAt+60))
		signer := &Signer{Secret: "other", Clock: frozenClock(signedAt)}
		d := a.Authorize(context.Background(), request(signer.Sign("POST", "/api/secure", []byte("{}")), []byte("{}")))
		require.Equal(t, ReasonInvalidSignature, d.Reason)
	})

	t.Run("client id hint narrows the lookup", func(t *testing.T) {
		a := newTestAuthorizer(repo, frozenClock(signedAt+60))
		signer := &Signer{ClientID: "C2", Secret: secret, Clock: frozenClock(signedAt)}
		d := a.Authorize(context.Background(), request(signer.Sign("POST", "/api/secure", []byte("{}")), []byte("{}")))
		require.True(t, d.Allowed)
		require.Equal(t, "C2", d.ClientID)
	})

	t.Run("hint for another client denies", func(t *testing.T) {
		a := newTestAuthorizer(repo, frozenClock(signedAt+60))
		headers := sign([]byte("{}"))
		headers[HeaderClientID] = "C9"
		d := a.Authorize(context.Background(), request(headers, []byte("{}")))
		require.Equal(t, ReasonInvalidSignature, d.Reason)
	})
}

func TestAuthorizeEitherPolicy(t *testing.T) {
	const signedAt = int64(1_700_000_000)

	repo := &fakeRepository{
		routes: []store.Route{
			{ID: "r1", Pattern: "/api/mixed", Domain: "*", Methods: authenticated(store.AuthTypeAny, "POST")},
		},
		clients: []store.Client{
			{ID: "C1", Name: "dual", APIKey: "k-abc", SharedSecret: "s-abc", Status: store.StatusActive},
		},
		permissions: []store.Permission{
			{ID: "p1", ClientID: "C1", RouteID: "r1", AllowedMethods: []string{"POST"}},
		},
	}
	a := newTestAuthorizer(repo, frozenClock(signedAt+10))

	t.Run("api key accepted", func(t *testing.T) {
		d := a.Authorize(context.Background(), Request{
			Path:    "/api/mixed",
			Method:  "POST",
			Headers: map[string]string{"Authorization": "ApiKey k-abc"},
		})
		require.True(t, d.Allowed)
	})

	t.Run("signature preferred when bundle present", func(t *testing.T) {
		signer := &Signer{Secret: "s-abc", Clock: frozenClock(signedAt)}
		headers := signer.Sign("POST", "/api/mixed", nil)
		// An invalid bearer token alongside a valid bundle must not matter.
		headers["Authorization"] = "Bearer bogus"
		d := a.Authorize(context.Background(), Request{
			Path:    "/api/mixed",
			Method:  "POST",
			Headers: headers,
		})
		require.True(t, d.Allowed)
		require.Equal(t, "C1", d.ClientID)
	})

	t.Run("no credentials at all", func(t *testing.T) {
		d := a.Authorize(context.Background(), Request{Path: "/api/mixed", Method: "POST"})
		require.Equal(t, ReasonMissingCredentials, d.Reason)
	})
}

func TestAuthorizeDomainSpecificity(t *testing.T) {
	repo := &fakeRepository{
		routes: []store.Route{
			{ID: "r-any", Pattern: "/x", Domain: "*", Methods: public("GET")},
			{ID: "r-exact", Pattern: "/x", Domain: "a.example", Methods: public("GET")},
		},
	}
	a := newTestAuthorizer(repo, frozenClock(1_700_000_000))

	d := a.Authorize(context.Background(), Request{Domain: "a.example", Path: "/x", Method: "GET"})
	require.True(t, d.Allowed)
	require.Equal(t, "r-exact", d.RouteID)

	d = a.Authorize(context.Background(), Request{Domain: "b.example", Path: "/x", Method: "GET"})
	require.True(t, d.Allowed)
	require.Equal(t, "r-any", d.RouteID)
}

func TestAuthorizeInternalErrors(t *testing.T) {
	route := store.Route{ID: "r1", Pattern: "/api/things", Domain: "*", Methods: authenticated(store.AuthTypeKey, "GET")}

	t.Run("repository failure", func(t *testing.T) {
		repo := &fakeRepository{candidateRoutesErr: errors.New("connection refused")}
		a := newTestAuthorizer(repo, frozenClock(1_700_000_000))
		d := a.Authorize(context.Background(), Request{Path: "/api/things", Method: "GET"})
		require.False(t, d.Allowed)
		require.Equal(t, ReasonInternalError, d.Reason)
		require.Equal(t, CauseRepositoryError, d.Cause)
	})

	t.Run("cancelled context", func(t *testing.T) {
		repo := &fakeRepository{routes: []store.Route{route}}
		a := newTestAuthorizer(repo, frozenClock(1_700_000_000))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		d := a.Authorize(ctx, Request{Path: "/api/things", Method: "GET"})
		require.False(t, d.Allowed)
		require.Equal(t, ReasonInternalError, d.Reason)
		require.Equal(t, CauseTimeout, d.Cause)
	})

	t.Run("deadline classified as timeout", func(t *testing.T) {
		repo := &fakeRepository{candidateRoutesErr: context.DeadlineExceeded}
		a := newTestAuthorizer(repo, frozenClock(1_700_000_000))
		d := a.Authorize(context.Background(), Request{Path: "/api/things", Method: "GET"})
		require.Equal(t, CauseTimeout, d.Cause)
	})

	t.Run("panic is contained", func(t *testing.T) {
		a := newTestAuthorizer(nil, frozenClock(1_700_000_000)) // nil repository panics on use
		d := a.Authorize(context.Background(), Request{Path: "/x", Method: "GET"})
		require.False(t, d.Allowed)
		require.Equal(t, ReasonInternalError, d.Reason)
		require.Equal(t, CausePanic, d.Cause)
	})
}

func TestAuthorizeAlwaysReturnsAReason(t *testing.T) {
	repo := &fakeRepository{
		routes: []store.Route{
			{ID: "r1", Pattern: "/p", Domain: "*", Methods: public("GET")},
		},
	}
	a := newTestAuthorizer(repo, frozenClock(1_700_000_000))

	for _, method := range []string{"GET", "POST", "TRACE", "", "get"} {
		d := a.Authorize(context.Background(), Request{Path: "/p", Method: method})
		require.NotEmpty(t, d.Reason, "method %q", method)
	}
}
