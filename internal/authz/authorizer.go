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

	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

// Repository is the read-only storage surface the Authorizer depends on.
// Lookups return (nil, nil) when nothing matches; errors are reserved for
// storage faults. All calls honor context cancellation.
type Repository interface {
	CandidateRoutes(ctx context.Context, domain, path string) ([]store.Route, error)
	ClientByAPIKey(ctx context.Context, key string) (*store.Client, error)
	ClientBySharedSecret(ctx context.Context, secret string) (*store.Client, error)
	CandidateSecrets(ctx context.Context, hint string) ([]store.SecretCandidate, error)
	Permission(ctx context.Context, clientID, routeID string) (*store.Permission, error)
}

// Request is the adapter-supplied view of the original request. Path is used
// verbatim as the canonical PATH of the signature protocol, so adapters must
// pass the request URI exactly as the edge proxy forwarded it.
type Request struct {
	// Domain is the request host, without port. May be empty.
	Domain string
	// Path of the original request, starting with /.
	Path string
	// Method token of the original request.
	Method string
	// Headers of the original request. Lookups are case-insensitive.
	Headers map[string]string
	// Query parameters of the original request.
	Query map[string]string
	// Body of the original request, possibly empty.
	Body []byte
}

// Authorizer decides whether a request is forwarded to the backend. It holds
// no mutable state: every decision is a pure function of the request and the
// current repository contents.
type Authorizer struct {
	log      telemetry.Logger
	repo     Repository
	verifier *Verifier
}

// NewAuthorizer creates an Authorizer over the given repository and verifier.
// The caller owns the repository lifecycle.
func NewAuthorizer(repo Repository, verifier *Verifier) *Authorizer {
	return &Authorizer{
		log:      internal.Logger(internal.Authz),
		repo:     repo,
		verifier: verifier,
	}
}

// Authorize runs the decision pipeline and always returns a typed decision:
// expected failures become denials, storage and system faults become
// internal_error, and a recover at the top converts anything unhandled into
// internal_error without leaking details to the caller.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (decision Decision) {
	log := a.log.Context(ctx).With("path", req.Path, "method", req.Method, "domain", req.Domain)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during authorization", nil, "panic", r)
			decision = internalError(CausePanic)
		}
	}()

	// Step 1: match the request to at most one route.
	candidates, err := a.repo.CandidateRoutes(ctx, req.Domain, req.Path)
	if err != nil {
		return a.internalFrom(ctx, log, err)
	}
	route, ok := MatchRoute(candidates, req.Domain, req.Path)
	if !ok {
		log.Debug("no route matched")
		return deny(ReasonNoRoute)
	}
	log = log.With("route-id", route.ID)

	// Step 2: resolve the method policy.
	method, _ := store.CanonicalMethod(req.Method)
	policy, ok := route.Policy(method)
	if !ok {
		log.Debug("method not configured")
		return denyRoute(ReasonMethodNotConfigured, route.ID)
	}

	// Step 3: public methods short-circuit with no client.
	if policy.Public() {
		log.Debug("public method, allowing")
		return allowPublic(route.ID)
	}

	// Step 4: parse credentials.
	creds := ParseCredentials(req.Headers, req.Query)

	// Step 5: authenticate.
	client, denied := a.authenticate(ctx, log, req, route, policy, creds)
	if denied != nil {
		return *denied
	}

	// Step 6: only active clients proceed.
	switch client.Status {
	case store.StatusSuspended:
		log.Debug("client suspended", "client-id", client.ID)
		return denyClient(ReasonClientSuspended, client, route.ID)
	case store.StatusRevoked:
		log.Debug("client revoked", "client-id", client.ID)
		return denyClient(ReasonClientRevoked, client, route.ID)
	}

	// Step 7: check the (client, route, method) permission.
	permission, err := a.repo.Permission(ctx, client.ID, route.ID)
	if err != nil {
		return a.internalFrom(ctx, log, err)
	}
	if permission == nil {
		log.Debug("no permission", "client-id", client.ID)
		return denyClient(ReasonNoPermission, client, route.ID)
	}
	if !permission.Allows(method) {
		log.Debug("method not allowed", "client-id", client.ID)
		return denyClient(ReasonMethodNotAllowed, client, route.ID)
	}

	log.Debug("authorized", "client-id", client.ID)
	return allowAuthenticated(client, route.ID)
}

// authenticate resolves the calling client according to the method policy.
// It returns either a client or a terminal decision.
func (a *Authorizer) authenticate(
	ctx context.Context,
	log telemetry.Logger,
	req Request,
	route store.Route,
	policy store.MethodPolicy,
	creds Credentials,
) (*store.Client, *Decision) {
	switch policy.AuthType {
	case store.AuthTypeSignature:
		return a.authenticateBySignature(ctx, log, req, route, creds)
	case store.AuthTypeAny:
		// A signature proves integrity on top of identity, so it is
		// preferred whenever a complete bundle is present.
		if creds.Bundle != nil {
			return a.authenticateBySignature(ctx, log, req, route, creds)
		}
		return a.authenticateByKey(ctx, log, route, creds)
	default:
		return a.authenticateByKey(ctx, log, route, creds)
	}
}

func (a *Authorizer) authenticateByKey(
	ctx context.Context,
	log telemetry.Logger,
	route store.Route,
	creds Credentials,
) (*store.Client, *Decision) {
	if creds.APIKey == "" {
		log.Debug("api key required but absent")
		return nil, ref(denyRoute(ReasonMissingCredentials, route.ID))
	}

	client, err := a.repo.ClientByAPIKey(ctx, creds.APIKey)
	if err != nil {
		return nil, ref(a.internalFrom(ctx, log, err))
	}
	if client == nil {
		log.Debug("unknown api key")
		return nil, ref(denyRoute(ReasonInvalidCredentials, route.ID))
	}
	return client, nil
}

func (a *Authorizer) authenticateBySignature(
	ctx context.Context,
	log telemetry.Logger,
	req Request,
	route store.Route,
	creds Credentials,
) (*store.Client, *Decision) {
	if creds.Bundle == nil {
		log.Debug("signature required but bundle absent or partial")
		return nil, ref(denyRoute(ReasonMissingCredentials, route.ID))
	}

	candidates, err := a.repo.CandidateSecrets(ctx, creds.ClientIDHint)
	if err != nil {
		return nil, ref(a.internalFrom(ctx, log, err))
	}

	matched, err := a.verifier.Verify(ctx, req.Method, req.Path, req.Body, creds.Bundle, candidates)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureExpired):
			return nil, ref(denyRoute(ReasonSignatureExpired, route.ID))
		case errors.Is(err, ErrBodyTampered):
			return nil, ref(denyRoute(ReasonBodyTampered, route.ID))
		case errors.Is(err, ErrInvalidSignature):
			return nil, ref(denyRoute(ReasonInvalidSignature, route.ID))
		default:
			return nil, ref(a.internalFrom(ctx, log, err))
		}
	}

	client, err := a.repo.ClientBySharedSecret(ctx, matched.Secret)
	if err != nil {
		return nil, ref(a.internalFrom(ctx, log, err))
	}
	if client == nil {
		log.Debug("matched secret has no owning client")
		return nil, ref(denyRoute(ReasonInvalidCredentials, route.ID))
	}
	return client, nil
}

// internalFrom classifies a pipeline failure: cancellation and deadline
// expiry surface as timeouts, anything else as a repository fault. Details
// stay in the logs; the caller only sees the internal_error tag.
func (a *Authorizer) internalFrom(ctx context.Context, log telemetry.Logger, err error) Decision {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		log.Info("authorization cancelled", "error", err)
		return internalError(CauseTimeout)
	}
	log.Error("repository failure during authorization", err)
	return internalError(CauseRepositoryError)
}

func ref(d Decision) *Decision { return &d }
