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

import "github.com/jmazzahacks/api-gatekeeper/internal/store"

// Reason is the closed vocabulary of decision tags. The exact strings are
// part of the service contract: observability dashboards and the proxy
// integration key off them, so they must never change.
type Reason string

const (
	// Configuration denials.
	ReasonNoRoute             Reason = "no_route"
	ReasonMethodNotConfigured Reason = "method_not_configured"

	// Credential denials.
	ReasonMissingCredentials Reason = "missing_credentials"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonSignatureExpired   Reason = "signature_expired"
	ReasonBodyTampered       Reason = "body_tampered"

	// Identity denials.
	ReasonClientSuspended Reason = "client_suspended"
	ReasonClientRevoked   Reason = "client_revoked"

	// Authorization denials.
	ReasonNoPermission     Reason = "no_permission"
	ReasonMethodNotAllowed Reason = "method_not_allowed"

	// Allows.
	ReasonNoAuthRequired Reason = "no_auth_required"
	ReasonAuthenticated  Reason = "authenticated"

	// System faults.
	ReasonInternalError Reason = "internal_error"
)

// Cause refines an internal_error decision for logs and metrics.
type Cause string

const (
	CauseTimeout         Cause = "timeout"
	CauseRepositoryError Cause = "repository_error"
	CausePanic           Cause = "panic"
)

// Decision is the outcome of an authorization check. Every decision carries
// exactly one reason; client and route fields are populated on allow and on
// the deny reasons where they are known, for observability.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Cause is only set when Reason is internal_error.
	Cause Cause

	ClientID   string
	ClientName string
	RouteID    string
}

func allowPublic(routeID string) Decision {
	return Decision{Allowed: true, Reason: ReasonNoAuthRequired, RouteID: routeID}
}

func allowAuthenticated(client *store.Client, routeID string) Decision {
	return Decision{
		Allowed:    true,
		Reason:     ReasonAuthenticated,
		ClientID:   client.ID,
		ClientName: client.Name,
		RouteID:    routeID,
	}
}

func deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

func denyRoute(reason Reason, routeID string) Decision {
	return Decision{Reason: reason, RouteID: routeID}
}

func denyClient(reason Reason, client *store.Client, routeID string) Decision {
	return Decision{
		Reason:     reason,
		ClientID:   client.ID,
		ClientName: client.Name,
		RouteID:    routeID,
	}
}

func internalError(cause Cause) Decision {
	return Decision{Reason: ReasonInternalError, Cause: cause}
}
