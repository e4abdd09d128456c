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

import "strings"

const (
	HeaderAuthorization = "authorization"
	HeaderSignature     = "x-signature"
	HeaderTimestamp     = "x-timestamp"
	HeaderBodyHash      = "x-body-hash"
	HeaderClientID      = "x-client-id"

	QueryAPIKey = "api_key"

	schemeBearer = "bearer "
	schemeAPIKey = "apikey "
)

// SignatureBundle is the credential triple carried as request headers. A
// bundle is only considered present when all three values are set.
type SignatureBundle struct {
	Signature string
	Timestamp string
	BodyHash  string
}

// Credentials is the client-supplied material extracted from a request.
type Credentials struct {
	// APIKey from the Authorization header or the api_key query parameter.
	APIKey string
	// Bundle is nil when any of its three headers is missing or empty.
	Bundle *SignatureBundle
	// ClientIDHint optionally identifies the signer so the verifier can do an
	// indexed secret lookup instead of a candidate scan.
	ClientIDHint string
}

// ParseCredentials extracts credentials from the request headers and query
// parameters. Lookups are case-insensitive, tokens are opaque, and empty
// values are treated as absent. The Authorization header wins over the query
// parameter when both carry an API key.
func ParseCredentials(headers map[string]string, query map[string]string) Credentials {
	creds := Credentials{
		APIKey:       apiKeyFrom(headers, query),
		ClientIDHint: headerValue(headers, HeaderClientID),
	}

	sig := headerValue(headers, HeaderSignature)
	ts := headerValue(headers, HeaderTimestamp)
	hash := headerValue(headers, HeaderBodyHash)
	if sig != "" && ts != "" && hash != "" {
		creds.Bundle = &SignatureBundle{Signature: sig, Timestamp: ts, BodyHash: hash}
	}

	return creds
}

func apiKeyFrom(headers map[string]string, query map[string]string) string {
	if auth := headerValue(headers, HeaderAuthorization); auth != "" {
		lower := strings.ToLower(auth)
		switch {
		case strings.HasPrefix(lower, schemeBearer):
			return strings.TrimSpace(auth[len(schemeBearer):])
		case strings.HasPrefix(lower, schemeAPIKey):
			return strings.TrimSpace(auth[len(schemeAPIKey):])
		default:
			// A bare token with no scheme is accepted as an API key.
			return auth
		}
	}

	for k, v := range query {
		if strings.EqualFold(k, QueryAPIKey) && v != "" {
			return v
		}
	}
	return ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
