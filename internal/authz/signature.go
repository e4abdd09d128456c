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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tetratelabs/telemetry"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

var (
	// ErrInvalidSignature is returned when no candidate secret produces the
	// supplied signature, when the bundle is malformed, or when a previously
	// observed signature is replayed.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrSignatureExpired is returned when the signature timestamp falls
	// outside the freshness window.
	ErrSignatureExpired = errors.New("signature expired")
	// ErrBodyTampered is returned when the body digest does not match the
	// signed body hash.
	ErrBodyTampered = errors.New("body tampered")
)

// BodyHash returns the lowercase hex SHA-256 digest of the request body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString serializes the signed request components: four fields
// separated by single newline bytes, no trailing newline. METHOD is
// uppercased; PATH is used exactly as the adapter supplied it.
func CanonicalString(method, path, timestamp, bodyHash string) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + bodyHash
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of the canonical
// string under the given shared secret.
func ComputeSignature(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// constantTimeEqual compares two hex strings without short-circuiting on the
// first differing byte. Unequal lengths fail immediately.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}

// Signer produces the signature bundle headers for a request. It is the
// client half of the protocol, used by tests and client SDKs.
type Signer struct {
	ClientID string
	Secret   string
	Clock    *internal.Clock
}

// Sign returns the headers that authenticate the given request data at the
// signer's current clock time.
func (s *Signer) Sign(method, path string, body []byte) map[string]string {
	clock := s.Clock
	if clock == nil {
		clock = &internal.Clock{}
	}
	ts := strconv.FormatInt(clock.Now().Unix(), 10)
	hash := BodyHash(body)

	headers := map[string]string{
		HeaderSignature: ComputeSignature(s.Secret, CanonicalString(method, path, ts, hash)),
		HeaderTimestamp: ts,
		HeaderBodyHash:  hash,
	}
	if s.ClientID != "" {
		headers[HeaderClientID] = s.ClientID
	}
	return headers
}

// Verifier validates signature bundles against candidate shared secrets.
type Verifier struct {
	log       telemetry.Logger
	clock     *internal.Clock
	tolerance time.Duration
	replay    ReplayCache
}

// NewVerifier creates a Verifier with the given freshness tolerance. A nil
// replay cache disables replay detection.
func NewVerifier(clock *internal.Clock, tolerance time.Duration, replay ReplayCache) *Verifier {
	if tolerance <= 0 {
		tolerance = internal.DefaultSignatureTolerance
	}
	return &Verifier{
		log:       internal.Logger(internal.Authz).With("component", "verifier"),
		clock:     clock,
		tolerance: tolerance,
		replay:    replay,
	}
}

// Verify checks the bundle against each candidate secret and returns the
// first candidate for which the signature, the timestamp, and the body
// digest all check out.
//
// Failure ordering is part of the contract: the signature comparison comes
// first, then freshness, then body integrity, so a caller missing the secret
// learns nothing about which of its inputs is wrong.
func (v *Verifier) Verify(
	ctx context.Context,
	method, path string,
	body []byte,
	bundle *SignatureBundle,
	candidates []store.SecretCandidate,
) (store.SecretCandidate, error) {
	log := v.log.Context(ctx)

	if _, err := strconv.ParseInt(bundle.Timestamp, 10, 64); err != nil {
		log.Debug("malformed timestamp", "timestamp", bundle.Timestamp)
		return store.SecretCandidate{}, ErrInvalidSignature
	}

	// The signature covers the hash the client sent, not the recomputed one:
	// body integrity is a separate check so tampering is attributed correctly.
	signed := CanonicalString(method, path, bundle.Timestamp, strings.ToLower(bundle.BodyHash))

	for _, c := range candidates {
		expected := ComputeSignature(c.Secret, signed)
		if !constantTimeEqual(strings.ToLower(bundle.Signature), expected) {
			continue
		}

		if err := v.checkFreshness(bundle.Timestamp); err != nil {
			log.Debug("stale signature", "client-id", c.ClientID, "timestamp", bundle.Timestamp)
			return store.SecretCandidate{}, err
		}

		if !constantTimeEqual(strings.ToLower(bundle.BodyHash), BodyHash(body)) {
			log.Debug("body digest mismatch", "client-id", c.ClientID)
			return store.SecretCandidate{}, ErrBodyTampered
		}

		if v.replay != nil {
			seen, err := v.replay.Observe(ctx, bundle.Signature)
			if err != nil {
				return store.SecretCandidate{}, err
			}
			if seen {
				log.Debug("signature replayed", "client-id", c.ClientID)
				return store.SecretCandidate{}, ErrInvalidSignature
			}
		}

		return c, nil
	}

	return store.SecretCandidate{}, ErrInvalidSignature
}

func (v *Verifier) checkFreshness(timestamp string) error {
	ts, _ := strconv.ParseInt(timestamp, 10, 64)
	now := v.clock.Now().Unix()
	delta := now - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > v.tolerance {
		return ErrSignatureExpired
	}
	return nil
}
