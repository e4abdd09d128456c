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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

func bundleFrom(headers map[string]string) *SignatureBundle {
	return &SignatureBundle{
		Signature: headers[HeaderSignature],
		Timestamp: headers[HeaderTimestamp],
		BodyHash:  headers[HeaderBodyHash],
	}
}

func TestCanonicalString(t *testing.T) {
	// Four fields, single newline separators, no trailing newline.
	got := CanonicalString("post", "/api/secure", "1700000000", "abc")
	require.Equal(t, "POST\n/api/secure\n1700000000\nabc", got)
}

func TestSignatureScenario(t *testing.T) {
	// The literal S4 vectors: signer at t=1_700_000_000 over body "{}".
	secret := "s-xyz"
	body := []byte("{}")

	bodySum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(bodySum[:])

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("POST\n/api/secure\n1700000000\n" + bodyHash))
	wantSig := hex.EncodeToString(mac.Sum(nil))

	signer := &Signer{Secret: secret, Clock: frozenClock(1_700_000_000)}
	headers := signer.Sign("POST", "/api/secure", body)
	require.Equal(t, "1700000000", headers[HeaderTimestamp])
	require.Equal(t, bodyHash, headers[HeaderBodyHash])
	require.Equal(t, wantSig, headers[HeaderSignature])

	v := NewVerifier(frozenClock(1_700_000_060), 300*time.Second, nil)
	matched, err := v.Verify(context.Background(), "POST", "/api/secure", body, bundleFrom(headers),
		[]store.SecretCandidate{{ClientID: "C2", Secret: secret}})
	require.NoError(t, err)
	require.Equal(t, "C2", matched.ClientID)
}

func TestVerifyRoundTrip(t *testing.T) {
	const signedAt = int64(1_700_000_000)
	candidates := []store.SecretCandidate{{ClientID: "C1", Secret: "topsecret"}}

	sign := func(method, path string, body []byte) *SignatureBundle {
		signer := &Signer{Secret: "topsecret", Clock: frozenClock(signedAt)}
		return bundleFrom(signer.Sign(method, path, body))
	}

	tests := []struct {
		name    string
		now     int64
		mutate  func(b *SignatureBundle)
		body    []byte
		wantErr error
	}{
		{name: "fresh", now: signedAt + 10},
		{name: "boundary of the window", now: signedAt + 300},
		{name: "verifier clock behind signer", now: signedAt - 120},
		{name: "expired", now: signedAt + 301, wantErr: ErrSignatureExpired},
		{name: "replayed from the past", now: signedAt + 400, wantErr: ErrSignatureExpired},
		{
			name:    "flipped signature bit",
			now:     signedAt + 10,
			mutate:  func(b *SignatureBundle) { b.Signature = flipHexNibble(b.Signature) },
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "truncated signature fails the length pre-check",
			now:     signedAt + 10,
			mutate:  func(b *SignatureBundle) { b.Signature = b.Signature[:32] },
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "malformed timestamp",
			now:     signedAt + 10,
			mutate:  func(b *SignatureBundle) { b.Timestamp = "yesterday" },
			wantErr: ErrInvalidSignature,
		},
		{
			// Body corrupted after signing, headers intact: the signature
			// still covers the transmitted hash, so the failure is
			// attributed to the body.
			name:    "tampered body with unchanged headers",
			now:     signedAt + 10,
			body:    []byte(`{"evil":true}`),
			wantErr: ErrBodyTampered,
		},
		{
			// Body and hash both rewritten without the secret: the
			// signature no longer covers the transmitted hash.
			name: "tampered body with recomputed hash",
			now:  signedAt + 10,
			mutate: func(b *SignatureBundle) {
				b.BodyHash = BodyHash([]byte(`{"evil":true}`))
			},
			body:    []byte(`{"evil":true}`),
			wantErr: ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"ok":true}`)
			bundle := sign("POST", "/v1/orders", body)
			if tt.mutate != nil {
				tt.mutate(bundle)
			}
			if tt.body != nil {
				body = tt.body
			}

			v := NewVerifier(frozenClock(tt.now), 300*time.Second, nil)
			matched, err := v.Verify(context.Background(), "POST", "/v1/orders", body, bundle, candidates)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "C1", matched.ClientID)
		})
	}
}

func TestVerifyBodyTampered(t *testing.T) {
	// The body is rewritten after signing while the bundle headers stay
	// intact: the signature still matches the transmitted (original) hash,
	// so the failure is attributed to the body.
	const signedAt = int64(1_700_000_000)
	signer := &Signer{Secret: "topsecret", Clock: frozenClock(signedAt)}
	headers := signer.Sign("POST", "/v1/orders", []byte("original"))

	tampered := []byte("tampered")
	bundle := bundleFrom(headers)

	// Re-sign the canonical string with the original body hash under the
	// right secret so the signature check passes and the body check fails.
	bundle.BodyHash = BodyHash([]byte("original"))
	bundle.Signature = ComputeSignature("topsecret",
		CanonicalString("POST", "/v1/orders", bundle.Timestamp, bundle.BodyHash))

	v := NewVerifier(frozenClock(signedAt+5), 300*time.Second, nil)
	_, err := v.Verify(context.Background(), "POST", "/v1/orders", tampered, bundle,
		[]store.SecretCandidate{{ClientID: "C1", Secret: "topsecret"}})
	require.ErrorIs(t, err, ErrBodyTampered)
}

func TestVerifyCandidateScan(t *testing.T) {
	const signedAt = int64(1_700_000_000)
	candidates := []store.SecretCandidate{
		{ClientID: "C1", Secret: "alpha"},
		{ClientID: "C2", Secret: "bravo"},
		{ClientID: "C3", Secret: "charlie"},
	}

	signer := &Signer{Secret: "bravo", Clock: frozenClock(signedAt)}
	bundle := bundleFrom(signer.Sign("GET", "/v1/ping", nil))

	v := NewVerifier(frozenClock(signedAt+1), 300*time.Second, nil)

	matched, err := v.Verify(context.Background(), "GET", "/v1/ping", nil, bundle, candidates)
	require.NoError(t, err)
	require.Equal(t, "C2", matched.ClientID)

	_, err = v.Verify(context.Background(), "GET", "/v1/ping", nil, bundle, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyReplay(t *testing.T) {
	const signedAt = int64(1_700_000_000)
	clock := frozenClock(signedAt + 1)
	replay := NewMemoryReplayCache(clock, 10*time.Minute)
	v := NewVerifier(clock, 300*time.Second, replay)

	signer := &Signer{Secret: "topsecret", Clock: frozenClock(signedAt)}
	bundle := bundleFrom(signer.Sign("POST", "/v1/orders", []byte("{}")))
	candidates := []store.SecretCandidate{{ClientID: "C1", Secret: "topsecret"}}

	_, err := v.Verify(context.Background(), "POST", "/v1/orders", []byte("{}"), bundle, candidates)
	require.NoError(t, err)

	// The identical bundle observed a second time is no longer valid.
	_, err = v.Verify(context.Background(), "POST", "/v1/orders", []byte("{}"), bundle, candidates)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, constantTimeEqual("deadbeef", "deadbeef"))
	require.False(t, constantTimeEqual("deadbeef", "deadbeee"))
	require.False(t, constantTimeEqual("deadbeef", "deadbee"))
	require.False(t, constantTimeEqual("", "deadbeef"))
	require.True(t, constantTimeEqual("", ""))
}

// flipHexNibble changes the last hex character to a different valid one.
func flipHexNibble(s string) string {
	last := s[len(s)-1]
	repl := byte('0')
	if last == '0' {
		repl = '1'
	}
	return s[:len(s)-1] + string(repl)
}
