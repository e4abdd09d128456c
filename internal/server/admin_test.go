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

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

func newTestAdmin(t *testing.T) (*httptest.Server, store.Repository) {
	t.Helper()

	clock := &internal.Clock{NowFn: func() time.Time { return time.Unix(1_700_000_000, 0) }}
	repo := store.NewMemoryRepository(clock)
	admin := NewAdminServer(&internal.ServiceConfig{AdminListenAddress: ":0"}, func() store.Repository { return repo })

	ts := httptest.NewServer(admin.Handler())
	t.Cleanup(ts.Close)
	return ts, repo
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAdminRouteLifecycle(t *testing.T) {
	ts, _ := newTestAdmin(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/routes", map[string]any{
		"pattern":      "/api/users/*",
		"domain":       "api.example.com",
		"service_name": "users",
		"methods": map[string]any{
			"POST": map[string]any{"auth_required": true, "auth_type": "key"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[store.Route](t, resp)
	require.NotEmpty(t, created.ID)

	resp = doJSON(t, http.MethodGet, ts.URL+"/routes/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[store.Route](t, resp)
	require.Equal(t, "/api/users/*", got.Pattern)

	resp = doJSON(t, http.MethodGet, ts.URL+"/routes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]store.Route](t, resp), 1)

	// Invalid patterns are rejected with a 400.
	resp = doJSON(t, http.MethodPost, ts.URL+"/routes", map[string]any{
		"pattern": "no-slash",
		"domain":  "*",
		"methods": map[string]any{"GET": map[string]any{}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Duplicate (pattern, domain) pairs conflict.
	resp = doJSON(t, http.MethodPost, ts.URL+"/routes", map[string]any{
		"pattern": "/api/users/*",
		"domain":  "api.example.com",
		"methods": map[string]any{"GET": map[string]any{}},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/routes/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/routes/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminClientAndPermissionLifecycle(t *testing.T) {
	ts, _ := newTestAdmin(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/clients", map[string]any{
		"name":    "svc-one",
		"api_key": "k-abc",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	client := decode[store.Client](t, resp)
	require.Equal(t, store.StatusActive, client.Status) // defaulted

	resp = doJSON(t, http.MethodPost, ts.URL+"/routes", map[string]any{
		"pattern": "/api/orders",
		"domain":  "*",
		"methods": map[string]any{"POST": map[string]any{"auth_required": true, "auth_type": "key"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	route := decode[store.Route](t, resp)

	resp = doJSON(t, http.MethodPost, ts.URL+"/permissions", map[string]any{
		"client_id":       client.ID,
		"route_id":        route.ID,
		"allowed_methods": []string{"POST"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/permissions?client_id="+client.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]store.Permission](t, resp), 1)

	// Suspend the client through an update.
	client.Status = store.StatusSuspended
	resp = doJSON(t, http.MethodPut, ts.URL+"/clients/"+client.ID, client)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[store.Client](t, resp)
	require.Equal(t, store.StatusSuspended, updated.Status)

	// Permissions referencing unknown entities are rejected.
	resp = doJSON(t, http.MethodPost, ts.URL+"/permissions", map[string]any{
		"client_id":       "missing",
		"route_id":        route.ID,
		"allowed_methods": []string{"POST"},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/permissions/"+client.ID+"/"+route.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Deleting the client is idempotent on its permissions.
	resp = doJSON(t, http.MethodDelete, ts.URL+"/clients/"+client.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}
