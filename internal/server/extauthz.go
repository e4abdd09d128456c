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
	"context"
	"net/url"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/tetratelabs/telemetry"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/jmazzahacks/api-gatekeeper/internal"
	"github.com/jmazzahacks/api-gatekeeper/internal/authz"
)

// ExtAuthZFilter adapts the Envoy ext_authz check protocol to the
// authorization engine, so Envoy deployments can consult the gatekeeper the
// same way nginx does over the subrequest endpoint.
type ExtAuthZFilter struct {
	log        telemetry.Logger
	authorizer authz.Decider
	metrics    *Metrics
}

// NewExtAuthZFilter creates a new ExtAuthZFilter.
func NewExtAuthZFilter(authorizer authz.Decider, metrics *Metrics) *ExtAuthZFilter {
	return &ExtAuthZFilter{
		log:        internal.Logger(internal.Authz).With("adapter", "ext_authz"),
		authorizer: authorizer,
		metrics:    metrics,
	}
}

// Register the ExtAuthZFilter with the given gRPC server.
func (e *ExtAuthZFilter) Register(server *grpc.Server) {
	envoy.RegisterAuthorizationServer(server, e)
}

// Check is the implementation of the Envoy AuthorizationServer interface.
func (e *ExtAuthZFilter) Check(ctx context.Context, req *envoy.CheckRequest) (*envoy.CheckResponse, error) {
	http := req.GetAttributes().GetRequest().GetHttp()

	request := authz.Request{
		Domain:  stripPort(http.GetHost()),
		Path:    http.GetPath(),
		Method:  http.GetMethod(),
		Headers: http.GetHeaders(),
		Query:   queryOf(http.GetPath()),
		Body:    []byte(http.GetBody()),
	}

	decision := e.authorizer.Authorize(ctx, request)
	e.metrics.ObserveDecision(decision, request.Method)

	log := e.log.Context(ctx)
	log.Debug("check evaluated", "allowed", decision.Allowed, "reason", decision.Reason)

	if decision.Allowed {
		return &envoy.CheckResponse{
			Status: &status.Status{Code: int32(codes.OK)},
			HttpResponse: &envoy.CheckResponse_OkResponse{
				OkResponse: &envoy.OkHttpResponse{
					Headers: identityHeaders(decision),
				},
			},
		}, nil
	}

	httpStatus := typev3.StatusCode_Forbidden
	if decision.Reason == authz.ReasonInternalError {
		httpStatus = typev3.StatusCode_InternalServerError
	}

	return &envoy.CheckResponse{
		Status: &status.Status{Code: int32(codes.PermissionDenied), Message: string(decision.Reason)},
		HttpResponse: &envoy.CheckResponse_DeniedResponse{
			DeniedResponse: &envoy.DeniedHttpResponse{
				Status: &typev3.HttpStatus{Code: httpStatus},
				Body:   string(decision.Reason),
			},
		},
	}, nil
}

// identityHeaders renders the client identification headers forwarded to the
// backend on allowed requests.
func identityHeaders(decision authz.Decision) []*corev3.HeaderValueOption {
	var headers []*corev3.HeaderValueOption
	add := func(key, value string) {
		if value == "" {
			return
		}
		headers = append(headers, &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{Key: key, Value: value},
		})
	}
	add(HeaderAuthClientID, decision.ClientID)
	add(HeaderAuthClientName, decision.ClientName)
	add(HeaderAuthRouteID, decision.RouteID)
	return headers
}

// stripPort lowercases the request host and removes any :port suffix.
func stripPort(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

// queryOf extracts the query parameters from a request URI. Multi-valued
// parameters keep their first value.
func queryOf(uri string) map[string]string {
	_, rawQuery, found := strings.Cut(uri, "?")
	if !found || rawQuery == "" {
		return nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
