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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmazzahacks/api-gatekeeper/internal/authz"
)

// Metrics aggregates the decision counters exposed on the health listener's
// /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	faults   *prometheus.CounterVec
}

// NewMetrics creates and registers the authorization metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_auth_requests_total",
			Help: "Authorization decisions by result, reason and method.",
		}, []string{"result", "reason", "method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_auth_duration_seconds",
			Help:    "Time spent evaluating authorization decisions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_auth_errors_total",
			Help: "Authorization system faults by cause.",
		}, []string{"cause"}),
	}
	m.registry.MustRegister(m.requests, m.duration, m.faults)
	return m
}

// ObserveDecision records a decision outcome.
func (m *Metrics) ObserveDecision(decision authz.Decision, method string) {
	if m == nil {
		return
	}
	result := "denied"
	if decision.Allowed {
		result = "allowed"
	}
	m.requests.WithLabelValues(result, string(decision.Reason), method).Inc()
	if decision.Reason == authz.ReasonInternalError {
		m.faults.WithLabelValues(string(decision.Cause)).Inc()
	}
}

// ObserveDecisionDuration records a decision outcome and how long it took.
func (m *Metrics) ObserveDecisionDuration(decision authz.Decision, method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ObserveDecision(decision, method)
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler exposes the metrics registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
