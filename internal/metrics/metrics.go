// Copyright 2025 Tom Barlow
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

// Package metrics holds the Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_tool_calls_total",
			Help: "Total execute_command calls by target kind and outcome",
		},
		[]string{"target", "outcome"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shellgate_command_duration_seconds",
			Help:    "Duration of executed commands",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		},
		[]string{"target"},
	)

	policyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_policy_rejections_total",
			Help: "Total commands rejected by the filter, by stage",
		},
		[]string{"source"},
	)

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellgate_sessions_active",
		Help: "Number of live sessions",
	})

	sessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_sessions_evicted_total",
			Help: "Total sessions removed, by reason",
		},
		[]string{"reason"},
	)

	poolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shellgate_pool_connections",
			Help: "Pooled SSH connections by state",
		},
		[]string{"state"},
	)

	poolWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shellgate_pool_wait_seconds",
		Help:    "Time spent waiting to borrow a pooled connection",
		Buckets: prometheus.DefBuckets,
	})

	poolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellgate_pool_exhausted_total",
		Help: "Total borrows that gave up waiting for capacity",
	})

	rpcMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_rpc_messages_total",
			Help: "Total protocol envelopes by binding and method",
		},
		[]string{"binding", "method"},
	)

	auditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellgate_audit_dropped_total",
		Help: "Total audit records dropped because the buffer was full",
	})
)

// RecordToolCall records the outcome of one tool invocation. outcome is
// "ok", "nonzero" or an error type.
func RecordToolCall(targetKind, outcome string) {
	toolCalls.WithLabelValues(targetKind, outcome).Inc()
}

// ObserveCommand records the duration of an executed command.
func ObserveCommand(targetKind string, seconds float64) {
	commandDuration.WithLabelValues(targetKind).Observe(seconds)
}

// RecordRejection counts a filter rejection.
func RecordRejection(source string) {
	policyRejections.WithLabelValues(source).Inc()
}

// SetSessions sets the live session gauge.
func SetSessions(n int) {
	sessionsActive.Set(float64(n))
}

// RecordEviction counts removed sessions ("idle" or "reset").
func RecordEviction(reason string, n int) {
	if n > 0 {
		sessionsEvicted.WithLabelValues(reason).Add(float64(n))
	}
}

// SetPoolConnections sets the pooled connection gauges.
func SetPoolConnections(idle, active int) {
	poolConnections.WithLabelValues("idle").Set(float64(idle))
	poolConnections.WithLabelValues("active").Set(float64(active))
}

// ObservePoolWait records how long a borrow waited.
func ObservePoolWait(seconds float64, exhausted bool) {
	poolWait.Observe(seconds)
	if exhausted {
		poolExhausted.Inc()
	}
}

// RecordRPC counts one protocol envelope.
func RecordRPC(binding, method string) {
	rpcMessages.WithLabelValues(binding, method).Inc()
}

// RecordAuditDropped counts one dropped audit record.
func RecordAuditDropped() {
	auditDropped.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
