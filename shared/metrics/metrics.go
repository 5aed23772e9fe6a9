// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics contains the Prometheus counters exported by the attribution and aggregation
// storage layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RateLimitDecisions  *prometheus.CounterVec
	RateLimitSweeps     prometheus.Counter
	RandomizedResponses *prometheus.CounterVec
	ReportSends         *prometheus.CounterVec
	DatabaseRazes       *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attribution_rate_limit_decisions_total",
				Help: "Rate-limit checks by check and result",
			},
			[]string{"check", "result"}, // result: allowed, not_allowed, error
		),
		RateLimitSweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attribution_rate_limit_sweeps_total",
				Help: "Expired rate-limit sweeps run before an insert",
			},
		),
		RandomizedResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attribution_randomized_response_total",
				Help: "Randomized response draws by source type and outcome",
			},
			[]string{"source_type", "outcome"}, // outcome: noised, unchanged, disabled, rejected
		),
		ReportSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregation_report_sends_total",
				Help: "Aggregatable report send attempts by outcome",
			},
			[]string{"outcome"}, // outcome: succeeded, rescheduled, dropped
		),
		DatabaseRazes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_database_razes_total",
				Help: "Databases razed because their schema was newer than supported",
			},
			[]string{"database"},
		),
	}
}

// RecordRateLimit counts one rate-limit decision.
func (m *Metrics) RecordRateLimit(check, result string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(check, result).Inc()
}

// RecordSweep counts one expiry sweep.
func (m *Metrics) RecordSweep() {
	if m == nil {
		return
	}
	m.RateLimitSweeps.Inc()
}

// RecordRandomizedResponse counts one randomized response outcome.
func (m *Metrics) RecordRandomizedResponse(sourceType, outcome string) {
	if m == nil {
		return
	}
	m.RandomizedResponses.WithLabelValues(sourceType, outcome).Inc()
}

// RecordReportSend counts one aggregatable report send outcome.
func (m *Metrics) RecordReportSend(outcome string) {
	if m == nil {
		return
	}
	m.ReportSends.WithLabelValues(outcome).Inc()
}

// RecordRaze counts one razed database.
func (m *Metrics) RecordRaze(database string) {
	if m == nil {
		return
	}
	m.DatabaseRazes.WithLabelValues(database).Inc()
}
