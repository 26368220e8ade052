// Copyright 2021 Google LLC
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

// Package metrics holds the Prometheus collectors of the measurement jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	TypeSource    = "source"
	TypeTrigger   = "trigger"
	TypeEvent     = "event"
	TypeAggregate = "aggregate"
)

var (
	// Registration metrics
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_registrations_total",
			Help: "Total number of fetched registrations",
		},
		[]string{"type", "result"},
	)

	FakeReportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "measurement_fake_reports_total",
			Help: "Total number of fake event reports created by randomized response",
		},
	)

	// Attribution metrics
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_triggers_total",
			Help: "Total number of processed triggers by final status",
		},
		[]string{"status"},
	)

	ReportsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_reports_created_total",
			Help: "Total number of reports created by attribution",
		},
		[]string{"type"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "measurement_rate_limited_triggers_total",
			Help: "Total number of triggers dropped by the attribution rate limit",
		},
	)

	// Delivery metrics
	ReportsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_reports_delivered_total",
			Help: "Total number of report delivery attempts",
		},
		[]string{"type", "result"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "measurement_delivery_duration_seconds",
			Help:    "Duration of report delivery requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Key metrics
	KeyFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_key_fetches_total",
			Help: "Total number of encryption key lookups",
		},
		[]string{"result"},
	)

	// Collector metrics
	CollectedReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_collected_reports_total",
			Help: "Total number of reports received by the collector",
		},
		[]string{"type", "result"},
	)
)
