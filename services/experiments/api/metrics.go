// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	apiSubsystem     = "experiments_api"
)

// HTTP metrics, registered with the default Prometheus registry on package
// initialization.
var (
	// requestsTotal counts requests by route template, method and status.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: apiSubsystem,
			Name:      "requests_total",
			Help:      "Total HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	// requestDuration measures handler latency by route template.
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: apiSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"route", "method"},
	)

	// inflightRequests tracks requests being served.
	inflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: apiSubsystem,
			Name:      "inflight_requests",
			Help:      "HTTP requests currently being served",
		},
	)

	// rateLimitedTotal counts requests rejected by the ingestion limiter.
	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: apiSubsystem,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the event ingestion rate limiter",
		},
		[]string{"route"},
	)
)
