// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiments

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for engine operations.
var (
	tracer = otel.Tracer("aleutian.experiments")
	meter  = otel.Meter("aleutian.experiments")
)

// Metrics for engine operations.
var (
	assignmentsTotal metric.Int64Counter
	eventsTotal      metric.Int64Counter
	transitionsTotal metric.Int64Counter
	analyzeLatency   metric.Float64Histogram
	analyzeShared    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		assignmentsTotal, err = meter.Int64Counter(
			"experiments_assignments_total",
			metric.WithDescription("Assignment requests by strategy and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsTotal, err = meter.Int64Counter(
			"experiments_events_total",
			metric.WithDescription("Tracked events by type and whether they were accepted"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transitionsTotal, err = meter.Int64Counter(
			"experiments_transitions_total",
			metric.WithDescription("Lifecycle transition attempts by target status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeLatency, err = meter.Float64Histogram(
			"experiments_analyze_duration_seconds",
			metric.WithDescription("Duration of test analysis"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeShared, err = meter.Int64Counter(
			"experiments_analyze_shared_total",
			metric.WithDescription("Analyze calls served by an analysis already in flight"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// Assignment outcomes reported on experiments_assignments_total.
const (
	outcomeAssigned    = "assigned"
	outcomeSticky      = "sticky"
	outcomeUnknownTest = "unknown_test"
	outcomeNotRunning  = "not_running"
	outcomeNotTargeted = "not_targeted"
	outcomeExcluded    = "excluded"
	outcomeRollout     = "rollout"
	outcomeNoVariants  = "no_active_variants"
	outcomeStoreError  = "store_error"
)

func recordAssignment(ctx context.Context, strategy Strategy, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	assignmentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("outcome", outcome),
	))
}

func recordEvent(ctx context.Context, typ EventType, accepted bool) {
	if err := initMetrics(); err != nil {
		return
	}
	eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(typ)),
		attribute.Bool("accepted", accepted),
	))
}

func recordTransition(ctx context.Context, to Status, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(to)),
		attribute.Bool("success", ok),
	))
}

func recordAnalysis(ctx context.Context, duration time.Duration, status ResultStatus) {
	if err := initMetrics(); err != nil {
		return
	}
	analyzeLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}

func recordSharedAnalysis(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	analyzeShared.Add(ctx, 1)
}
