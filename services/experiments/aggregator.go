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
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// DefaultWindowSize is the number of points kept per metric time series.
const DefaultWindowSize = 1000

// Aggregator maintains streaming statistics per (test, variant, metric).
//
// Description:
//
//	Mean and variance use Welford's online algorithm over every value ever
//	recorded. The time series keeps the most recent WindowSize points
//	with oldest-first eviction, and percentiles are computed exactly over
//	that window.
//
// Thread Safety: Record must be serialized per test. The Registry holds the
// test's write lock while recording.
type Aggregator struct {
	store  MetricStore
	window int
	clock  func() time.Time
}

// NewAggregator creates an aggregator backed by store.
//
// Inputs:
//   - store: Where aggregates are loaded from and saved to. Must not be nil.
//   - window: Time series capacity. Values <= 0 use DefaultWindowSize.
//   - clock: Time source. Nil uses time.Now.
//
// Outputs:
//   - *Aggregator: The new aggregator. Never nil.
func NewAggregator(store MetricStore, window int, clock func() time.Time) *Aggregator {
	if window <= 0 {
		window = DefaultWindowSize
	}
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{store: store, window: window, clock: clock}
}

// WindowSize returns the time series capacity.
func (a *Aggregator) WindowSize() int {
	return a.window
}

// Record adds one value to the aggregate of a variant's metric.
//
// Outputs:
//   - *MetricData: A copy of the updated aggregate.
//   - error: Non-nil if the value is not finite or the store fails.
func (a *Aggregator) Record(ctx context.Context, testID, variantID, name string, value float64) (*MetricData, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("metric %q: value must be finite", name)
	}

	data, err := a.store.GetMetric(ctx, testID, variantID, name)
	if errors.Is(err, ErrNotFound) {
		data = &MetricData{TestID: testID, VariantID: variantID, Name: name}
	} else if err != nil {
		return nil, fmt.Errorf("loading metric %q: %w", name, err)
	}

	data.add(value, a.clock(), a.window)

	if err := a.store.SaveMetric(ctx, data); err != nil {
		return nil, fmt.Errorf("saving metric %q: %w", name, err)
	}
	return data.Clone(), nil
}

// add folds value into the aggregate.
func (m *MetricData) add(value float64, at time.Time, window int) {
	m.Count++
	m.Sum += value

	delta := value - m.Mean
	m.Mean += delta / float64(m.Count)
	m.M2 += delta * (value - m.Mean)

	if m.Count > 1 {
		m.Variance = m.M2 / float64(m.Count-1)
	} else {
		m.Variance = 0
	}
	m.StdDev = math.Sqrt(m.Variance)

	if m.Count == 1 || value < m.Min {
		m.Min = value
	}
	if m.Count == 1 || value > m.Max {
		m.Max = value
	}

	m.TimeSeries = append(m.TimeSeries, MetricPoint{Timestamp: at, Value: value})
	if over := len(m.TimeSeries) - window; over > 0 {
		m.TimeSeries = slices.Delete(m.TimeSeries, 0, over)
	}

	sorted := make([]float64, len(m.TimeSeries))
	for i, p := range m.TimeSeries {
		sorted[i] = p.Value
	}
	slices.Sort(sorted)
	m.P50 = percentile(sorted, 50)
	m.P90 = percentile(sorted, 90)
	m.P95 = percentile(sorted, 95)
	m.P99 = percentile(sorted, 99)
	m.LastUpdated = at
}

// Summary returns the moments used by WelchTTest.
func (m *MetricData) Summary() SummaryStats {
	return SummaryStats{N: m.Count, Mean: m.Mean, Variance: m.Variance}
}

// percentile interpolates linearly between order statistics of a sorted
// slice at index p/100*(n-1).
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
