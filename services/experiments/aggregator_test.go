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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
	"pgregory.net/rapid"
)

func fixedClock() func() time.Time {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestAggregator_MatchesDirectComputation(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	agg := NewAggregator(stores.Metrics, 0, fixedClock())

	a := []float64{12.5, 3, 7.25, 19, 0.5, 8, 8, 11.75}
	b := []float64{100, 101, 99.5, 98, 102.25}

	// Interleave the two variants.
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			_, err := agg.Record(ctx, "t1", "control", "latency", a[i])
			require.NoError(t, err)
		}
		if i < len(b) {
			_, err := agg.Record(ctx, "t1", "treatment", "latency", b[i])
			require.NoError(t, err)
		}
	}

	for variant, values := range map[string][]float64{"control": a, "treatment": b} {
		m, err := stores.Metrics.GetMetric(ctx, "t1", variant, "latency")
		require.NoError(t, err)

		assert.Equal(t, int64(len(values)), m.Count, variant)
		assert.InDelta(t, stat.Mean(values, nil), m.Mean, 1e-9, variant)
		assert.InDelta(t, stat.Variance(values, nil), m.Variance, 1e-9, variant)
		assert.InDelta(t, math.Sqrt(stat.Variance(values, nil)), m.StdDev, 1e-9, variant)

		var sum float64
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range values {
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		assert.InDelta(t, sum, m.Sum, 1e-9, variant)
		assert.Equal(t, lo, m.Min, variant)
		assert.Equal(t, hi, m.Max, variant)
	}
}

func TestAggregator_StreamingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		values := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), 2, 200).Draw(rt, "values")
		window := rapid.IntRange(1, 50).Draw(rt, "window")

		stores := NewMemoryStores()
		agg := NewAggregator(stores.Metrics, window, fixedClock())
		var m *MetricData
		for _, v := range values {
			var err error
			m, err = agg.Record(context.Background(), "t", "v", "x", v)
			require.NoError(rt, err)
		}

		mean, variance := stat.MeanVariance(values, nil)
		tol := func(want float64) float64 { return 1e-9 * math.Max(1, math.Abs(want)) }
		assert.Equal(rt, int64(len(values)), m.Count)
		assert.InDelta(rt, mean, m.Mean, tol(mean))
		assert.InDelta(rt, variance, m.Variance, tol(variance)*float64(len(values)))
		assert.LessOrEqual(rt, len(m.TimeSeries), window)
	})
}

func TestAggregator_WindowEviction(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	agg := NewAggregator(stores.Metrics, 5, fixedClock())

	for i := 1; i <= 8; i++ {
		_, err := agg.Record(ctx, "t1", "v", "m", float64(i))
		require.NoError(t, err)
	}

	m, err := stores.Metrics.GetMetric(ctx, "t1", "v", "m")
	require.NoError(t, err)

	require.Len(t, m.TimeSeries, 5)
	assert.Equal(t, 4.0, m.TimeSeries[0].Value, "oldest points are evicted first")
	assert.Equal(t, 8.0, m.TimeSeries[4].Value)

	// Moments still cover every value; percentiles only the window.
	assert.Equal(t, int64(8), m.Count)
	assert.InDelta(t, 4.5, m.Mean, 1e-12)
	assert.Equal(t, 1.0, m.Min)
	assert.InDelta(t, 6.0, m.P50, 1e-12)
}

func TestAggregator_Percentiles(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	agg := NewAggregator(stores.Metrics, 0, fixedClock())

	var last *MetricData
	for i := 10; i >= 1; i-- {
		var err error
		last, err = agg.Record(ctx, "t1", "v", "m", float64(i))
		require.NoError(t, err)
	}

	// Sorted 1..10, index = p/100*9.
	assert.InDelta(t, 5.5, last.P50, 1e-12)
	assert.InDelta(t, 9.1, last.P90, 1e-12)
	assert.InDelta(t, 9.55, last.P95, 1e-12)
	assert.InDelta(t, 9.91, last.P99, 1e-12)
}

func TestAggregator_RejectsNonFinite(t *testing.T) {
	agg := NewAggregator(NewMemoryStores().Metrics, 0, nil)
	_, err := agg.Record(context.Background(), "t1", "v", "m", math.NaN())
	assert.Error(t, err)
	_, err = agg.Record(context.Background(), "t1", "v", "m", math.Inf(1))
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, 7.0, percentile([]float64{7}, 99))
	assert.InDelta(t, 2.5, percentile([]float64{1, 2, 3, 4}, 50), 1e-12)
	assert.Equal(t, 4.0, percentile([]float64{1, 2, 3, 4}, 100))
	assert.Equal(t, 1.0, percentile([]float64{1, 2, 3, 4}, 0))
}
