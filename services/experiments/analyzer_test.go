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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var analysisNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func arm(id string, exposures, conversions int64) Variant {
	return Variant{
		ID:              id,
		Name:            id,
		Weight:          0.5,
		IsControl:       id == "control",
		IsActive:        true,
		Exposures:       exposures,
		Conversions:     conversions,
		GoalConversions: map[string]int64{"purchase": conversions},
	}
}

func analysisFixture(variants ...Variant) *Test {
	return &Test{
		ID:                "fixture",
		Name:              "fixture",
		Status:            StatusRunning,
		TrafficAllocation: TrafficAllocation{Strategy: StrategyEqual, RolloutPercentage: 100},
		PrimaryGoal: Goal{
			ID:                      "purchase",
			Type:                    GoalConversion,
			Direction:               DirectionIncrease,
			MinimumDetectableEffect: 0.05,
		},
		MinimumSampleSize: 100,
		Statistics: StatisticalConfig{
			Method:          MethodFrequentist,
			Correction:      CorrectionNone,
			ConfidenceLevel: 0.95,
			Power:           0.8,
		},
		Variants: variants,
	}
}

func analyze(test *Test) *Results {
	return NewAnalyzer(0, func() time.Time { return analysisNow }).Analyze(test, nil)
}

func TestAnalyzer_ControlWithoutExposures(t *testing.T) {
	res := analyze(analysisFixture(arm("control", 0, 0), arm("treatment", 500, 50)))

	assert.Equal(t, ResultInsufficientData, res.Status)
	assert.Empty(t, res.Goals)
	assert.Contains(t, res.Quality.Warnings, "control variant has no exposures")
}

func TestAnalyzer_ConversionComparison(t *testing.T) {
	res := analyze(analysisFixture(arm("control", 1000, 100), arm("treatment", 1000, 150)))

	require.Equal(t, ResultSignificant, res.Status)
	c := res.PrimaryGoal().Comparisons[0]
	assert.InDelta(t, 3.3806, c.Statistic, 1e-3)
	assert.InDelta(t, 0.000723, c.PValue, 1e-5)
	assert.InDelta(t, 50.0, c.PercentChange, 1e-9)
	assert.Equal(t, EffectNegligible, c.EffectCategory)
	assert.True(t, c.PracticallySignificant)
	assert.Zero(t, c.ProbabilityToBeat, "only reported for bayesian tests")
	assert.Equal(t, GoalMet, res.PrimaryGoal().Status)
	assert.Equal(t, "treatment", res.PrimaryGoal().BestVariantID)
}

func TestAnalyzer_Bayesian(t *testing.T) {
	test := analysisFixture(arm("control", 1000, 100), arm("treatment", 1000, 150))
	test.Statistics.Method = MethodBayesian

	c := analyze(test).PrimaryGoal().Comparisons[0]
	assert.Greater(t, c.ProbabilityToBeat, 0.99)
}

func TestAnalyzer_HolmCorrection(t *testing.T) {
	test := analysisFixture(
		arm("control", 1000, 100),
		arm("strong", 1000, 150),
		arm("weak", 1000, 125),
		arm("flat", 1000, 100),
	)
	test.Statistics.Correction = CorrectionHolm

	primary := analyze(test).PrimaryGoal()
	require.Len(t, primary.Comparisons, 3)
	byID := map[string]Comparison{}
	for _, c := range primary.Comparisons {
		byID[c.VariantID] = c
	}

	assert.InDelta(t, 0.05/3, byID["strong"].AdjustedAlpha, 1e-9)
	assert.True(t, byID["strong"].Significant)
	assert.InDelta(t, 0.05/2, byID["weak"].AdjustedAlpha, 1e-9)
	assert.False(t, byID["weak"].Significant)
	assert.Zero(t, byID["flat"].AdjustedAlpha)
	assert.False(t, byID["flat"].Significant)
}

func TestAnalyzer_BonferroniCorrection(t *testing.T) {
	test := analysisFixture(
		arm("control", 1000, 100),
		arm("strong", 1000, 150),
		arm("weak", 1000, 125),
	)
	test.Statistics.Correction = CorrectionBonferroni

	for _, c := range analyze(test).PrimaryGoal().Comparisons {
		assert.InDelta(t, 0.025, c.AdjustedAlpha, 1e-9)
	}
}

func TestAnalyzer_SignificantRegression(t *testing.T) {
	res := analyze(analysisFixture(arm("control", 1000, 150), arm("treatment", 1000, 100)))

	assert.Equal(t, ResultSignificant, res.Status)
	primary := res.PrimaryGoal()
	assert.Equal(t, GoalNotMet, primary.Status)
	assert.Empty(t, primary.BestVariantID)

	recs := NewRecommender(RecommenderConfig{}).Recommend(analysisFixture(), res)
	assert.Equal(t, ActionContinue, recs[0].Action)
	assert.Equal(t, "treatment", recs[0].VariantID)
}

func TestAnalyzer_SampleRatioMismatch(t *testing.T) {
	test := analysisFixture(arm("control", 600, 60), arm("treatment", 400, 40))
	res := analyze(test)

	assert.True(t, res.Quality.SampleRatioMismatch)
	assert.InDelta(t, 40.0, res.Quality.SRMChiSquare, 1e-9)
	assert.Less(t, res.Quality.SRMPValue, SRMThreshold)

	recs := NewRecommender(RecommenderConfig{}).Recommend(test, res)
	require.Len(t, recs, 2)
	assert.Equal(t, ActionContinue, recs[0].Action)
	assert.Equal(t, ActionStop, recs[1].Action)
	assert.Equal(t, PriorityHigh, recs[1].Priority)
}

func TestAnalyzer_SampleRatioRespectsWeights(t *testing.T) {
	control := arm("control", 600, 60)
	control.Weight = 0.6
	treatment := arm("treatment", 400, 40)
	treatment.Weight = 0.4
	test := analysisFixture(control, treatment)
	test.TrafficAllocation.Strategy = StrategyWeighted

	res := analyze(test)
	assert.False(t, res.Quality.SampleRatioMismatch)
	assert.InDelta(t, 0, res.Quality.SRMChiSquare, 1e-9)
}

func TestAnalyzer_SampleRatioSkippedForAdaptive(t *testing.T) {
	for _, s := range []Strategy{StrategyAdaptive, StrategyBandit} {
		test := analysisFixture(arm("control", 900, 90), arm("treatment", 100, 10))
		test.TrafficAllocation.Strategy = s

		res := analyze(test)
		assert.False(t, res.Quality.SampleRatioMismatch, s)
		assert.Equal(t, 1.0, res.Quality.SRMPValue, s)
	}
}

func TestAnalyzer_EarlyPeek(t *testing.T) {
	test := analysisFixture(arm("control", 500, 50), arm("treatment", 500, 50))
	ends := analysisNow.Add(72 * time.Hour)
	test.EndsAt = &ends

	assert.True(t, analyze(test).Quality.EarlyPeek)

	test.Status = StatusCompleted
	assert.False(t, analyze(test).Quality.EarlyPeek)
}

func TestAnalyzer_MaximumReachedStops(t *testing.T) {
	test := analysisFixture(arm("control", 1000, 100), arm("treatment", 1000, 102))
	test.MaximumSampleSize = 2000

	res := analyze(test)
	assert.True(t, res.Quality.MaximumReached)
	assert.Equal(t, ResultInconclusive, res.Status)
	assert.Contains(t, res.Quality.Underpowered, "treatment")

	recs := NewRecommender(RecommenderConfig{}).Recommend(test, res)
	require.Len(t, recs, 2)
	assert.Equal(t, ActionStop, recs[1].Action)
	assert.Equal(t, PriorityLow, recs[1].Priority)
}

func TestAnalyzer_MetricGoalNeedsData(t *testing.T) {
	test := analysisFixture(arm("control", 500, 50), arm("treatment", 500, 50))
	test.SecondaryGoals = []Goal{{ID: "revenue", Type: GoalMetric, MetricName: "order_value", Direction: DirectionIncrease}}

	res := analyze(test)
	require.Len(t, res.Goals, 2)
	assert.Empty(t, res.Goals[1].Comparisons, "no aggregates recorded")
	assert.Equal(t, GoalInconclusive, res.Goals[1].Status)
}

func TestRecommender_LaunchSteps(t *testing.T) {
	test := analysisFixture(arm("control", 5000, 500), arm("treatment", 5000, 700))
	res := analyze(test)

	recs := NewRecommender(RecommenderConfig{RolloutSteps: []int{5, 25, 100}, StepDays: 3}).Recommend(test, res)
	require.NotEmpty(t, recs)
	launch := recs[0]
	require.Equal(t, ActionLaunch, launch.Action)
	assert.Equal(t, []string{
		"Roll out treatment to 5% of traffic",
		"After 3 days without regression, increase to 25%",
		"After 3 days without regression, increase to 100%",
		"Complete the test once the rollout reaches all users",
	}, launch.Steps)
	assert.InDelta(t, 0.10, launch.EstimatedImpact.Baseline, 1e-9)
	assert.InDelta(t, 0.14, launch.EstimatedImpact.Projected, 1e-9)
	assert.InDelta(t, 40.0, launch.EstimatedImpact.RelativeChange, 1e-9)
	assert.Less(t, launch.EstimatedImpact.ProjectedLower, launch.EstimatedImpact.Projected)
	assert.Greater(t, launch.EstimatedImpact.ProjectedUpper, launch.EstimatedImpact.Projected)
}
