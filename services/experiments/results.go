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
	"slices"
	"time"
)

// ResultStatus is the overall verdict of an analysis.
type ResultStatus string

const (
	ResultSignificant      ResultStatus = "significant"
	ResultInsufficientData ResultStatus = "insufficient_data"
	ResultInconclusive     ResultStatus = "inconclusive"

	// ResultUnavailable means the test exists but could not be read from
	// storage. Goals and power are empty; Quality carries the cause.
	ResultUnavailable ResultStatus = "unavailable"
)

// GoalStatus is the evaluation of one goal.
type GoalStatus string

const (
	GoalMet          GoalStatus = "met"
	GoalNotMet       GoalStatus = "not_met"
	GoalInconclusive GoalStatus = "inconclusive"
)

// VariantSummary is a point-in-time view of a variant's counters.
type VariantSummary struct {
	VariantID      string  `json:"variant_id"`
	Name           string  `json:"name"`
	IsControl      bool    `json:"is_control"`
	IsActive       bool    `json:"is_active"`
	Exposures      int64   `json:"exposures"`
	Impressions    int64   `json:"impressions"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Comparison is the result of comparing one treatment variant against the
// control for one goal.
type Comparison struct {
	GoalID           string `json:"goal_id"`
	ControlID        string `json:"control_id"`
	VariantID        string `json:"variant_id"`
	ControlSamples   int64  `json:"control_samples"`
	TreatmentSamples int64  `json:"treatment_samples"`

	// ControlValue and TreatmentValue are conversion rates for conversion
	// goals and means for metric goals.
	ControlValue   float64 `json:"control_value"`
	TreatmentValue float64 `json:"treatment_value"`

	// Difference is TreatmentValue - ControlValue.
	Difference    float64            `json:"difference"`
	PercentChange float64            `json:"percent_change"`
	Interval      ConfidenceInterval `json:"confidence_interval"`

	// Statistic is z for conversion goals and Welch's t for metric goals.
	Statistic     float64 `json:"statistic"`
	PValue        float64 `json:"p_value"`
	AdjustedAlpha float64 `json:"adjusted_alpha"`
	Significant   bool    `json:"significant"`

	CohensD                float64        `json:"cohens_d"`
	HedgesG                float64        `json:"hedges_g"`
	EffectCategory         EffectCategory `json:"effect_category"`
	PracticallySignificant bool           `json:"practically_significant"`
	Power                  float64        `json:"power"`

	// ProbabilityToBeat is only reported for conversion goals under the
	// bayesian method.
	ProbabilityToBeat float64 `json:"probability_to_beat_control,omitempty"`

	// Status is the goal evaluation of this single comparison.
	Status GoalStatus `json:"status"`
}

// GoalResult aggregates the comparisons of one goal.
type GoalResult struct {
	GoalID      string       `json:"goal_id"`
	Primary     bool         `json:"primary"`
	Status      GoalStatus   `json:"status"`
	Comparisons []Comparison `json:"comparisons"`

	// BestVariantID is the treatment with the most favorable significant
	// comparison, empty when none is significant.
	BestVariantID string `json:"best_variant_id,omitempty"`
}

// PowerAnalysis summarizes power for the primary goal.
type PowerAnalysis struct {
	ObservedPower float64 `json:"observed_power"`
	TargetPower   float64 `json:"target_power"`
	EffectSize    float64 `json:"effect_size"`

	// RequiredSampleSize is per variant. Zero when no effect can be sized.
	RequiredSampleSize int64 `json:"required_sample_size"`

	// CurrentSampleSize is the smallest exposure count among compared
	// variants.
	CurrentSampleSize int64 `json:"current_sample_size"`
	Adequate          bool  `json:"adequate"`
}

// QualityChecks reports conditions that undermine trust in the results.
type QualityChecks struct {
	SampleRatioMismatch bool     `json:"sample_ratio_mismatch"`
	SRMChiSquare        float64  `json:"srm_chi_square"`
	SRMPValue           float64  `json:"srm_p_value"`
	EarlyPeek           bool     `json:"early_peek"`
	Underpowered        []string `json:"underpowered_variants,omitempty"`
	MaximumReached      bool     `json:"maximum_sample_reached"`
	Warnings            []string `json:"warnings,omitempty"`
}

// Results is the output of AnalyzeTest.
type Results struct {
	TestID         string           `json:"test_id"`
	Status         ResultStatus     `json:"status"`
	AnalyzedAt     time.Time        `json:"analyzed_at"`
	TotalExposures int64            `json:"total_exposures"`
	Confidence     float64          `json:"confidence_level"`
	Variants       []VariantSummary `json:"variants"`
	Goals          []GoalResult     `json:"goals"`
	Power          PowerAnalysis    `json:"power"`
	Quality        QualityChecks    `json:"quality"`
}

// PrimaryGoal returns the result for the primary goal, or nil.
func (r *Results) PrimaryGoal() *GoalResult {
	for i := range r.Goals {
		if r.Goals[i].Primary {
			return &r.Goals[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *Results) Clone() *Results {
	if r == nil {
		return nil
	}
	c := *r
	c.Variants = slices.Clone(r.Variants)
	c.Goals = make([]GoalResult, len(r.Goals))
	for i, g := range r.Goals {
		g.Comparisons = slices.Clone(g.Comparisons)
		c.Goals[i] = g
	}
	c.Quality.Underpowered = slices.Clone(r.Quality.Underpowered)
	c.Quality.Warnings = slices.Clone(r.Quality.Warnings)
	return &c
}
