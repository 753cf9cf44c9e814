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
	"fmt"
	"math"
	"slices"
	"strings"
)

// -----------------------------------------------------------------------------
// Recommendation Types
// -----------------------------------------------------------------------------

// Action is the suggested next step for a test.
type Action string

const (
	// ActionLaunch rolls the winning variant out to all traffic.
	ActionLaunch Action = "launch"

	// ActionContinue keeps the test running to collect more data.
	ActionContinue Action = "continue"

	// ActionStop ends the test without a launch.
	ActionStop Action = "stop"
)

// Priority orders recommendations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Impact projects the primary metric under a full rollout of VariantID.
type Impact struct {
	Metric         string  `json:"metric"`
	VariantID      string  `json:"variant_id,omitempty"`
	Baseline       float64 `json:"baseline"`
	Projected      float64 `json:"projected"`
	AbsoluteChange float64 `json:"absolute_change"`
	RelativeChange float64 `json:"relative_change_percent"`

	// ProjectedLower and ProjectedUpper apply the confidence interval of
	// the difference to the baseline.
	ProjectedLower float64 `json:"projected_lower"`
	ProjectedUpper float64 `json:"projected_upper"`
}

// Recommendation is an actionable verdict derived from Results.
type Recommendation struct {
	Action    Action   `json:"action"`
	Priority  Priority `json:"priority"`
	VariantID string   `json:"variant_id,omitempty"`
	Title     string   `json:"title"`
	Rationale string   `json:"rationale"`

	// Confidence is 1 - p of the supporting comparison.
	Confidence      float64  `json:"confidence"`
	Steps           []string `json:"steps"`
	RollbackTrigger string   `json:"rollback_trigger,omitempty"`
	RiskFactors     []string `json:"risk_factors"`
	EstimatedImpact Impact   `json:"estimated_impact"`
}

// Summary renders the recommendation for humans.
func (r *Recommendation) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s\n", r.Priority, r.Action, r.Title)
	fmt.Fprintf(&b, "Confidence: %.2f%%\n", r.Confidence*100)
	fmt.Fprintf(&b, "Rationale: %s\n", r.Rationale)
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  - %s\n", s)
	}
	if r.RollbackTrigger != "" {
		fmt.Fprintf(&b, "Rollback: %s\n", r.RollbackTrigger)
	}
	fmt.Fprintf(&b, "Risks: %s\n", strings.Join(r.RiskFactors, "; "))
	fmt.Fprintf(&b, "Impact: %s %.4f -> %.4f (%+.2f%%)",
		r.EstimatedImpact.Metric, r.EstimatedImpact.Baseline,
		r.EstimatedImpact.Projected, r.EstimatedImpact.RelativeChange)
	return b.String()
}

// -----------------------------------------------------------------------------
// Recommender
// -----------------------------------------------------------------------------

// RecommenderConfig configures rollout advice.
type RecommenderConfig struct {
	// RolloutSteps are the traffic percentages of a staged launch.
	// Default: 10, 50, 100
	RolloutSteps []int

	// StepDays is the soak time between rollout steps.
	// Default: 2
	StepDays int
}

// DefaultRecommenderConfig returns sensible defaults.
func DefaultRecommenderConfig() RecommenderConfig {
	return RecommenderConfig{RolloutSteps: []int{10, 50, 100}, StepDays: 2}
}

// Recommender turns Results into ranked recommendations.
//
// Thread Safety: Safe for concurrent use (stateless).
type Recommender struct {
	config RecommenderConfig
}

// NewRecommender creates a recommender. Zero fields of config use defaults.
func NewRecommender(config RecommenderConfig) *Recommender {
	def := DefaultRecommenderConfig()
	if len(config.RolloutSteps) == 0 {
		config.RolloutSteps = def.RolloutSteps
	}
	if config.StepDays <= 0 {
		config.StepDays = def.StepDays
	}
	return &Recommender{config: config}
}

// Recommend returns the launch or continue verdict first, followed by any
// stop recommendations raised by quality checks.
//
// Description:
//
//	A met and significant primary goal yields launch at high priority with a
//	staged rollout and a rollback trigger. Anything else yields continue at
//	medium priority. A sample ratio mismatch adds a high priority stop, and
//	an exhausted sample budget without significance adds a low priority
//	stop. Every recommendation carries at least one risk factor and an
//	impact projection for the primary metric.
//
// Inputs:
//   - test: The analyzed test. Must not be nil.
//   - results: Output of Analyzer.Analyze. Must not be nil.
//
// Outputs:
//   - []Recommendation: At least one recommendation.
func (r *Recommender) Recommend(test *Test, results *Results) []Recommendation {
	if results.Status == ResultUnavailable {
		return []Recommendation{{
			Action:      ActionContinue,
			Priority:    PriorityMedium,
			Title:       "Analysis unavailable",
			Rationale:   "The test could not be loaded from storage, so no decision can be made.",
			Steps:       []string{"Check the storage backend", "Retry the analysis"},
			RiskFactors: slices.Clone(results.Quality.Warnings),
		}}
	}
	primary := results.PrimaryGoal()

	var recs []Recommendation
	if primary != nil && primary.Status == GoalMet && primary.BestVariantID != "" {
		recs = append(recs, r.launch(test, results, primary))
	} else {
		recs = append(recs, r.extend(test, results, primary))
	}

	if results.Quality.SampleRatioMismatch {
		recs = append(recs, Recommendation{
			Action:     ActionStop,
			Priority:   PriorityHigh,
			Title:      "Investigate traffic allocation",
			Rationale:  fmt.Sprintf("Observed split deviates from the configured allocation (p=%.5f); results may be biased.", results.Quality.SRMPValue),
			Confidence: 1 - results.Quality.SRMPValue,
			Steps: []string{
				"Pause the test",
				"Audit assignment and exposure logging for dropped or duplicated users",
				"Restart with a fresh test once the cause is fixed",
			},
			RiskFactors:     []string{"Sample ratio mismatch invalidates comparisons between variants"},
			EstimatedImpact: r.baselineImpact(test, results, primary),
		})
	}

	if results.Quality.MaximumReached && results.Status != ResultSignificant {
		conf := 0.0
		if c := bestComparison(primary); c != nil {
			conf = 1 - c.PValue
		}
		recs = append(recs, Recommendation{
			Action:     ActionStop,
			Priority:   PriorityLow,
			Title:      "Stop without a winner",
			Rationale:  fmt.Sprintf("Maximum sample size of %d reached without a significant primary result.", test.MaximumSampleSize),
			Confidence: conf,
			Steps: []string{
				"Complete the test and keep the control",
				"Revisit the hypothesis or the minimum detectable effect",
			},
			RiskFactors:     []string{"A real but small effect may remain undetected"},
			EstimatedImpact: r.baselineImpact(test, results, primary),
		})
	}
	return recs
}

func (r *Recommender) launch(test *Test, results *Results, primary *GoalResult) Recommendation {
	c := comparisonFor(primary, primary.BestVariantID)
	impact := projectImpact(test, c)

	steps := make([]string, 0, len(r.config.RolloutSteps)+1)
	for i, pct := range r.config.RolloutSteps {
		if i == 0 {
			steps = append(steps, fmt.Sprintf("Roll out %s to %d%% of traffic", c.VariantID, pct))
			continue
		}
		steps = append(steps, fmt.Sprintf("After %d days without regression, increase to %d%%", r.config.StepDays, pct))
	}
	steps = append(steps, "Complete the test once the rollout reaches all users")

	risks := []string{"Novelty effects can fade after full rollout"}
	if results.Quality.EarlyPeek {
		risks = append(risks, "Analyzed before the planned end date; early results overstate effects")
	}
	if !results.Power.Adequate {
		risks = append(risks, fmt.Sprintf("Observed power %.0f%% is below the %.0f%% target", results.Power.ObservedPower*100, results.Power.TargetPower*100))
	}
	for _, g := range results.Goals {
		if g.Primary {
			continue
		}
		if sc := comparisonFor(&g, c.VariantID); sc != nil && sc.Significant && sc.Status == GoalNotMet {
			risks = append(risks, fmt.Sprintf("Secondary goal %s moved against its target", g.GoalID))
		}
	}

	return Recommendation{
		Action:    ActionLaunch,
		Priority:  PriorityHigh,
		VariantID: c.VariantID,
		Title:     fmt.Sprintf("Launch %s", c.VariantID),
		Rationale: fmt.Sprintf("%s changed %s by %+.2f%% (p=%.4f, d=%.3f %s).",
			c.VariantID, primary.GoalID, c.PercentChange, c.PValue, c.CohensD, c.EffectCategory),
		Confidence: 1 - c.PValue,
		Steps:      steps,
		RollbackTrigger: fmt.Sprintf("Roll back if %s falls below %.4f, the lower bound of the %.0f%% interval",
			primary.GoalID, c.ControlValue+c.Interval.Lower, c.Interval.Level*100),
		RiskFactors:     risks,
		EstimatedImpact: impact,
	}
}

func (r *Recommender) extend(test *Test, results *Results, primary *GoalResult) Recommendation {
	c := bestComparison(primary)

	rec := Recommendation{
		Action:          ActionContinue,
		Priority:        PriorityMedium,
		Title:           "Continue collecting data",
		EstimatedImpact: r.baselineImpact(test, results, primary),
	}

	switch {
	case results.Status == ResultInsufficientData:
		rec.Rationale = fmt.Sprintf("Only %d of %d required exposures collected.", results.TotalExposures, test.MinimumSampleSize)
		if results.TotalExposures >= test.MinimumSampleSize {
			rec.Rationale = "The control variant has no exposures yet."
		}
		rec.RiskFactors = append(rec.RiskFactors, "Insufficient sample size; any observed difference may be noise")
	case c == nil:
		rec.Rationale = "No treatment variant could be compared with the control yet."
		rec.RiskFactors = append(rec.RiskFactors, "Treatment variants have no usable data")
	case c.Significant:
		rec.VariantID = c.VariantID
		rec.Confidence = 1 - c.PValue
		rec.Rationale = fmt.Sprintf("%s differs significantly (p=%.4f) but misses the goal's minimum detectable effect.", c.VariantID, c.PValue)
		rec.RiskFactors = append(rec.RiskFactors, "Effect is below the minimum that justifies a launch")
	default:
		rec.VariantID = c.VariantID
		rec.Confidence = 1 - c.PValue
		rec.Rationale = fmt.Sprintf("Best candidate %s is not significant yet (p=%.4f).", c.VariantID, c.PValue)
		rec.RiskFactors = append(rec.RiskFactors, "Stopping now risks a false negative")
	}

	if need := results.Power.RequiredSampleSize - results.Power.CurrentSampleSize; results.Power.RequiredSampleSize > 0 && need > 0 {
		rec.Steps = append(rec.Steps, fmt.Sprintf("Collect about %d more users per variant", need))
	} else {
		rec.Steps = append(rec.Steps, "Keep the test running until the planned end date")
	}
	if results.Quality.EarlyPeek {
		rec.RiskFactors = append(rec.RiskFactors, "Repeated peeking before the planned end inflates false positives")
	}
	return rec
}

// baselineImpact projects the most promising treatment, or the control when
// there is none.
func (r *Recommender) baselineImpact(test *Test, results *Results, primary *GoalResult) Impact {
	if c := bestComparison(primary); c != nil {
		return projectImpact(test, c)
	}
	base := 0.0
	for _, v := range results.Variants {
		if v.IsControl {
			base = v.ConversionRate
		}
	}
	return Impact{
		Metric:         impactMetric(test),
		Baseline:       base,
		Projected:      base,
		ProjectedLower: base,
		ProjectedUpper: base,
	}
}

func projectImpact(test *Test, c *Comparison) Impact {
	return Impact{
		Metric:         impactMetric(test),
		VariantID:      c.VariantID,
		Baseline:       c.ControlValue,
		Projected:      c.TreatmentValue,
		AbsoluteChange: c.Difference,
		RelativeChange: c.PercentChange,
		ProjectedLower: c.ControlValue + c.Interval.Lower,
		ProjectedUpper: c.ControlValue + c.Interval.Upper,
	}
}

func impactMetric(test *Test) string {
	if test.PrimaryGoal.Type == GoalMetric {
		return test.PrimaryGoal.MetricName
	}
	return test.PrimaryGoal.ID + ".conversion_rate"
}

func comparisonFor(g *GoalResult, variantID string) *Comparison {
	if g == nil {
		return nil
	}
	for i := range g.Comparisons {
		if g.Comparisons[i].VariantID == variantID {
			return &g.Comparisons[i]
		}
	}
	return nil
}

// bestComparison returns the best variant's comparison, else the one with
// the smallest p-value.
func bestComparison(g *GoalResult) *Comparison {
	if g == nil || len(g.Comparisons) == 0 {
		return nil
	}
	if c := comparisonFor(g, g.BestVariantID); c != nil {
		return c
	}
	best := &g.Comparisons[0]
	for i := range g.Comparisons {
		if g.Comparisons[i].PValue < best.PValue ||
			(g.Comparisons[i].PValue == best.PValue && math.Abs(g.Comparisons[i].CohensD) > math.Abs(best.CohensD)) {
			best = &g.Comparisons[i]
		}
	}
	return best
}
