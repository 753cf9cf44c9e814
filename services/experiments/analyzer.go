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
	"time"
)

// Analysis defaults.
const (
	DefaultConfidenceLevel    = 0.95
	DefaultTargetPower        = 0.8
	DefaultPracticalThreshold = 5.0

	// SRMThreshold is the chi-square p-value below which the observed
	// traffic split is flagged as a sample ratio mismatch.
	SRMThreshold = 0.001
)

// Analyzer computes Results from a snapshot of a test and its metrics.
//
// Thread Safety: Safe for concurrent use. Analyze never mutates its inputs.
type Analyzer struct {
	practicalThreshold float64
	clock              func() time.Time
}

// NewAnalyzer creates an analyzer.
//
// Inputs:
//   - practicalThreshold: Absolute percent change treated as practically
//     significant when a test does not set its own. Values <= 0 use
//     DefaultPracticalThreshold.
//   - clock: Time source. Nil uses time.Now.
func NewAnalyzer(practicalThreshold float64, clock func() time.Time) *Analyzer {
	if practicalThreshold <= 0 {
		practicalThreshold = DefaultPracticalThreshold
	}
	if clock == nil {
		clock = time.Now
	}
	return &Analyzer{practicalThreshold: practicalThreshold, clock: clock}
}

// analysisParams are the resolved statistical settings of one test.
type analysisParams struct {
	confidence  float64
	alpha       float64
	targetPower float64
	threshold   float64
	correction  Correction
	bayesian    bool
}

func (a *Analyzer) params(test *Test) analysisParams {
	p := analysisParams{
		confidence:  test.Statistics.ConfidenceLevel,
		targetPower: test.Statistics.Power,
		threshold:   test.Statistics.PracticalThreshold,
		correction:  test.Statistics.Correction,
		bayesian:    test.Statistics.Method == MethodBayesian,
	}
	if p.confidence <= 0 || p.confidence >= 1 {
		p.confidence = DefaultConfidenceLevel
	}
	if p.targetPower <= 0 || p.targetPower >= 1 {
		p.targetPower = DefaultTargetPower
	}
	if p.threshold <= 0 {
		p.threshold = a.practicalThreshold
	}
	p.alpha = 1 - p.confidence
	return p
}

// Analyze runs every comparison of the test against its control.
//
// Description:
//
//	When total exposures are below the test's minimum sample size, or the
//	control has no exposures, the result has status insufficient_data and
//	no comparisons. Otherwise every goal is evaluated for every treatment
//	variant with exposures, power is estimated for the primary goal, and
//	the status is significant when any primary comparison is.
//
// Inputs:
//   - test: Snapshot of the test. Not modified.
//   - metrics: Aggregates of the test, used by metric goals.
//
// Outputs:
//   - *Results: Never nil.
func (a *Analyzer) Analyze(test *Test, metrics []*MetricData) *Results {
	now := a.clock()
	p := a.params(test)

	res := &Results{
		TestID:         test.ID,
		Status:         ResultInconclusive,
		AnalyzedAt:     now,
		TotalExposures: test.TotalExposures(),
		Confidence:     p.confidence,
		Variants:       summarizeVariants(test),
		Power:          PowerAnalysis{TargetPower: p.targetPower},
	}
	res.Quality = qualityChecks(test, now)

	control := test.Control()
	if control == nil || control.Exposures == 0 || res.TotalExposures == 0 ||
		res.TotalExposures < test.MinimumSampleSize {
		res.Status = ResultInsufficientData
		if res.TotalExposures < test.MinimumSampleSize {
			res.Quality.Warnings = append(res.Quality.Warnings,
				fmt.Sprintf("%d exposures collected, %d required before analysis", res.TotalExposures, test.MinimumSampleSize))
		} else {
			res.Quality.Warnings = append(res.Quality.Warnings, "control variant has no exposures")
		}
		return res
	}

	index := make(map[metricKey]*MetricData, len(metrics))
	for _, m := range metrics {
		index[metricKey{m.VariantID, m.Name}] = m
	}

	for i, goal := range test.Goals() {
		res.Goals = append(res.Goals, a.evaluateGoal(test, goal, i == 0, control, index, p))
	}

	primary := res.PrimaryGoal()
	res.Power = powerAnalysis(test.PrimaryGoal, primary, p)
	if res.Power.RequiredSampleSize > 0 {
		for _, v := range test.Variants {
			if v.IsActive && v.Exposures < res.Power.RequiredSampleSize {
				res.Quality.Underpowered = append(res.Quality.Underpowered, v.ID)
			}
		}
	}

	if primary != nil {
		for _, c := range primary.Comparisons {
			if c.Significant {
				res.Status = ResultSignificant
				break
			}
		}
	}
	return res
}

func summarizeVariants(test *Test) []VariantSummary {
	out := make([]VariantSummary, len(test.Variants))
	for i := range test.Variants {
		v := &test.Variants[i]
		out[i] = VariantSummary{
			VariantID:      v.ID,
			Name:           v.Name,
			IsControl:      v.IsControl,
			IsActive:       v.IsActive,
			Exposures:      v.Exposures,
			Impressions:    v.Impressions,
			Conversions:    v.Conversions,
			ConversionRate: v.ConversionRate(),
		}
	}
	return out
}

// goalConversions returns the distinct converting users of v for goal.
func goalConversions(v *Variant, goalID string, primary bool) int64 {
	if primary {
		return v.Conversions
	}
	return v.GoalConversions[goalID]
}

func (a *Analyzer) evaluateGoal(test *Test, goal Goal, primary bool, control *Variant, metrics map[metricKey]*MetricData, p analysisParams) GoalResult {
	gr := GoalResult{GoalID: goal.ID, Primary: primary, Status: GoalInconclusive}

	for i := range test.Variants {
		v := &test.Variants[i]
		if v.IsControl || v.Exposures == 0 {
			continue
		}
		var (
			c  Comparison
			ok bool
		)
		if goal.Type == GoalMetric {
			c, ok = compareMetric(goal, control, v, metrics, p)
		} else {
			c, ok = compareConversion(goal, primary, control, v, p)
		}
		if ok {
			gr.Comparisons = append(gr.Comparisons, c)
		}
	}

	pValues := make([]float64, len(gr.Comparisons))
	for i := range gr.Comparisons {
		pValues[i] = gr.Comparisons[i].PValue
	}
	thresholds := adjustedAlphas(pValues, p.alpha, p.correction)

	bestEffect := math.Inf(-1)
	anyNotMet := false
	for i := range gr.Comparisons {
		c := &gr.Comparisons[i]
		c.AdjustedAlpha = thresholds[i]
		c.Significant = c.PValue < thresholds[i]
		c.PracticallySignificant = math.Abs(c.PercentChange) > p.threshold
		c.Status = comparisonStatus(goal, c)

		switch c.Status {
		case GoalMet:
			gr.Status = GoalMet
		case GoalNotMet:
			anyNotMet = true
		}
		if effect := directionalEffect(goal, c); c.Significant && effect > 0 && effect > bestEffect {
			bestEffect = effect
			gr.BestVariantID = c.VariantID
		}
	}
	if gr.Status != GoalMet && anyNotMet {
		gr.Status = GoalNotMet
	}
	return gr
}

func compareConversion(goal Goal, primary bool, control, v *Variant, p analysisParams) (Comparison, bool) {
	x1 := goalConversions(control, goal.ID, primary)
	x2 := goalConversions(v, goal.ID, primary)
	zt, err := TwoProportionZTest(x1, control.Exposures, x2, v.Exposures, p.confidence)
	if err != nil {
		return Comparison{}, false
	}
	c := Comparison{
		GoalID:           goal.ID,
		ControlID:        control.ID,
		VariantID:        v.ID,
		ControlSamples:   control.Exposures,
		TreatmentSamples: v.Exposures,
		ControlValue:     zt.ControlRate,
		TreatmentValue:   zt.TreatmentRate,
		Difference:       zt.Difference,
		PercentChange:    zt.PercentChange,
		Interval:         zt.Interval,
		Statistic:        zt.Z,
		PValue:           zt.PValue,
		CohensD:          zt.CohensD,
		HedgesG:          zt.HedgesG,
		EffectCategory:   CategorizeEffect(zt.CohensD),
		Power:            ObservedPower(zt.CohensD, control.Exposures, v.Exposures, p.confidence),
	}
	if p.bayesian {
		c.ProbabilityToBeat = ProbabilityToBeatControl(x1, control.Exposures, x2, v.Exposures)
	}
	return c, true
}

func compareMetric(goal Goal, control, v *Variant, metrics map[metricKey]*MetricData, p analysisParams) (Comparison, bool) {
	cm, ok := metrics[metricKey{control.ID, goal.MetricName}]
	if !ok {
		return Comparison{}, false
	}
	tm, ok := metrics[metricKey{v.ID, goal.MetricName}]
	if !ok {
		return Comparison{}, false
	}
	wt, err := WelchTTest(cm.Summary(), tm.Summary(), p.confidence)
	if err != nil {
		return Comparison{}, false
	}
	return Comparison{
		GoalID:           goal.ID,
		ControlID:        control.ID,
		VariantID:        v.ID,
		ControlSamples:   cm.Count,
		TreatmentSamples: tm.Count,
		ControlValue:     cm.Mean,
		TreatmentValue:   tm.Mean,
		Difference:       wt.Difference,
		PercentChange:    wt.PercentChange,
		Interval:         wt.Interval,
		Statistic:        wt.T,
		PValue:           wt.PValue,
		CohensD:          wt.CohensD,
		HedgesG:          wt.HedgesG,
		EffectCategory:   CategorizeEffect(wt.CohensD),
		Power:            ObservedPower(wt.CohensD, cm.Count, tm.Count, p.confidence),
	}, true
}

// directionalEffect is the relative change in the goal's desired direction.
func directionalEffect(goal Goal, c *Comparison) float64 {
	effect := c.PercentChange / 100
	if goal.Direction == DirectionDecrease {
		effect = -effect
	}
	return effect
}

// comparisonStatus is met when significant with an effect at least the
// goal's minimum detectable effect, not_met when significant otherwise.
func comparisonStatus(goal Goal, c *Comparison) GoalStatus {
	if !c.Significant {
		return GoalInconclusive
	}
	effect := directionalEffect(goal, c)
	if effect > 0 && effect >= goal.MinimumDetectableEffect {
		return GoalMet
	}
	return GoalNotMet
}

func powerAnalysis(goal Goal, gr *GoalResult, p analysisParams) PowerAnalysis {
	pa := PowerAnalysis{TargetPower: p.targetPower}
	if gr == nil || len(gr.Comparisons) == 0 {
		return pa
	}

	c := &gr.Comparisons[0]
	for i := range gr.Comparisons {
		cand := &gr.Comparisons[i]
		if cand.VariantID == gr.BestVariantID {
			c = cand
			break
		}
		if math.Abs(cand.CohensD) > math.Abs(c.CohensD) {
			c = cand
		}
	}

	pa.ObservedPower = c.Power
	pa.EffectSize = c.CohensD
	pa.CurrentSampleSize = min(c.ControlSamples, c.TreatmentSamples)

	if goal.Type == GoalMetric {
		d := c.CohensD
		if goal.MinimumDetectableEffect > 0 && c.ControlValue != 0 && c.CohensD != 0 {
			// Convert the relative MDE to a standardized effect using the
			// observed ratio of difference to d.
			sd := math.Abs(c.Difference / c.CohensD)
			d = goal.MinimumDetectableEffect * math.Abs(c.ControlValue) / sd
		}
		pa.RequiredSampleSize = requiredSampleSizeForEffect(d, p.confidence, p.targetPower)
	} else {
		p1 := c.ControlValue
		p2 := c.TreatmentValue
		if goal.MinimumDetectableEffect > 0 {
			if goal.Direction == DirectionDecrease {
				p2 = p1 * (1 - goal.MinimumDetectableEffect)
			} else {
				p2 = math.Min(p1*(1+goal.MinimumDetectableEffect), 1)
			}
		}
		pa.RequiredSampleSize = RequiredSampleSize(p1, p2, p.confidence, p.targetPower)
	}
	pa.Adequate = pa.RequiredSampleSize > 0 && pa.CurrentSampleSize >= pa.RequiredSampleSize
	return pa
}

// requiredSampleSizeForEffect is the per-group size for a two-sample test
// of standardized effect d.
func requiredSampleSizeForEffect(d, confidence, power float64) int64 {
	if d == 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	z := zAlpha(confidence) + zBeta(power)
	return int64(math.Ceil(2 * z * z / (d * d)))
}

// qualityChecks flags sample ratio mismatch, early peeking and exhausted
// sample budgets.
func qualityChecks(test *Test, now time.Time) QualityChecks {
	q := QualityChecks{SRMPValue: 1}

	strategy := test.TrafficAllocation.Strategy
	if strategy == "" || strategy == StrategyEqual || strategy == StrategyWeighted {
		var observed []int64
		var weights []float64
		for _, v := range test.ActiveVariants() {
			observed = append(observed, v.Exposures)
			if strategy == StrategyWeighted {
				weights = append(weights, v.Weight)
			} else {
				weights = append(weights, 1)
			}
		}
		q.SRMChiSquare, q.SRMPValue = SampleRatioMismatch(observed, weights)
		if q.SRMPValue < SRMThreshold {
			q.SampleRatioMismatch = true
			q.Warnings = append(q.Warnings,
				fmt.Sprintf("traffic split deviates from allocation (chi2=%.2f, p=%.5f)", q.SRMChiSquare, q.SRMPValue))
		}
	}

	if test.Status == StatusRunning && test.EndsAt != nil && now.Before(*test.EndsAt) {
		q.EarlyPeek = true
		q.Warnings = append(q.Warnings, "analysis requested before the planned end date")
	}

	if test.MaximumSampleSize > 0 && test.TotalExposures() >= test.MaximumSampleSize {
		q.MaximumReached = true
		q.Warnings = append(q.Warnings, "maximum sample size reached")
	}
	return q
}
