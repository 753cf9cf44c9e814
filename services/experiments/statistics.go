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
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// -----------------------------------------------------------------------------
// Normal Distribution
// -----------------------------------------------------------------------------

// Abramowitz & Stegun 7.1.26 coefficients.
const (
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
	erfP  = 0.3275911
)

// erf approximates the error function with a maximum error of 1.5e-7.
func erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x)
	t := 1.0 / (1.0 + erfP*x)
	y := 1.0 - (((((erfA5*t+erfA4)*t)+erfA3)*t+erfA2)*t+erfA1)*t*math.Exp(-x*x)
	return sign * y
}

// normalCDF returns P(Z <= x) for a standard normal Z.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + erf(x/math.Sqrt2))
}

// zAlpha returns the two-sided critical value for a confidence level.
func zAlpha(confidence float64) float64 {
	switch confidence {
	case 0.90:
		return 1.645
	case 0.95:
		return 1.96
	case 0.99:
		return 2.576
	}
	return distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
}

// zBeta returns the one-sided critical value for a target power.
func zBeta(power float64) float64 {
	switch power {
	case 0.8:
		return 0.84
	case 0.9:
		return 1.28
	}
	return distuv.UnitNormal.Quantile(power)
}

// -----------------------------------------------------------------------------
// Confidence Intervals and Effect Sizes
// -----------------------------------------------------------------------------

// ConfidenceInterval represents a statistical confidence interval.
type ConfidenceInterval struct {
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Level  float64 `json:"level"`
	Center float64 `json:"center"`
}

// Contains returns true if the interval contains the value.
func (ci ConfidenceInterval) Contains(v float64) bool {
	return v >= ci.Lower && v <= ci.Upper
}

// Width returns the interval width.
func (ci ConfidenceInterval) Width() float64 {
	return ci.Upper - ci.Lower
}

// EffectCategory categorizes effect sizes using Cohen's conventions.
type EffectCategory string

const (
	// EffectNegligible indicates |d| < 0.2
	EffectNegligible EffectCategory = "negligible"
	// EffectSmall indicates 0.2 <= |d| < 0.5
	EffectSmall EffectCategory = "small"
	// EffectMedium indicates 0.5 <= |d| < 0.8
	EffectMedium EffectCategory = "medium"
	// EffectLarge indicates |d| >= 0.8
	EffectLarge EffectCategory = "large"
)

// CategorizeEffect returns the category for a Cohen's d value.
func CategorizeEffect(d float64) EffectCategory {
	absD := math.Abs(d)
	switch {
	case absD < 0.2:
		return EffectNegligible
	case absD < 0.5:
		return EffectSmall
	case absD < 0.8:
		return EffectMedium
	default:
		return EffectLarge
	}
}

// HedgesG applies the small-sample correction to Cohen's d.
func HedgesG(d float64, n1, n2 int64) float64 {
	denom := 4*float64(n1+n2) - 9
	if denom <= 0 {
		return d
	}
	return d * (1 - 3/denom)
}

// percentChange returns the relative change from base to value in percent.
// A zero base reports +/-100 for any change and 0 otherwise.
func percentChange(base, value float64) float64 {
	diff := value - base
	if base == 0 {
		switch {
		case diff > 0:
			return 100
		case diff < 0:
			return -100
		default:
			return 0
		}
	}
	return diff / math.Abs(base) * 100
}

// -----------------------------------------------------------------------------
// Two-Proportion Z-Test
// -----------------------------------------------------------------------------

// ProportionTest is the outcome of a two-proportion z-test.
type ProportionTest struct {
	ControlRate   float64
	TreatmentRate float64
	Difference    float64
	PercentChange float64
	Z             float64
	PValue        float64
	Interval      ConfidenceInterval
	CohensD       float64
	HedgesG       float64
}

// TwoProportionZTest compares treatment conversions x2/n2 with control x1/n1.
//
// Description:
//
//	Uses the pooled proportion for the standard error of the test
//	statistic and the unpooled standard error for the confidence interval
//	of the difference. Cohen's d divides the rate difference by the pooled
//	proportion standard deviation. When both groups have identical
//	degenerate rates (all 0 or all 1) the result has z = 0 and p = 1.
//
// Inputs:
//   - x1, n1: Control conversions and exposures. n1 must be positive.
//   - x2, n2: Treatment conversions and exposures. n2 must be positive.
//   - level: Confidence level for the interval (e.g. 0.95).
//
// Outputs:
//   - *ProportionTest: The test outcome.
//   - error: ErrInsufficientSamples if either group is empty.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func TwoProportionZTest(x1, n1, x2, n2 int64, level float64) (*ProportionTest, error) {
	if n1 <= 0 || n2 <= 0 {
		return nil, ErrInsufficientSamples
	}

	fn1, fn2 := float64(n1), float64(n2)
	p1 := math.Min(float64(x1)/fn1, 1)
	p2 := math.Min(float64(x2)/fn2, 1)
	diff := p2 - p1

	pooled := (float64(x1) + float64(x2)) / (fn1 + fn2)
	pooled = math.Min(pooled, 1)

	result := &ProportionTest{
		ControlRate:   p1,
		TreatmentRate: p2,
		Difference:    diff,
		PercentChange: percentChange(p1, p2),
		PValue:        1,
	}

	se := math.Sqrt(pooled * (1 - pooled) * (1/fn1 + 1/fn2))
	if se > 0 {
		result.Z = diff / se
		result.PValue = 2 * (1 - normalCDF(math.Abs(result.Z)))
	}

	unpooled := math.Sqrt(p1*(1-p1)/fn1 + p2*(1-p2)/fn2)
	margin := zAlpha(level) * unpooled
	result.Interval = ConfidenceInterval{
		Lower:  diff - margin,
		Upper:  diff + margin,
		Level:  level,
		Center: diff,
	}

	if sd := math.Sqrt(pooled * (1 - pooled)); sd > 0 {
		result.CohensD = diff / sd
	}
	result.HedgesG = HedgesG(result.CohensD, n1, n2)

	return result, nil
}

// -----------------------------------------------------------------------------
// Welch's T-Test
// -----------------------------------------------------------------------------

// SummaryStats describes a sample by its moments.
type SummaryStats struct {
	N        int64
	Mean     float64
	Variance float64
}

// WelchResult is the outcome of Welch's t-test on summary statistics.
type WelchResult struct {
	Difference       float64
	PercentChange    float64
	T                float64
	DegreesOfFreedom float64
	PValue           float64
	Interval         ConfidenceInterval
	CohensD          float64
	HedgesG          float64
}

// WelchTTest compares the treatment mean with the control mean.
//
// Description:
//
//	Works from summary statistics so that streaming aggregates can be
//	compared without retaining every value. Degrees of freedom follow the
//	Welch-Satterthwaite equation and p-values come from Student's t.
//
// Inputs:
//   - control, treatment: Sample moments. Each N must be at least 2.
//   - level: Confidence level for the interval.
//
// Outputs:
//   - *WelchResult: The test outcome.
//   - error: ErrInsufficientSamples or ErrZeroVariance.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func WelchTTest(control, treatment SummaryStats, level float64) (*WelchResult, error) {
	if control.N < 2 || treatment.N < 2 {
		return nil, ErrInsufficientSamples
	}

	n1, n2 := float64(control.N), float64(treatment.N)
	v1, v2 := control.Variance/n1, treatment.Variance/n2

	se := math.Sqrt(v1 + v2)
	if se == 0 {
		return nil, ErrZeroVariance
	}

	diff := treatment.Mean - control.Mean
	t := diff / se

	denom := v1*v1/(n1-1) + v2*v2/(n2-1)
	if denom == 0 {
		return nil, ErrZeroVariance
	}
	df := (v1 + v2) * (v1 + v2) / denom

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	pValue := 2 * (1 - dist.CDF(math.Abs(t)))
	margin := dist.Quantile(1-(1-level)/2) * se

	result := &WelchResult{
		Difference:       diff,
		PercentChange:    percentChange(control.Mean, treatment.Mean),
		T:                t,
		DegreesOfFreedom: df,
		PValue:           math.Min(math.Max(pValue, 0), 1),
		Interval: ConfidenceInterval{
			Lower:  diff - margin,
			Upper:  diff + margin,
			Level:  level,
			Center: diff,
		},
	}

	pooledVar := ((n1-1)*control.Variance + (n2-1)*treatment.Variance) / (n1 + n2 - 2)
	if pooledVar > 0 {
		result.CohensD = diff / math.Sqrt(pooledVar)
	}
	result.HedgesG = HedgesG(result.CohensD, control.N, treatment.N)

	return result, nil
}

// -----------------------------------------------------------------------------
// Power Analysis
// -----------------------------------------------------------------------------

// ObservedPower estimates the power to detect effect size d.
//
// Description:
//
//	Uses the non-centrality parameter approximation: with harmonic mean
//	sample size nH, ncp = |d| * sqrt(nH/2), and power is the probability
//	that a normal with mean ncp falls outside the two-sided critical region.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func ObservedPower(d float64, n1, n2 int64, confidence float64) float64 {
	if n1 <= 0 || n2 <= 0 {
		return 0
	}
	fn1, fn2 := float64(n1), float64(n2)
	nHarmonic := 2 * fn1 * fn2 / (fn1 + fn2)
	ncp := math.Abs(d) * math.Sqrt(nHarmonic/2)
	z := zAlpha(confidence)
	power := (1 - normalCDF(z-ncp)) + normalCDF(-z-ncp)
	return math.Min(math.Max(power, 0), 1)
}

// RequiredSampleSize returns the per-variant sample size needed to detect a
// change from rate p1 to rate p2.
//
// Description:
//
//	n = (zα/2·sqrt(2·p̄(1−p̄)) + zβ·sqrt(p1(1−p1) + p2(1−p2)))² / (p2 − p1)²
//
// Outputs:
//   - int64: Samples per variant, or 0 when p1 == p2 or a rate is outside
//     [0, 1].
//
// Thread Safety: This function is stateless and safe for concurrent use.
func RequiredSampleSize(p1, p2, confidence, power float64) int64 {
	if p1 == p2 || p1 < 0 || p1 > 1 || p2 < 0 || p2 > 1 {
		return 0
	}
	pBar := (p1 + p2) / 2
	a := zAlpha(confidence) * math.Sqrt(2*pBar*(1-pBar))
	b := zBeta(power) * math.Sqrt(p1*(1-p1)+p2*(1-p2))
	delta := p2 - p1
	return int64(math.Ceil((a + b) * (a + b) / (delta * delta)))
}

// -----------------------------------------------------------------------------
// Quality Checks
// -----------------------------------------------------------------------------

// SampleRatioMismatch runs a chi-square goodness-of-fit test of observed
// exposure counts against the configured weights.
//
// Outputs:
//   - chi: The chi-square statistic.
//   - p: The p-value, 1 when the test cannot be run.
func SampleRatioMismatch(observed []int64, weights []float64) (chi, p float64) {
	if len(observed) < 2 || len(observed) != len(weights) {
		return 0, 1
	}
	var total int64
	var weightSum float64
	for i := range observed {
		total += observed[i]
		weightSum += weights[i]
	}
	if total == 0 || weightSum <= 0 {
		return 0, 1
	}

	k := 0
	for i := range observed {
		expected := float64(total) * weights[i] / weightSum
		if expected <= 0 {
			continue
		}
		d := float64(observed[i]) - expected
		chi += d * d / expected
		k++
	}
	if k < 2 {
		return 0, 1
	}
	dist := distuv.ChiSquared{K: float64(k - 1)}
	return chi, 1 - dist.CDF(chi)
}

// ProbabilityToBeatControl approximates P(rate2 > rate1) under uniform-prior
// Beta posteriors by matching each posterior with a normal distribution.
func ProbabilityToBeatControl(x1, n1, x2, n2 int64) float64 {
	m1, v1 := betaMoments(float64(1+x1), float64(1+n1-x1))
	m2, v2 := betaMoments(float64(1+x2), float64(1+n2-x2))
	sd := math.Sqrt(v1 + v2)
	if sd == 0 {
		return 0.5
	}
	return normalCDF((m2 - m1) / sd)
}

func betaMoments(a, b float64) (mean, variance float64) {
	if a <= 0 {
		a = 1
	}
	if b <= 0 {
		b = 1
	}
	s := a + b
	return a / s, a * b / (s * s * (s + 1))
}

// -----------------------------------------------------------------------------
// Multiple Testing
// -----------------------------------------------------------------------------

// adjustedAlphas returns the significance threshold for each p-value under
// the given correction. A comparison is significant when p < threshold.
func adjustedAlphas(pValues []float64, alpha float64, method Correction) []float64 {
	m := len(pValues)
	thresholds := make([]float64, m)
	switch method {
	case CorrectionBonferroni:
		for i := range thresholds {
			thresholds[i] = alpha / float64(m)
		}
	case CorrectionHolm:
		order := make([]int, m)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return pValues[order[a]] < pValues[order[b]]
		})
		rejecting := true
		for rank, idx := range order {
			if !rejecting {
				thresholds[idx] = 0
				continue
			}
			thresholds[idx] = alpha / float64(m-rank)
			if pValues[idx] >= thresholds[idx] {
				rejecting = false
			}
		}
	default:
		for i := range thresholds {
			thresholds[i] = alpha
		}
	}
	return thresholds
}
