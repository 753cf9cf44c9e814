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
	"testing"
)

// -----------------------------------------------------------------------------
// Normal Distribution Tests
// -----------------------------------------------------------------------------

func TestNormalCDF(t *testing.T) {
	tests := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.96, 0.975},
		{-1.96, 0.025},
		{1, 0.8413},
		{-3, 0.00135},
	}
	for _, tt := range tests {
		got := normalCDF(tt.x)
		if math.Abs(got-tt.want) > 1e-3 {
			t.Errorf("normalCDF(%v) = %v, want %v", tt.x, got, tt.want)
		}
	}
}

func TestCriticalValues(t *testing.T) {
	if zAlpha(0.95) != 1.96 {
		t.Errorf("zAlpha(0.95) = %v, want 1.96", zAlpha(0.95))
	}
	if zBeta(0.8) != 0.84 {
		t.Errorf("zBeta(0.8) = %v, want 0.84", zBeta(0.8))
	}
	if z := zAlpha(0.98); math.Abs(z-2.326) > 1e-3 {
		t.Errorf("zAlpha(0.98) = %v, want ~2.326", z)
	}
	if z := zBeta(0.95); math.Abs(z-1.645) > 1e-3 {
		t.Errorf("zBeta(0.95) = %v, want ~1.645", z)
	}
}

// -----------------------------------------------------------------------------
// Two-Proportion Z-Test Tests
// -----------------------------------------------------------------------------

func TestTwoProportionZTest(t *testing.T) {
	t.Run("detects 10% vs 15%", func(t *testing.T) {
		res, err := TwoProportionZTest(100, 1000, 150, 1000, 0.95)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.PValue >= 0.05 {
			t.Errorf("expected p < 0.05, got %v", res.PValue)
		}
		if math.Abs(res.Z-3.3806) > 1e-3 {
			t.Errorf("expected z ~3.3806, got %v", res.Z)
		}
		if math.Abs(res.PValue-0.000723) > 5e-5 {
			t.Errorf("expected p ~0.000723, got %v", res.PValue)
		}
		if res.CohensD <= 0 {
			t.Errorf("expected positive effect size, got %v", res.CohensD)
		}
		if math.Abs(res.CohensD-0.15119) > 1e-4 {
			t.Errorf("expected d ~0.15119, got %v", res.CohensD)
		}
		if !(res.HedgesG < res.CohensD && res.HedgesG > 0.151) {
			t.Errorf("expected g slightly below d, got %v", res.HedgesG)
		}
		if math.Abs(res.PercentChange-50) > 1e-9 {
			t.Errorf("expected +50%% change, got %v", res.PercentChange)
		}
		if math.Abs(res.Interval.Lower-0.02109) > 1e-4 || math.Abs(res.Interval.Upper-0.07891) > 1e-4 {
			t.Errorf("unexpected interval [%v, %v]", res.Interval.Lower, res.Interval.Upper)
		}
		if !res.Interval.Contains(res.Difference) {
			t.Error("interval should contain the point estimate")
		}
	})

	t.Run("effect sign follows direction", func(t *testing.T) {
		res, err := TwoProportionZTest(150, 1000, 100, 1000, 0.95)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.CohensD >= 0 || res.Z >= 0 {
			t.Errorf("expected negative effect, got d=%v z=%v", res.CohensD, res.Z)
		}
	})

	t.Run("no difference", func(t *testing.T) {
		res, err := TwoProportionZTest(100, 1000, 100, 1000, 0.95)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(res.PValue-1) > 1e-6 {
			t.Errorf("expected p ~1, got %v", res.PValue)
		}
	})

	t.Run("degenerate rates", func(t *testing.T) {
		res, err := TwoProportionZTest(0, 50, 0, 50, 0.95)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.PValue != 1 || res.Z != 0 || res.CohensD != 0 {
			t.Errorf("expected neutral result, got %+v", res)
		}
	})

	t.Run("empty group", func(t *testing.T) {
		if _, err := TwoProportionZTest(0, 0, 5, 10, 0.95); err != ErrInsufficientSamples {
			t.Errorf("expected ErrInsufficientSamples, got %v", err)
		}
	})
}

func TestHedgesG(t *testing.T) {
	if g := HedgesG(0.5, 10, 10); math.Abs(g-0.5*(1-3.0/71)) > 1e-12 {
		t.Errorf("unexpected g: %v", g)
	}
	if g := HedgesG(0.5, 1, 1); g != 0.5 {
		t.Errorf("tiny samples should return d unchanged, got %v", g)
	}
}

func TestCategorizeEffect(t *testing.T) {
	tests := []struct {
		d    float64
		want EffectCategory
	}{
		{0.1, EffectNegligible},
		{-0.3, EffectSmall},
		{0.6, EffectMedium},
		{-1.2, EffectLarge},
	}
	for _, tt := range tests {
		if got := CategorizeEffect(tt.d); got != tt.want {
			t.Errorf("CategorizeEffect(%v) = %v, want %v", tt.d, got, tt.want)
		}
	}
}

// -----------------------------------------------------------------------------
// Welch's T-Test Tests
// -----------------------------------------------------------------------------

func TestWelchTTest(t *testing.T) {
	t.Run("clear difference", func(t *testing.T) {
		control := SummaryStats{N: 200, Mean: 10, Variance: 4}
		treatment := SummaryStats{N: 200, Mean: 11, Variance: 4}
		res, err := WelchTTest(control, treatment, 0.95)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.PValue >= 0.001 {
			t.Errorf("expected p < 0.001, got %v", res.PValue)
		}
		if math.Abs(res.T-5) > 1e-9 {
			t.Errorf("expected t = 5, got %v", res.T)
		}
		if math.Abs(res.CohensD-0.5) > 1e-9 {
			t.Errorf("expected d = 0.5, got %v", res.CohensD)
		}
		if math.Abs(res.DegreesOfFreedom-398) > 1e-6 {
			t.Errorf("expected df = 398, got %v", res.DegreesOfFreedom)
		}
	})

	t.Run("no difference", func(t *testing.T) {
		s := SummaryStats{N: 50, Mean: 3, Variance: 1}
		res, err := WelchTTest(s, s, 0.95)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(res.PValue-1) > 1e-9 {
			t.Errorf("expected p = 1, got %v", res.PValue)
		}
	})

	t.Run("insufficient", func(t *testing.T) {
		_, err := WelchTTest(SummaryStats{N: 1}, SummaryStats{N: 5, Variance: 1}, 0.95)
		if err != ErrInsufficientSamples {
			t.Errorf("expected ErrInsufficientSamples, got %v", err)
		}
	})

	t.Run("zero variance", func(t *testing.T) {
		_, err := WelchTTest(SummaryStats{N: 5, Mean: 1}, SummaryStats{N: 5, Mean: 2}, 0.95)
		if err != ErrZeroVariance {
			t.Errorf("expected ErrZeroVariance, got %v", err)
		}
	})
}

// -----------------------------------------------------------------------------
// Power Analysis Tests
// -----------------------------------------------------------------------------

func TestObservedPower(t *testing.T) {
	p := ObservedPower(0.15119, 1000, 1000, 0.95)
	if math.Abs(p-0.9223) > 1e-3 {
		t.Errorf("expected power ~0.922, got %v", p)
	}

	small := ObservedPower(0.2, 50, 50, 0.95)
	large := ObservedPower(0.2, 500, 500, 0.95)
	if small >= large {
		t.Errorf("power should grow with n: %v >= %v", small, large)
	}

	if p := ObservedPower(0, 100, 100, 0.95); math.Abs(p-0.05) > 1e-3 {
		t.Errorf("zero effect should give alpha, got %v", p)
	}
	if p := ObservedPower(0.5, 0, 100, 0.95); p != 0 {
		t.Errorf("empty group should give 0, got %v", p)
	}
}

func TestRequiredSampleSize(t *testing.T) {
	if n := RequiredSampleSize(0.10, 0.12, 0.95, 0.8); n != 3837 {
		t.Errorf("expected 3837, got %d", n)
	}
	if n := RequiredSampleSize(0.10, 0.10, 0.95, 0.8); n != 0 {
		t.Errorf("expected 0 for no effect, got %d", n)
	}
	if a, b := RequiredSampleSize(0.10, 0.12, 0.95, 0.8), RequiredSampleSize(0.10, 0.12, 0.95, 0.9); a >= b {
		t.Errorf("higher power should need more samples: %d >= %d", a, b)
	}
}

// -----------------------------------------------------------------------------
// Quality Check Tests
// -----------------------------------------------------------------------------

func TestSampleRatioMismatch(t *testing.T) {
	t.Run("balanced", func(t *testing.T) {
		_, p := SampleRatioMismatch([]int64{502, 498}, []float64{0.5, 0.5})
		if p < 0.5 {
			t.Errorf("expected high p for balanced split, got %v", p)
		}
	})

	t.Run("skewed", func(t *testing.T) {
		chi, p := SampleRatioMismatch([]int64{600, 400}, []float64{0.5, 0.5})
		if math.Abs(chi-40) > 1e-9 {
			t.Errorf("expected chi2 = 40, got %v", chi)
		}
		if p >= SRMThreshold {
			t.Errorf("expected p < %v, got %v", SRMThreshold, p)
		}
	})

	t.Run("weighted expectation", func(t *testing.T) {
		_, p := SampleRatioMismatch([]int64{700, 300}, []float64{0.7, 0.3})
		if p < 0.5 {
			t.Errorf("expected high p for matching weights, got %v", p)
		}
	})

	t.Run("no data", func(t *testing.T) {
		if _, p := SampleRatioMismatch([]int64{0, 0}, []float64{1, 1}); p != 1 {
			t.Errorf("expected p = 1, got %v", p)
		}
	})
}

func TestProbabilityToBeatControl(t *testing.T) {
	better := ProbabilityToBeatControl(100, 1000, 150, 1000)
	if better < 0.99 {
		t.Errorf("expected near certainty, got %v", better)
	}
	same := ProbabilityToBeatControl(100, 1000, 100, 1000)
	if math.Abs(same-0.5) > 1e-6 {
		t.Errorf("expected 0.5 for identical data, got %v", same)
	}
}

func TestAdjustedAlphas(t *testing.T) {
	pValues := []float64{0.01, 0.04, 0.03}

	t.Run("none", func(t *testing.T) {
		for _, a := range adjustedAlphas(pValues, 0.05, CorrectionNone) {
			if a != 0.05 {
				t.Errorf("expected 0.05, got %v", a)
			}
		}
	})

	t.Run("bonferroni", func(t *testing.T) {
		for _, a := range adjustedAlphas(pValues, 0.05, CorrectionBonferroni) {
			if math.Abs(a-0.05/3) > 1e-12 {
				t.Errorf("expected 0.05/3, got %v", a)
			}
		}
	})

	t.Run("holm", func(t *testing.T) {
		got := adjustedAlphas(pValues, 0.05, CorrectionHolm)
		// 0.01 < 0.05/3 rejects; 0.03 >= 0.05/2 stops; 0.04 is never tested.
		if math.Abs(got[0]-0.05/3) > 1e-12 {
			t.Errorf("smallest p threshold: got %v", got[0])
		}
		if math.Abs(got[2]-0.025) > 1e-12 {
			t.Errorf("second p threshold: got %v", got[2])
		}
		if got[1] != 0 {
			t.Errorf("after first failure thresholds must be 0, got %v", got[1])
		}
	})
}
