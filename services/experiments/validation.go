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
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// WeightTolerance is the allowed deviation of the variant weight sum from 1.
const WeightTolerance = 0.001

// configValidate is the validator instance for test configurations.
// Initialized in init() with custom validators.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()

	// IDs end up inside storage keys, so separators are not allowed.
	_ = configValidate.RegisterValidation("identifier", validateIdentifier)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

func validateIdentifier(fl validator.FieldLevel) bool {
	return identifierPattern.MatchString(fl.Field().String())
}

// ValidateConfig checks a TestConfig and returns a *ValidationError listing
// every problem, or nil.
//
// Description:
//
//	Struct tags cover field-level rules. On top of those the variant
//	weights must sum to 1 within WeightTolerance, exactly one variant must
//	be the control, and variant and goal IDs must be unique. Nothing is
//	normalized; callers fix their input.
func ValidateConfig(cfg *TestConfig) error {
	verr := &ValidationError{}

	if err := configValidate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				verr.add(describeFieldError(fe))
			}
		} else {
			verr.add(err.Error())
		}
	}

	var weightSum float64
	controls := 0
	variantIDs := make(map[string]bool, len(cfg.Variants))
	for _, v := range cfg.Variants {
		weightSum += v.Weight
		if v.IsControl {
			controls++
		}
		if v.ID != "" && variantIDs[v.ID] {
			verr.add(fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		variantIDs[v.ID] = true
	}
	if len(cfg.Variants) > 0 && math.Abs(weightSum-1) > WeightTolerance {
		verr.add(fmt.Sprintf("variant weights sum to %.4f, expected 1.0 (±%g)", weightSum, WeightTolerance))
	}
	if controls != 1 {
		verr.add(fmt.Sprintf("expected exactly one control variant, found %d", controls))
	}

	goalIDs := make(map[string]bool)
	for _, g := range append([]Goal{cfg.PrimaryGoal}, cfg.SecondaryGoals...) {
		if g.ID != "" && goalIDs[g.ID] {
			verr.add(fmt.Sprintf("duplicate goal id %q", g.ID))
		}
		goalIDs[g.ID] = true
	}

	if cfg.MaximumSampleSize > 0 && cfg.MaximumSampleSize < cfg.MinimumSampleSize {
		verr.add(fmt.Sprintf("maximum sample size %d is below minimum %d", cfg.MaximumSampleSize, cfg.MinimumSampleSize))
	}

	if verr.empty() {
		return nil
	}
	return verr
}

func describeFieldError(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag())
}
