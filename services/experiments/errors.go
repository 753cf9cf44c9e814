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
	"strings"
)

// Sentinel errors.
var (
	// ErrValidation wraps every ValidationError.
	ErrValidation = errors.New("invalid test configuration")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned after the registry is closed.
	ErrClosed = errors.New("registry closed")

	// ErrInsufficientSamples indicates too few samples for a test statistic.
	ErrInsufficientSamples = errors.New("insufficient samples for statistical test")

	// ErrZeroVariance indicates both groups have zero variance.
	ErrZeroVariance = errors.New("zero variance in samples")
)

// ValidationError lists every problem found in a TestConfig.
type ValidationError struct {
	Problems []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func (e *ValidationError) add(problem string) {
	e.Problems = append(e.Problems, problem)
}

func (e *ValidationError) empty() bool {
	return len(e.Problems) == 0
}
