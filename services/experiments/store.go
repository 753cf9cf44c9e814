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
	"io"
)

// TestStore persists test definitions and their counters.
//
// Implementations return ErrNotFound for missing tests and must return
// copies that the caller may modify.
type TestStore interface {
	SaveTest(ctx context.Context, test *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context) ([]*Test, error)
}

// AssignmentStore persists sticky assignments keyed by (testID, userID).
type AssignmentStore interface {
	SaveAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error)
	ListAssignments(ctx context.Context, testID string) ([]*Assignment, error)
}

// MetricStore persists one aggregate per (testID, variantID, metric).
type MetricStore interface {
	SaveMetric(ctx context.Context, m *MetricData) error
	GetMetric(ctx context.Context, testID, variantID, name string) (*MetricData, error)
	ListMetrics(ctx context.Context, testID string) ([]*MetricData, error)
}

// Stores bundles the storage dependencies of a Registry.
type Stores struct {
	Tests       TestStore
	Assignments AssignmentStore
	Metrics     MetricStore
}

func (s Stores) complete() bool {
	return s.Tests != nil && s.Assignments != nil && s.Metrics != nil
}

// Close closes every store that implements io.Closer, once each.
func (s Stores) Close() error {
	var errs []error
	seen := make(map[io.Closer]bool)
	for _, v := range []any{s.Tests, s.Assignments, s.Metrics} {
		c, ok := v.(io.Closer)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
