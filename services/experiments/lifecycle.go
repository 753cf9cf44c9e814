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
	"slices"
	"time"
)

// allowedTransitions is the lifecycle state machine. Archived is terminal.
var allowedTransitions = map[Status][]Status{
	StatusDraft:     {StatusRunning, StatusArchived},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusArchived},
	StatusPaused:    {StatusRunning, StatusCompleted, StatusArchived},
	StatusCompleted: {StatusArchived},
	StatusArchived:  nil,
}

// CanTransition reports whether a test may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// StartTest moves a draft test to running and records its start and
// planned end.
//
// Outputs:
//   - bool: False if the test is unknown or not in draft.
func (r *Registry) StartTest(ctx context.Context, testID string) bool {
	return r.transition(ctx, testID, StatusDraft, StatusRunning, func(t *Test, now time.Time) {
		started := now
		t.StartedAt = &started
		if t.PlannedDurationDays > 0 {
			ends := now.AddDate(0, 0, t.PlannedDurationDays)
			t.EndsAt = &ends
		}
	})
}

// PauseTest stops new assignments of a running test. Tracking of already
// assigned users continues.
func (r *Registry) PauseTest(ctx context.Context, testID string) bool {
	return r.transition(ctx, testID, StatusRunning, StatusPaused, nil)
}

// ResumeTest moves a paused test back to running.
func (r *Registry) ResumeTest(ctx context.Context, testID string) bool {
	return r.transition(ctx, testID, StatusPaused, StatusRunning, nil)
}

// CompleteTest ends a running or paused test.
func (r *Registry) CompleteTest(ctx context.Context, testID string) bool {
	return r.transition(ctx, testID, "", StatusCompleted, func(t *Test, now time.Time) {
		done := now
		t.CompletedAt = &done
	})
}

// ArchiveTest retires a test permanently.
func (r *Registry) ArchiveTest(ctx context.Context, testID string) bool {
	return r.transition(ctx, testID, "", StatusArchived, nil)
}

// transition applies a lifecycle change under the test's write lock. When
// from is non-empty the current status must equal it.
func (r *Registry) transition(ctx context.Context, testID string, from, to Status, apply func(*Test, time.Time)) bool {
	if r.closed.Load() {
		return false
	}
	lock := r.lockFor(testID)
	lock.Lock()
	defer lock.Unlock()

	test, err := r.stores.Tests.GetTest(ctx, testID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("loading test for transition failed", "test_id", testID, "error", err)
		}
		recordTransition(ctx, to, false)
		return false
	}

	if (from != "" && test.Status != from) || !CanTransition(test.Status, to) {
		r.logger.Debug("transition rejected",
			"test_id", testID,
			"from", test.Status,
			"to", to,
		)
		recordTransition(ctx, to, false)
		return false
	}

	now := r.clock()
	prev := test.Status
	test.Status = to
	test.UpdatedAt = now
	if apply != nil {
		apply(test, now)
	}

	if err := r.stores.Tests.SaveTest(ctx, test); err != nil {
		r.logger.Warn("saving transition failed", "test_id", testID, "to", to, "error", err)
		recordTransition(ctx, to, false)
		return false
	}

	r.logger.Info("test transitioned", "test_id", testID, "from", prev, "to", to)
	recordTransition(ctx, to, true)
	return true
}
