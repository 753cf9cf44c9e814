// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiments assigns users to test variants and analyzes the results.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│                              REGISTRY                                    │
//	├─────────────────────────────────────────────────────────────────────────┤
//	│                                                                          │
//	│   CreateTest ──► validate ──► TestStore                                  │
//	│                                                                          │
//	│   Assign ──► sticky lookup ──► Audience ──► rollout ──► Allocator        │
//	│                  │                                          │            │
//	│                  └──────────── AssignmentStore ◄────────────┘            │
//	│                                                                          │
//	│   Track* ──► Assignment events ──► Aggregator ──► MetricStore            │
//	│                                                                          │
//	│   Analyze ──► z-test / Welch ──► goals, power, quality ──► Recommend     │
//	│                                                                          │
//	└─────────────────────────────────────────────────────────────────────────┘
//
// # Allocation Strategies
//
//   - equal: FNV-1a hash of user and test modulo the active variant count
//   - weighted: hash mapped to [0,1) and walked against cumulative weights
//   - adaptive: Thompson Sampling over Beta(1+conversions, 1+failures)
//   - bandit: UCB1, unexplored variants first, equal-weight when cold
//
// Whatever the strategy, the first variant a user receives is persisted and
// returned on every later call for the same test.
//
// # Usage
//
//	reg, err := experiments.NewRegistry(experiments.NewMemoryStores(),
//	    experiments.WithLogger(logger),
//	)
//	test, err := reg.CreateTest(ctx, cfg)
//	reg.StartTest(ctx, test.ID)
//
//	variantID, ok := reg.AssignUserToVariant(ctx, test.ID, "user-1", attrs, nil, nil)
//	reg.TrackConversion(ctx, test.ID, "user-1", "signup", 1, nil)
//
//	results, _ := reg.AnalyzeTest(ctx, test.ID)
//	recs, _ := reg.GetRecommendations(ctx, test.ID)
//
// # Error Handling
//
// Only CreateTest returns an error to the caller. Runtime calls against
// unknown tests, unknown users or tests in the wrong state return false or an
// empty result and log at debug or warn level.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Writes to a test are serialized by a
// per-test lock; analysis works on a snapshot taken under the read lock.
package experiments
