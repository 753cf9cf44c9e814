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
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ConversionMetricPrefix prefixes the metric that aggregates conversion
// values per goal, e.g. "conversion.purchase".
const ConversionMetricPrefix = "conversion."

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type registryOptions struct {
	logger      *slog.Logger
	clock       func() time.Time
	src         rand.Source
	window      int
	exploration float64
	practical   float64
	recommender RecommenderConfig
}

// Option configures a Registry.
type Option func(*registryOptions)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *registryOptions) { o.logger = l }
}

// WithClock sets the time source. Default: time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *registryOptions) { o.clock = clock }
}

// WithRandomSource sets the randomness used for rollout draws and Thompson
// Sampling. Default: a time-seeded PCG source.
func WithRandomSource(src rand.Source) Option {
	return func(o *registryOptions) { o.src = src }
}

// WithWindowSize sets the per-metric time series capacity.
// Default: DefaultWindowSize.
func WithWindowSize(n int) Option {
	return func(o *registryOptions) { o.window = n }
}

// WithExplorationConstant sets the UCB1 exploration constant.
// Default: DefaultExplorationConstant.
func WithExplorationConstant(c float64) Option {
	return func(o *registryOptions) { o.exploration = c }
}

// WithPracticalThreshold sets the default practical significance threshold
// in percent. Default: DefaultPracticalThreshold.
func WithPracticalThreshold(pct float64) Option {
	return func(o *registryOptions) { o.practical = pct }
}

// WithRecommenderConfig sets rollout advice parameters.
func WithRecommenderConfig(cfg RecommenderConfig) Option {
	return func(o *registryOptions) { o.recommender = cfg }
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry owns tests, assignments and events.
//
// Description:
//
//	Registry is the single writer for test definitions, variant counters and
//	assignment records. Every write to a test happens under that test's
//	write lock, so exposure and conversion counters never lose updates.
//	Analysis reads a snapshot under the read lock and computes outside it.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	stores      Stores
	aggregator  *Aggregator
	allocator   *Allocator
	analyzer    *Analyzer
	recommender *Recommender
	logger      *slog.Logger
	clock       func() time.Time

	// locks stripes per-test locking over a fixed set of mutexes so that
	// lookups for unknown IDs leave nothing behind.
	locks  [lockStripes]sync.RWMutex
	closed atomic.Bool

	// analyses coalesces concurrent analyses of the same test.
	analyses singleflight.Group
}

// NewRegistry creates a registry over the given stores.
//
// Inputs:
//   - stores: Storage for tests, assignments and metrics. All three must be
//     set; NewMemoryStores provides an in-memory bundle.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Registry: The new registry.
//   - error: Non-nil if a store is missing.
func NewRegistry(stores Stores, opts ...Option) (*Registry, error) {
	if !stores.complete() {
		return nil, errors.New("experiments: tests, assignments and metrics stores are required")
	}

	o := registryOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	return &Registry{
		stores:      stores,
		aggregator:  NewAggregator(stores.Metrics, o.window, o.clock),
		allocator:   NewAllocator(o.src, o.exploration),
		analyzer:    NewAnalyzer(o.practical, o.clock),
		recommender: NewRecommender(o.recommender),
		logger:      o.logger.With("component", "experiments"),
		clock:       o.clock,
	}, nil
}

// Close marks the registry closed and closes its stores. Later calls are
// no-ops.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.stores.Close()
}

// lockStripes is the number of mutexes shared by all tests. Tests that hash
// to the same stripe serialize their writes; no caller holds two stripes.
const lockStripes = 256

func lockStripe(testID string) int {
	h := fnv.New64a()
	h.Write([]byte(testID))
	return int(mix64(h.Sum64()) % lockStripes)
}

func (r *Registry) lockFor(testID string) *sync.RWMutex {
	return &r.locks[lockStripe(testID)]
}

// -----------------------------------------------------------------------------
// Test Definitions
// -----------------------------------------------------------------------------

// CreateTest validates cfg and stores a new draft test.
//
// Outputs:
//   - *Test: The stored test with defaults applied.
//   - error: *ValidationError for malformed input, ErrClosed, or a storage
//     error.
func (r *Registry) CreateTest(ctx context.Context, cfg TestConfig) (*Test, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := r.stores.Tests.GetTest(ctx, id); err == nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("test id %q already exists", id)}}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("checking test id: %w", err)
	}

	test := r.buildTest(id, &cfg)
	if err := r.stores.Tests.SaveTest(ctx, test); err != nil {
		return nil, fmt.Errorf("saving test: %w", err)
	}

	r.logger.Info("test created",
		"test_id", test.ID,
		"name", test.Name,
		"variants", len(test.Variants),
		"strategy", test.TrafficAllocation.Strategy,
	)
	return test.Clone(), nil
}

// buildTest applies defaults to a validated config.
func (r *Registry) buildTest(id string, cfg *TestConfig) *Test {
	now := r.clock()
	test := &Test{
		ID:                  id,
		Name:                cfg.Name,
		Description:         cfg.Description,
		Type:                cfg.Type,
		Status:              StatusDraft,
		TrafficAllocation:   cfg.TrafficAllocation,
		TargetAudience:      cfg.TargetAudience,
		Exclusions:          cfg.Exclusions,
		PrimaryGoal:         withGoalDefaults(cfg.PrimaryGoal),
		PlannedDurationDays: cfg.PlannedDurationDays,
		MinimumSampleSize:   cfg.MinimumSampleSize,
		MaximumSampleSize:   cfg.MaximumSampleSize,
		Statistics:          cfg.Statistics,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if test.Type == "" {
		test.Type = TestTypeAB
	}
	if test.TrafficAllocation.Strategy == "" {
		test.TrafficAllocation.Strategy = StrategyEqual
	}
	if test.TrafficAllocation.RolloutPercentage == 0 {
		test.TrafficAllocation.RolloutPercentage = 100
	}
	for _, g := range cfg.SecondaryGoals {
		test.SecondaryGoals = append(test.SecondaryGoals, withGoalDefaults(g))
	}

	st := &test.Statistics
	if st.Method == "" {
		st.Method = MethodFrequentist
	}
	if st.Correction == "" {
		st.Correction = CorrectionNone
	}
	if st.ConfidenceLevel == 0 {
		st.ConfidenceLevel = DefaultConfidenceLevel
	}
	if st.Power == 0 {
		st.Power = DefaultTargetPower
	}
	if st.PracticalThreshold == 0 {
		st.PracticalThreshold = r.analyzer.practicalThreshold
	}

	test.Variants = make([]Variant, len(cfg.Variants))
	for i, vc := range cfg.Variants {
		active := true
		if vc.IsActive != nil {
			active = *vc.IsActive
		}
		name := vc.Name
		if name == "" {
			name = vc.ID
		}
		test.Variants[i] = Variant{
			ID:              vc.ID,
			Name:            name,
			Weight:          vc.Weight,
			Config:          vc.Config,
			IsControl:       vc.IsControl,
			IsActive:        active,
			GoalConversions: make(map[string]int64),
		}
	}
	return test.Clone()
}

func withGoalDefaults(g Goal) Goal {
	if g.Type == "" {
		g.Type = GoalConversion
	}
	if g.Direction == "" {
		g.Direction = DirectionIncrease
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	return g
}

// GetTest returns a copy of the test.
func (r *Registry) GetTest(ctx context.Context, testID string) (*Test, bool) {
	lock := r.lockFor(testID)
	lock.RLock()
	defer lock.RUnlock()

	test, err := r.stores.Tests.GetTest(ctx, testID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("loading test failed", "test_id", testID, "error", err)
		}
		return nil, false
	}
	return test, true
}

// ListTests returns every stored test ordered by creation time.
func (r *Registry) ListTests(ctx context.Context) ([]*Test, error) {
	return r.stores.Tests.ListTests(ctx)
}

// -----------------------------------------------------------------------------
// Assignment
// -----------------------------------------------------------------------------

// AssignUserToVariant returns the user's variant for a running test.
//
// Description:
//
//	In order: the test must be running; an existing assignment is returned
//	unchanged; the user must match the target audience and no exclusion;
//	the user must pass the rollout draw; the configured strategy picks an
//	active variant. The new assignment is persisted and the variant's
//	exposure counter incremented before returning.
//
// Inputs:
//   - testID, userID: The pair to assign. userID must not be empty.
//   - attrs: User attributes used for audience rules.
//   - session, device: Context captured on the assignment record.
//
// Outputs:
//   - string: The variant ID.
//   - bool: False when the user is not assigned for any reason.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) AssignUserToVariant(ctx context.Context, testID, userID string, attrs Attributes, session, device map[string]any) (string, bool) {
	ctx, span := tracer.Start(ctx, "Registry.AssignUserToVariant",
		trace.WithAttributes(
			attribute.String("experiments.test_id", testID),
		),
	)
	defer span.End()

	variantID, strategy, outcome := r.assign(ctx, testID, userID, attrs, session, device)
	span.SetAttributes(
		attribute.String("experiments.outcome", outcome),
		attribute.String("experiments.variant_id", variantID),
	)
	if outcome == outcomeStoreError {
		span.SetStatus(codes.Error, "store error")
	}
	recordAssignment(ctx, strategy, outcome)

	ok := outcome == outcomeAssigned || outcome == outcomeSticky
	return variantID, ok
}

func (r *Registry) assign(ctx context.Context, testID, userID string, attrs Attributes, session, device map[string]any) (string, Strategy, string) {
	if r.closed.Load() || userID == "" {
		return "", "", outcomeUnknownTest
	}

	lock := r.lockFor(testID)
	lock.Lock()
	defer lock.Unlock()

	test, err := r.stores.Tests.GetTest(ctx, testID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("loading test for assignment failed", "test_id", testID, "error", err)
			return "", "", outcomeStoreError
		}
		return "", "", outcomeUnknownTest
	}
	strategy := test.TrafficAllocation.Strategy

	if test.Status != StatusRunning {
		return "", strategy, outcomeNotRunning
	}

	existing, err := r.stores.Assignments.GetAssignment(ctx, testID, userID)
	if err == nil {
		return existing.VariantID, strategy, outcomeSticky
	}
	if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("loading assignment failed", "test_id", testID, "user_id", userID, "error", err)
		return "", strategy, outcomeStoreError
	}

	if !MatchesSegment(attrs, test.TargetAudience) {
		return "", strategy, outcomeNotTargeted
	}
	if IsExcluded(attrs, test.Exclusions) {
		return "", strategy, outcomeExcluded
	}
	if !r.allocator.Admit(test.TrafficAllocation.RolloutPercentage) {
		return "", strategy, outcomeRollout
	}

	active := test.ActiveVariants()
	idx, ok := r.allocator.Select(strategy, active, userID, testID)
	if !ok {
		return "", strategy, outcomeNoVariants
	}
	chosen := active[idx]

	now := r.clock()
	a := &Assignment{
		ID:         uuid.NewString(),
		TestID:     testID,
		UserID:     userID,
		VariantID:  chosen.ID,
		Strategy:   strategy,
		AssignedAt: now,
		Context: AssignmentContext{
			Attributes: attrs,
			Session:    session,
			Device:     device,
		},
	}
	if err := r.stores.Assignments.SaveAssignment(ctx, a); err != nil {
		r.logger.Warn("saving assignment failed", "test_id", testID, "user_id", userID, "error", err)
		return "", strategy, outcomeStoreError
	}

	chosen.Exposures++
	test.UpdatedAt = now
	if err := r.stores.Tests.SaveTest(ctx, test); err != nil {
		r.logger.Warn("saving exposure counter failed", "test_id", testID, "variant_id", chosen.ID, "error", err)
	}

	r.logger.Debug("user assigned",
		"test_id", testID,
		"user_id", userID,
		"variant_id", chosen.ID,
		"strategy", strategy,
	)
	return chosen.ID, strategy, outcomeAssigned
}

// GetAssignment returns a copy of the user's assignment record.
func (r *Registry) GetAssignment(ctx context.Context, testID, userID string) (*Assignment, bool) {
	lock := r.lockFor(testID)
	lock.RLock()
	defer lock.RUnlock()

	a, err := r.stores.Assignments.GetAssignment(ctx, testID, userID)
	if err != nil {
		return nil, false
	}
	return a, true
}

// -----------------------------------------------------------------------------
// Event Tracking
// -----------------------------------------------------------------------------

// TrackExposure records that an assigned user was shown their variant.
//
// Outputs:
//   - bool: False, without side effects, when the test is not running or
//     paused or the user has no assignment.
func (r *Registry) TrackExposure(ctx context.Context, testID, userID string, props map[string]any) bool {
	ok := r.withAssignment(ctx, testID, userID, func(test *Test, a *Assignment, v *Variant, now time.Time) bool {
		a.Exposures = append(a.Exposures, Event{
			ID:         uuid.NewString(),
			Type:       EventExposure,
			Properties: props,
			Timestamp:  now,
		})
		v.Impressions++
		return true
	})
	recordEvent(ctx, EventExposure, ok)
	return ok
}

// TrackConversion records a conversion on goalID by an assigned user.
//
// Description:
//
//	Every call appends an event and aggregates value under the metric
//	ConversionMetricPrefix+goalID. Counters only move on the user's first
//	conversion for the goal, so conversion rates stay per user.
//
// Outputs:
//   - bool: False when the goal is unknown, value is not finite, the test is
//     not running or paused, or the user has no assignment.
func (r *Registry) TrackConversion(ctx context.Context, testID, userID, goalID string, value float64, props map[string]any) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		recordEvent(ctx, EventConversion, false)
		return false
	}
	ok := r.withAssignment(ctx, testID, userID, func(test *Test, a *Assignment, v *Variant, now time.Time) bool {
		if _, known := test.Goal(goalID); !known {
			r.logger.Debug("conversion for unknown goal", "test_id", testID, "goal_id", goalID)
			return false
		}
		if _, err := r.aggregator.Record(ctx, testID, v.ID, ConversionMetricPrefix+goalID, value); err != nil {
			r.logger.Warn("recording conversion value failed", "test_id", testID, "goal_id", goalID, "error", err)
			return false
		}

		first := !a.HasConverted(goalID)
		a.Conversions = append(a.Conversions, Event{
			ID:         uuid.NewString(),
			Type:       EventConversion,
			Name:       goalID,
			Value:      value,
			Properties: props,
			Timestamp:  now,
		})
		if first {
			if v.GoalConversions == nil {
				v.GoalConversions = make(map[string]int64)
			}
			v.GoalConversions[goalID]++
			if goalID == test.PrimaryGoal.ID {
				v.Conversions++
			}
		}
		return true
	})
	recordEvent(ctx, EventConversion, ok)
	return ok
}

// TrackMetric records a custom metric value for an assigned user.
func (r *Registry) TrackMetric(ctx context.Context, testID, userID, name string, value float64, props map[string]any) bool {
	if name == "" || math.IsNaN(value) || math.IsInf(value, 0) {
		recordEvent(ctx, EventMetric, false)
		return false
	}
	ok := r.withAssignment(ctx, testID, userID, func(test *Test, a *Assignment, v *Variant, now time.Time) bool {
		if _, err := r.aggregator.Record(ctx, testID, v.ID, name, value); err != nil {
			r.logger.Warn("recording metric failed", "test_id", testID, "metric", name, "error", err)
			return false
		}
		a.Metrics = append(a.Metrics, Event{
			ID:         uuid.NewString(),
			Type:       EventMetric,
			Name:       name,
			Value:      value,
			Properties: props,
			Timestamp:  now,
		})
		return true
	})
	recordEvent(ctx, EventMetric, ok)
	return ok
}

// withAssignment loads the test and the user's assignment under the write
// lock, applies fn and saves both when fn returns true.
func (r *Registry) withAssignment(ctx context.Context, testID, userID string, fn func(*Test, *Assignment, *Variant, time.Time) bool) bool {
	if r.closed.Load() {
		return false
	}
	lock := r.lockFor(testID)
	lock.Lock()
	defer lock.Unlock()

	test, err := r.stores.Tests.GetTest(ctx, testID)
	if err != nil {
		return false
	}
	if test.Status != StatusRunning && test.Status != StatusPaused {
		r.logger.Debug("event for inactive test ignored", "test_id", testID, "status", test.Status)
		return false
	}

	a, err := r.stores.Assignments.GetAssignment(ctx, testID, userID)
	if err != nil {
		return false
	}
	v := test.Variant(a.VariantID)
	if v == nil {
		r.logger.Warn("assignment references unknown variant", "test_id", testID, "variant_id", a.VariantID)
		return false
	}

	now := r.clock()
	if !fn(test, a, v, now) {
		return false
	}
	test.UpdatedAt = now

	if err := r.stores.Assignments.SaveAssignment(ctx, a); err != nil {
		r.logger.Warn("saving assignment events failed", "test_id", testID, "user_id", userID, "error", err)
		return false
	}
	if err := r.stores.Tests.SaveTest(ctx, test); err != nil {
		r.logger.Warn("saving variant counters failed", "test_id", testID, "error", err)
		return false
	}
	return true
}

// GetMetrics returns every metric aggregate of a test.
func (r *Registry) GetMetrics(ctx context.Context, testID string) ([]*MetricData, bool) {
	lock := r.lockFor(testID)
	lock.RLock()
	defer lock.RUnlock()

	if _, err := r.stores.Tests.GetTest(ctx, testID); err != nil {
		return nil, false
	}
	metrics, err := r.stores.Metrics.ListMetrics(ctx, testID)
	if err != nil {
		r.logger.Warn("listing metrics failed", "test_id", testID, "error", err)
		return nil, false
	}
	return metrics, true
}

// -----------------------------------------------------------------------------
// Analysis
// -----------------------------------------------------------------------------

// AnalyzeTest computes results for a test and stores them on the test.
//
// Outputs:
//   - *Results: Always structured; insufficient data is a status.
//   - bool: False only when the test is unknown.
func (r *Registry) AnalyzeTest(ctx context.Context, testID string) (*Results, bool) {
	_, res, ok := r.analyze(ctx, testID)
	return res, ok
}

// GetRecommendations analyzes a test and turns the results into
// recommendations.
func (r *Registry) GetRecommendations(ctx context.Context, testID string) ([]Recommendation, bool) {
	test, res, ok := r.analyze(ctx, testID)
	if !ok {
		return nil, false
	}
	return r.recommender.Recommend(test, res), true
}

type analysis struct {
	test    *Test
	results *Results
}

// analyze runs one analysis per test at a time. Callers that arrive while
// an analysis is in flight share its outcome and each get their own copy.
func (r *Registry) analyze(ctx context.Context, testID string) (*Test, *Results, bool) {
	// The computation is shared, so one caller's cancellation must not
	// fail the others.
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := r.analyses.Do(testID, func() (any, error) {
		test, res, ok := r.runAnalysis(flightCtx, testID)
		if !ok {
			return nil, ErrNotFound
		}
		return analysis{test: test, results: res}, nil
	})
	if err != nil {
		return nil, nil, false
	}
	if shared {
		recordSharedAnalysis(ctx)
	}
	a := v.(analysis)
	return a.test.Clone(), a.results.Clone(), true
}

func (r *Registry) runAnalysis(ctx context.Context, testID string) (*Test, *Results, bool) {
	ctx, span := tracer.Start(ctx, "Registry.AnalyzeTest",
		trace.WithAttributes(attribute.String("experiments.test_id", testID)),
	)
	defer span.End()
	start := time.Now()

	lock := r.lockFor(testID)
	lock.RLock()
	test, err := r.stores.Tests.GetTest(ctx, testID)
	if errors.Is(err, ErrNotFound) {
		lock.RUnlock()
		return nil, nil, false
	}
	if err != nil {
		lock.RUnlock()
		r.logger.Warn("loading test for analysis failed", "test_id", testID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load test")
		res := &Results{
			TestID:     testID,
			Status:     ResultUnavailable,
			AnalyzedAt: r.clock(),
			Quality:    QualityChecks{SRMPValue: 1, Warnings: []string{"test could not be loaded: " + err.Error()}},
		}
		recordAnalysis(ctx, time.Since(start), res.Status)
		return &Test{ID: testID}, res, true
	}
	metrics, err := r.stores.Metrics.ListMetrics(ctx, testID)
	lock.RUnlock()
	if err != nil {
		r.logger.Warn("listing metrics for analysis failed", "test_id", testID, "error", err)
		span.RecordError(err)
	}

	res := r.analyzer.Analyze(test, metrics)
	test.Results = res

	if !r.closed.Load() {
		lock.Lock()
		if latest, err := r.stores.Tests.GetTest(ctx, testID); err == nil {
			latest.Results = res.Clone()
			if err := r.stores.Tests.SaveTest(ctx, latest); err != nil {
				r.logger.Warn("saving results failed", "test_id", testID, "error", err)
			}
		}
		lock.Unlock()
	}

	span.SetAttributes(attribute.String("experiments.status", string(res.Status)))
	recordAnalysis(ctx, time.Since(start), res.Status)
	r.logger.Debug("test analyzed",
		"test_id", testID,
		"status", res.Status,
		"total_exposures", res.TotalExposures,
	)
	return test, res, true
}
