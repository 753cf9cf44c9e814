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
	"maps"
	"slices"
	"time"
)

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------

// Status is the lifecycle state of a test.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// TestType describes what a test varies. It is informational only.
type TestType string

const (
	TestTypeAB          TestType = "ab"
	TestTypeSplitURL    TestType = "split_url"
	TestTypeFeatureFlag TestType = "feature_flag"
	TestTypeModel       TestType = "model"
)

// Strategy selects how traffic is split between variants.
type Strategy string

const (
	StrategyEqual    Strategy = "equal"
	StrategyWeighted Strategy = "weighted"
	StrategyAdaptive Strategy = "adaptive"
	StrategyBandit   Strategy = "bandit"
)

// Operator is a comparison used by an audience criterion.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
)

// GoalType selects how a goal is measured.
type GoalType string

const (
	// GoalConversion compares per-variant conversion rates.
	GoalConversion GoalType = "conversion"

	// GoalMetric compares the mean of a tracked metric.
	GoalMetric GoalType = "metric"
)

// Direction is the desired direction of change for a goal.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// AnalysisMethod selects the extra statistics reported with each comparison.
type AnalysisMethod string

const (
	MethodFrequentist AnalysisMethod = "frequentist"
	MethodBayesian    AnalysisMethod = "bayesian"
)

// Correction is a multiple-testing correction applied per goal.
type Correction string

const (
	CorrectionNone       Correction = "none"
	CorrectionBonferroni Correction = "bonferroni"
	CorrectionHolm       Correction = "holm"
)

// -----------------------------------------------------------------------------
// Audience
// -----------------------------------------------------------------------------

// Attributes holds user attributes. Nested maps are addressed with dotted
// paths such as "location.country".
type Attributes map[string]any

// Criterion is one condition on a user attribute.
type Criterion struct {
	Field    string   `json:"field" yaml:"field" validate:"required"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required,oneof=equals not_equals in not_in contains greater_than less_than exists"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Segment is a conjunction of criteria.
type Segment struct {
	ID       string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Criteria []Criterion `json:"criteria" yaml:"criteria" validate:"dive"`
}

// -----------------------------------------------------------------------------
// Test Definition
// -----------------------------------------------------------------------------

// TrafficAllocation controls who enters a test and how they are split.
type TrafficAllocation struct {
	// Strategy defaults to StrategyEqual.
	Strategy Strategy `json:"strategy" yaml:"strategy" validate:"omitempty,oneof=equal weighted adaptive bandit"`

	// RolloutPercentage is the share of eligible users admitted (0-100].
	// Zero means 100.
	RolloutPercentage float64 `json:"rollout_percentage" yaml:"rollout_percentage" validate:"gte=0,lte=100"`
}

// Goal is a success criterion for a test.
type Goal struct {
	ID   string   `json:"id" yaml:"id" validate:"required,identifier"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type GoalType `json:"type" yaml:"type" validate:"omitempty,oneof=conversion metric"`

	// MetricName is the tracked metric compared for GoalMetric goals.
	MetricName string `json:"metric_name,omitempty" yaml:"metric_name,omitempty" validate:"required_if=Type metric"`

	// MinimumDetectableEffect is the relative change (0.05 = 5%) the goal
	// must reach to count as met.
	MinimumDetectableEffect float64 `json:"minimum_detectable_effect" yaml:"minimum_detectable_effect" validate:"gte=0"`

	// Direction defaults to DirectionIncrease.
	Direction Direction `json:"direction,omitempty" yaml:"direction,omitempty" validate:"omitempty,oneof=increase decrease"`
}

// StatisticalConfig tunes the analysis of a test.
type StatisticalConfig struct {
	Method     AnalysisMethod `json:"method" yaml:"method" validate:"omitempty,oneof=frequentist bayesian"`
	Correction Correction     `json:"correction" yaml:"correction" validate:"omitempty,oneof=none bonferroni holm"`

	// ConfidenceLevel defaults to 0.95.
	ConfidenceLevel float64 `json:"confidence_level" yaml:"confidence_level" validate:"omitempty,gt=0,lt=1"`

	// Power is the target statistical power, defaulting to 0.8.
	Power float64 `json:"power" yaml:"power" validate:"omitempty,gt=0,lt=1"`

	// PracticalThreshold is the absolute percent change treated as
	// practically significant. Zero uses the registry default.
	PracticalThreshold float64 `json:"practical_threshold" yaml:"practical_threshold" validate:"gte=0"`
}

// VariantConfig declares one arm of a new test.
type VariantConfig struct {
	ID        string         `json:"id" yaml:"id" validate:"required,identifier"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Weight    float64        `json:"weight" yaml:"weight" validate:"gte=0,lte=1"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	IsControl bool           `json:"is_control" yaml:"is_control"`

	// IsActive defaults to true when unset.
	IsActive *bool `json:"is_active,omitempty" yaml:"is_active,omitempty"`
}

// TestConfig is the input to Registry.CreateTest.
type TestConfig struct {
	// ID is generated when empty.
	ID                  string            `json:"id,omitempty" yaml:"id,omitempty" validate:"omitempty,identifier"`
	Name                string            `json:"name" yaml:"name" validate:"required,max=200"`
	Description         string            `json:"description,omitempty" yaml:"description,omitempty"`
	Type                TestType          `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=ab split_url feature_flag model"`
	Variants            []VariantConfig   `json:"variants" yaml:"variants" validate:"min=2,dive"`
	TrafficAllocation   TrafficAllocation `json:"traffic_allocation" yaml:"traffic_allocation"`
	TargetAudience      *Segment          `json:"target_audience,omitempty" yaml:"target_audience,omitempty"`
	Exclusions          []Segment         `json:"exclusions,omitempty" yaml:"exclusions,omitempty" validate:"dive"`
	PrimaryGoal         Goal              `json:"primary_goal" yaml:"primary_goal"`
	SecondaryGoals      []Goal            `json:"secondary_goals,omitempty" yaml:"secondary_goals,omitempty" validate:"dive"`
	PlannedDurationDays int               `json:"planned_duration_days" yaml:"planned_duration_days" validate:"gte=0"`
	MinimumSampleSize   int64             `json:"minimum_sample_size" yaml:"minimum_sample_size" validate:"gte=0"`
	MaximumSampleSize   int64             `json:"maximum_sample_size,omitempty" yaml:"maximum_sample_size,omitempty" validate:"gte=0"`
	Statistics          StatisticalConfig `json:"statistics" yaml:"statistics"`
}

// -----------------------------------------------------------------------------
// Stored Entities
// -----------------------------------------------------------------------------

// Variant is one arm of a test together with its running counters.
type Variant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Weight    float64        `json:"weight"`
	Config    map[string]any `json:"config,omitempty"`
	IsControl bool           `json:"is_control"`
	IsActive  bool           `json:"is_active"`

	// Exposures counts distinct users assigned to the variant.
	Exposures int64 `json:"exposures"`

	// Impressions counts TrackExposure events.
	Impressions int64 `json:"impressions"`

	// Conversions counts distinct users converting on the primary goal.
	Conversions int64 `json:"conversions"`

	// GoalConversions counts distinct converting users per goal ID.
	GoalConversions map[string]int64 `json:"goal_conversions,omitempty"`
}

// ConversionRate returns Conversions / Exposures, or 0 with no exposures.
func (v *Variant) ConversionRate() float64 {
	if v.Exposures == 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.Exposures)
}

// Test is an experiment definition with its lifecycle state.
type Test struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Description         string            `json:"description,omitempty"`
	Type                TestType          `json:"type"`
	Status              Status            `json:"status"`
	Variants            []Variant         `json:"variants"`
	TrafficAllocation   TrafficAllocation `json:"traffic_allocation"`
	TargetAudience      *Segment          `json:"target_audience,omitempty"`
	Exclusions          []Segment         `json:"exclusions,omitempty"`
	PrimaryGoal         Goal              `json:"primary_goal"`
	SecondaryGoals      []Goal            `json:"secondary_goals,omitempty"`
	PlannedDurationDays int               `json:"planned_duration_days"`
	MinimumSampleSize   int64             `json:"minimum_sample_size"`
	MaximumSampleSize   int64             `json:"maximum_sample_size,omitempty"`
	Statistics          StatisticalConfig `json:"statistics"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	EndsAt              *time.Time        `json:"ends_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	Results             *Results          `json:"results,omitempty"`
}

// Variant returns the variant with the given ID, or nil.
func (t *Test) Variant(id string) *Variant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// Control returns the control variant, or nil.
func (t *Test) Control() *Variant {
	for i := range t.Variants {
		if t.Variants[i].IsControl {
			return &t.Variants[i]
		}
	}
	return nil
}

// ActiveVariants returns pointers to the active variants in declaration order.
func (t *Test) ActiveVariants() []*Variant {
	active := make([]*Variant, 0, len(t.Variants))
	for i := range t.Variants {
		if t.Variants[i].IsActive {
			active = append(active, &t.Variants[i])
		}
	}
	return active
}

// Goals returns the primary goal followed by the secondary goals.
func (t *Test) Goals() []Goal {
	goals := make([]Goal, 0, 1+len(t.SecondaryGoals))
	goals = append(goals, t.PrimaryGoal)
	return append(goals, t.SecondaryGoals...)
}

// Goal returns the goal with the given ID.
func (t *Test) Goal(id string) (Goal, bool) {
	for _, g := range t.Goals() {
		if g.ID == id {
			return g, true
		}
	}
	return Goal{}, false
}

// TotalExposures sums exposures over every variant.
func (t *Test) TotalExposures() int64 {
	var total int64
	for i := range t.Variants {
		total += t.Variants[i].Exposures
	}
	return total
}

// Clone returns a deep copy of the mutable parts of the test. Variant
// config payloads and criterion values are shared.
func (t *Test) Clone() *Test {
	if t == nil {
		return nil
	}
	c := *t
	c.Variants = make([]Variant, len(t.Variants))
	for i, v := range t.Variants {
		v.GoalConversions = maps.Clone(v.GoalConversions)
		c.Variants[i] = v
	}
	if t.TargetAudience != nil {
		seg := cloneSegment(*t.TargetAudience)
		c.TargetAudience = &seg
	}
	if t.Exclusions != nil {
		c.Exclusions = make([]Segment, len(t.Exclusions))
		for i, s := range t.Exclusions {
			c.Exclusions[i] = cloneSegment(s)
		}
	}
	c.SecondaryGoals = slices.Clone(t.SecondaryGoals)
	c.StartedAt = cloneTime(t.StartedAt)
	c.EndsAt = cloneTime(t.EndsAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.Results = t.Results.Clone()
	return &c
}

func cloneSegment(s Segment) Segment {
	s.Criteria = slices.Clone(s.Criteria)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// -----------------------------------------------------------------------------
// Assignments
// -----------------------------------------------------------------------------

// EventType distinguishes events recorded on an assignment.
type EventType string

const (
	EventExposure   EventType = "exposure"
	EventConversion EventType = "conversion"
	EventMetric     EventType = "metric"
)

// Event is one tracked interaction of an assigned user.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// Name is the goal ID for conversions and the metric name for metrics.
	Name       string         `json:"name,omitempty"`
	Value      float64        `json:"value"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AssignmentContext is the user, session and device state captured when a
// user was first assigned.
type AssignmentContext struct {
	Attributes Attributes     `json:"attributes,omitempty"`
	Session    map[string]any `json:"session,omitempty"`
	Device     map[string]any `json:"device,omitempty"`
}

// Assignment is the sticky link between a user and a variant of a test.
type Assignment struct {
	ID          string            `json:"id"`
	TestID      string            `json:"test_id"`
	UserID      string            `json:"user_id"`
	VariantID   string            `json:"variant_id"`
	Strategy    Strategy          `json:"strategy"`
	AssignedAt  time.Time         `json:"assigned_at"`
	Exposures   []Event           `json:"exposures,omitempty"`
	Conversions []Event           `json:"conversions,omitempty"`
	Metrics     []Event           `json:"metrics,omitempty"`
	Context     AssignmentContext `json:"context"`
}

// HasConverted reports whether the user already converted on the goal.
func (a *Assignment) HasConverted(goalID string) bool {
	for _, e := range a.Conversions {
		if e.Name == goalID {
			return true
		}
	}
	return false
}

// Clone returns a copy with independent event slices.
func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	c := *a
	c.Exposures = slices.Clone(a.Exposures)
	c.Conversions = slices.Clone(a.Conversions)
	c.Metrics = slices.Clone(a.Metrics)
	return &c
}

// -----------------------------------------------------------------------------
// Metric Data
// -----------------------------------------------------------------------------

// MetricPoint is one recorded value.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricData is the streaming aggregate of one metric for one variant.
//
// Count, Sum, Mean, Variance, Min and Max cover every recorded value.
// Percentiles are exact over the retained TimeSeries window.
type MetricData struct {
	TestID      string        `json:"test_id"`
	VariantID   string        `json:"variant_id"`
	Name        string        `json:"name"`
	TimeSeries  []MetricPoint `json:"time_series"`
	Count       int64         `json:"count"`
	Sum         float64       `json:"sum"`
	Mean        float64       `json:"mean"`
	M2          float64       `json:"m2"`
	Variance    float64       `json:"variance"`
	StdDev      float64       `json:"std_dev"`
	Min         float64       `json:"min"`
	Max         float64       `json:"max"`
	P50         float64       `json:"p50"`
	P90         float64       `json:"p90"`
	P95         float64       `json:"p95"`
	P99         float64       `json:"p99"`
	LastUpdated time.Time     `json:"last_updated"`
}

// Clone returns a copy with an independent time series.
func (m *MetricData) Clone() *MetricData {
	if m == nil {
		return nil
	}
	c := *m
	c.TimeSeries = slices.Clone(m.TimeSeries)
	return &c
}
