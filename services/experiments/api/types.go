// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

// ServiceVersion is the experiments API version.
const ServiceVersion = "0.1.0"

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeUnavailable       = "UNAVAILABLE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInternal          = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ListTestsResponse is returned by GET /v1/experiments.
type ListTestsResponse struct {
	Tests []*experiments.Test `json:"tests"`
	Count int                 `json:"count"`
}

// TransitionResponse is returned by the lifecycle endpoints.
type TransitionResponse struct {
	TestID string             `json:"test_id"`
	Status experiments.Status `json:"status"`
}

// AssignRequest is the body of POST /v1/experiments/:id/assign.
type AssignRequest struct {
	UserID     string                 `json:"user_id" binding:"required"`
	Attributes experiments.Attributes `json:"attributes,omitempty"`
	Session    map[string]any         `json:"session,omitempty"`
	Device     map[string]any         `json:"device,omitempty"`
}

// AssignResponse reports the user's variant. Assigned is false when the
// user is not part of the test.
type AssignResponse struct {
	TestID    string `json:"test_id"`
	UserID    string `json:"user_id"`
	VariantID string `json:"variant_id,omitempty"`
	Assigned  bool   `json:"assigned"`
}

// ExposureRequest is the body of POST /v1/experiments/:id/exposures.
type ExposureRequest struct {
	UserID     string         `json:"user_id" binding:"required"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ConversionRequest is the body of POST /v1/experiments/:id/conversions.
type ConversionRequest struct {
	UserID     string         `json:"user_id" binding:"required"`
	GoalID     string         `json:"goal_id" binding:"required"`
	Value      float64        `json:"value"`
	Properties map[string]any `json:"properties,omitempty"`
}

// MetricRequest is the body of POST /v1/experiments/:id/metrics.
type MetricRequest struct {
	UserID     string         `json:"user_id" binding:"required"`
	Name       string         `json:"name" binding:"required"`
	Value      float64        `json:"value"`
	Properties map[string]any `json:"properties,omitempty"`
}

// TrackResponse reports whether an event was recorded. Events for unknown
// users, goals or inactive tests are dropped, not rejected.
type TrackResponse struct {
	Recorded bool `json:"recorded"`
}

// MetricsResponse is returned by GET /v1/experiments/:id/metrics.
type MetricsResponse struct {
	TestID  string                    `json:"test_id"`
	Metrics []*experiments.MetricData `json:"metrics"`
}

// RecommendationsResponse is returned by
// GET /v1/experiments/:id/recommendations.
type RecommendationsResponse struct {
	TestID          string                       `json:"test_id"`
	Recommendations []experiments.Recommendation `json:"recommendations"`
}
