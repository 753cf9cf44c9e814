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
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *experiments.Registry {
	t.Helper()
	reg, err := experiments.NewRegistry(experiments.NewMemoryStores(),
		experiments.WithLogger(quietLogger()),
		experiments.WithRandomSource(experiments.NewSeededSource(1)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func setupTestRouter(t *testing.T, cfg RouterConfig) (*gin.Engine, *experiments.Registry) {
	t.Helper()
	reg := newTestRegistry(t)
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return NewRouter(reg, cfg), reg
}

func checkoutConfig() experiments.TestConfig {
	return experiments.TestConfig{
		ID:   "checkout-flow",
		Name: "Checkout flow",
		Variants: []experiments.VariantConfig{
			{ID: "control", Weight: 0.5, IsControl: true},
			{ID: "treatment", Weight: 0.5},
		},
		PrimaryGoal:         experiments.Goal{ID: "purchase", MinimumDetectableEffect: 0.1},
		PlannedDurationDays: 14,
		MinimumSampleSize:   100,
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func createAndStart(t *testing.T, router http.Handler) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/experiments", checkoutConfig())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandlers_HandleHealth(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestHandlers_RequestID(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestHandlers_CreateAndGet(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})

	w := doJSON(t, router, http.MethodPost, "/v1/experiments", checkoutConfig())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[experiments.Test](t, w)
	assert.Equal(t, "checkout-flow", created.ID)
	assert.Equal(t, experiments.StatusDraft, created.Status)
	assert.Len(t, created.Variants, 2)

	w = doJSON(t, router, http.MethodGet, "/v1/experiments/checkout-flow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[experiments.Test](t, w)
	assert.Equal(t, created.Name, got.Name)
}

func TestHandlers_CreateFromYAML(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})

	body := `
id: banner
name: Banner copy
variants:
  - {id: old, weight: 0.5, is_control: true}
  - {id: new, weight: 0.5}
primary_goal: {id: click}
`
	req := httptest.NewRequest(http.MethodPost, "/v1/experiments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/yaml")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "banner", decode[experiments.Test](t, w).ID)
}

func TestHandlers_CreateErrors(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})

	badWeights := checkoutConfig()
	badWeights.Variants[1].Weight = 0.7

	tests := []struct {
		name     string
		body     string
		wantCode string
		wantText string
	}{
		{"malformed json", `{"name":`, CodeInvalidRequest, ""},
		{"weights", mustJSON(t, badWeights), CodeInvalidConfig, "weights sum"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/experiments", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Contains(t, resp.Details, tt.wantText)
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/experiments", checkoutConfig())
		require.Equal(t, http.StatusCreated, w.Code)
		w = doJSON(t, router, http.MethodPost, "/v1/experiments", checkoutConfig())
		require.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode[ErrorResponse](t, w)
		assert.Equal(t, CodeInvalidConfig, resp.Code)
		assert.Contains(t, resp.Details, "already exists")
	})
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestHandlers_NotFound(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})

	for _, path := range []string{
		"/v1/experiments/missing",
		"/v1/experiments/missing/metrics",
		"/v1/experiments/missing/analysis",
		"/v1/experiments/missing/recommendations",
		"/v1/experiments/missing/assignments/u1",
	} {
		w := doJSON(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, w).Code, path)
	}

	w := doJSON(t, router, http.MethodPost, "/v1/experiments/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Lifecycle(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})
	createAndStart(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/start", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, CodeInvalidTransition, resp.Code)
	assert.Contains(t, resp.Details, "running")

	steps := []struct {
		action string
		want   experiments.Status
	}{
		{"pause", experiments.StatusPaused},
		{"resume", experiments.StatusRunning},
		{"complete", experiments.StatusCompleted},
		{"archive", experiments.StatusArchived},
	}
	for _, s := range steps {
		w := doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/"+s.action, nil)
		require.Equal(t, http.StatusOK, w.Code, s.action)
		assert.Equal(t, s.want, decode[TransitionResponse](t, w).Status, s.action)
	}
}

func TestHandlers_ListWithStatusFilter(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})
	createAndStart(t, router)

	draft := checkoutConfig()
	draft.ID = "draft-test"
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/v1/experiments", draft).Code)

	w := doJSON(t, router, http.MethodGet, "/v1/experiments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[ListTestsResponse](t, w).Count)

	w = doJSON(t, router, http.MethodGet, "/v1/experiments?status=running", nil)
	list := decode[ListTestsResponse](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "checkout-flow", list.Tests[0].ID)

	w = doJSON(t, router, http.MethodGet, "/v1/experiments?status=archived", nil)
	assert.Equal(t, 0, decode[ListTestsResponse](t, w).Count)
	assert.Contains(t, w.Body.String(), `"tests":[]`)
}

func TestHandlers_AssignAndTrack(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})

	w := doJSON(t, router, http.MethodPost, "/v1/experiments", checkoutConfig())
	require.Equal(t, http.StatusCreated, w.Code)

	// Draft tests do not assign.
	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/assign", AssignRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[AssignResponse](t, w).Assigned)

	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/start", nil).Code)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/assign", AssignRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[AssignResponse](t, w)
	require.True(t, first.Assigned)
	assert.Contains(t, []string{"control", "treatment"}, first.VariantID)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/assign", AssignRequest{UserID: "u1"})
	assert.Equal(t, first.VariantID, decode[AssignResponse](t, w).VariantID)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/assign", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)

	w = doJSON(t, router, http.MethodGet, "/v1/experiments/checkout-flow/assignments/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.VariantID, decode[experiments.Assignment](t, w).VariantID)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/exposures", ExposureRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[TrackResponse](t, w).Recorded)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/conversions",
		ConversionRequest{UserID: "u1", GoalID: "purchase", Value: 42})
	assert.True(t, decode[TrackResponse](t, w).Recorded)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/conversions",
		ConversionRequest{UserID: "u1", GoalID: "unknown-goal"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[TrackResponse](t, w).Recorded)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/conversions",
		ConversionRequest{UserID: "stranger", GoalID: "purchase"})
	assert.False(t, decode[TrackResponse](t, w).Recorded)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/metrics",
		MetricRequest{UserID: "u1", Name: "latency_ms", Value: 120})
	assert.True(t, decode[TrackResponse](t, w).Recorded)

	w = doJSON(t, router, http.MethodGet, "/v1/experiments/checkout-flow/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	metrics := decode[MetricsResponse](t, w)
	names := make([]string, 0, len(metrics.Metrics))
	for _, m := range metrics.Metrics {
		names = append(names, m.Name)
	}
	assert.Contains(t, names, "latency_ms")
	assert.Contains(t, names, experiments.ConversionMetricPrefix+"purchase")

	w = doJSON(t, router, http.MethodGet, "/v1/experiments/checkout-flow", nil)
	test := decode[experiments.Test](t, w)
	v := test.Variant(first.VariantID)
	require.NotNil(t, v)
	assert.Equal(t, int64(1), v.Exposures)
	assert.Equal(t, int64(1), v.Impressions)
	assert.Equal(t, int64(1), v.Conversions)
}

func TestHandlers_AnalysisAndRecommendations(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})
	createAndStart(t, router)

	doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/assign", AssignRequest{UserID: "u1"})

	w := doJSON(t, router, http.MethodGet, "/v1/experiments/checkout-flow/analysis", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[experiments.Results](t, w)
	assert.Equal(t, "checkout-flow", res.TestID)
	assert.Equal(t, experiments.ResultInsufficientData, res.Status)

	w = doJSON(t, router, http.MethodGet, "/v1/experiments/checkout-flow/recommendations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	recs := decode[RecommendationsResponse](t, w)
	require.NotEmpty(t, recs.Recommendations)
	assert.Equal(t, experiments.ActionContinue, recs.Recommendations[0].Action)
}

func TestHandlers_RateLimit(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{Limiter: NewLimiter(0.001, 1)})
	createAndStart(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/assign", AssignRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/checkout-flow/assign", AssignRequest{UserID: "u2"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, w).Code)

	// Reads are not limited.
	w = doJSON(t, router, http.MethodGet, "/v1/experiments/checkout-flow", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 10))
	assert.Nil(t, NewLimiter(-1, 10))

	l := NewLimiter(5, 0)
	require.NotNil(t, l)
	assert.Equal(t, 5, l.Burst())

	l = NewLimiter(0.5, 0)
	assert.Equal(t, 1, l.Burst())
}

func TestHandlers_PrometheusMetrics(t *testing.T) {
	router, _ := setupTestRouter(t, RouterConfig{})
	doJSON(t, router, http.MethodGet, "/health", nil)

	w := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_experiments_api_requests_total")
}

func TestHandlers_ClosedRegistry(t *testing.T) {
	router, reg := setupTestRouter(t, RouterConfig{})
	require.NoError(t, reg.Close())

	w := doJSON(t, router, http.MethodPost, "/v1/experiments", checkoutConfig())
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeUnavailable, decode[ErrorResponse](t, w).Code)
}
