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
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/definition"
)

// maxDefinitionBytes caps the size of a test definition body.
const maxDefinitionBytes = 1 << 20

// Handlers serves the experiments API over a Registry.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	reg *experiments.Registry
}

// NewHandlers creates handlers for reg.
func NewHandlers(reg *experiments.Registry) *Handlers {
	return &Handlers{reg: reg}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleCreate handles POST /v1/experiments.
//
// Request Body:
//
//	experiments.TestConfig as JSON, or a YAML definition when the content
//	type mentions yaml.
//
// Response:
//
//	201 Created: experiments.Test
//	400 Bad Request: Malformed body or invalid configuration
func (h *Handlers) HandleCreate(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx).With("handler", "HandleCreate")

	cfg, err := decodeDefinition(c)
	if err != nil {
		logger.Warn("invalid test definition", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}

	test, err := h.reg.CreateTest(ctx, *cfg)
	if err != nil {
		var verr *experiments.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid test configuration",
				Code:    CodeInvalidConfig,
				Details: strings.Join(verr.Problems, "; "),
			})
		case errors.Is(err, experiments.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeUnavailable})
		default:
			logger.Error("create test failed", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create test", Code: CodeInternal})
		}
		return
	}

	logger.Info("test created", "test_id", test.ID)
	c.JSON(http.StatusCreated, test)
}

func decodeDefinition(c *gin.Context) (*experiments.TestConfig, error) {
	if strings.Contains(c.ContentType(), "yaml") {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDefinitionBytes))
		if err != nil {
			return nil, err
		}
		return definition.Parse(body)
	}
	var cfg experiments.TestConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HandleList handles GET /v1/experiments.
func (h *Handlers) HandleList(c *gin.Context) {
	ctx := c.Request.Context()
	tests, err := h.reg.ListTests(ctx)
	if err != nil {
		logging.FromContext(ctx).Error("list tests failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list tests", Code: CodeInternal})
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := tests[:0]
		for _, t := range tests {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tests = filtered
	}
	if tests == nil {
		tests = []*experiments.Test{}
	}
	c.JSON(http.StatusOK, ListTestsResponse{Tests: tests, Count: len(tests)})
}

// HandleGet handles GET /v1/experiments/:id.
func (h *Handlers) HandleGet(c *gin.Context) {
	test, ok := h.reg.GetTest(c.Request.Context(), c.Param("id"))
	if !ok {
		notFound(c, c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, test)
}

// HandleTransition returns a handler for POST /v1/experiments/:id/{action}.
//
// Response:
//
//	200 OK: TransitionResponse
//	404 Not Found: Unknown test
//	409 Conflict: The transition is not allowed from the current status
func (h *Handlers) HandleTransition(action string, fn func(*experiments.Registry, context.Context, string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		if !fn(h.reg, ctx, id) {
			test, ok := h.reg.GetTest(ctx, id)
			if !ok {
				notFound(c, id)
				return
			}
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "cannot " + action + " a " + string(test.Status) + " test",
				Code:    CodeInvalidTransition,
				Details: "current status: " + string(test.Status),
			})
			return
		}

		test, _ := h.reg.GetTest(ctx, id)
		logging.FromContext(ctx).Info("test transitioned", "test_id", id, "action", action)
		c.JSON(http.StatusOK, TransitionResponse{TestID: id, Status: test.Status})
	}
}

// HandleAssign handles POST /v1/experiments/:id/assign.
//
// Response:
//
//	200 OK: AssignResponse, Assigned=false when the user is not in the test
//	400 Bad Request: Missing user_id
func (h *Handlers) HandleAssign(c *gin.Context) {
	var req AssignRequest
	if !bindJSON(c, &req) {
		return
	}
	id := c.Param("id")
	variantID, ok := h.reg.AssignUserToVariant(c.Request.Context(), id, req.UserID, req.Attributes, req.Session, req.Device)
	c.JSON(http.StatusOK, AssignResponse{
		TestID:    id,
		UserID:    req.UserID,
		VariantID: variantID,
		Assigned:  ok,
	})
}

// HandleGetAssignment handles GET /v1/experiments/:id/assignments/:user.
func (h *Handlers) HandleGetAssignment(c *gin.Context) {
	a, ok := h.reg.GetAssignment(c.Request.Context(), c.Param("id"), c.Param("user"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "assignment not found", Code: CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, a)
}

// HandleExposure handles POST /v1/experiments/:id/exposures.
func (h *Handlers) HandleExposure(c *gin.Context) {
	var req ExposureRequest
	if !bindJSON(c, &req) {
		return
	}
	ok := h.reg.TrackExposure(c.Request.Context(), c.Param("id"), req.UserID, req.Properties)
	c.JSON(http.StatusOK, TrackResponse{Recorded: ok})
}

// HandleConversion handles POST /v1/experiments/:id/conversions.
func (h *Handlers) HandleConversion(c *gin.Context) {
	var req ConversionRequest
	if !bindJSON(c, &req) {
		return
	}
	ok := h.reg.TrackConversion(c.Request.Context(), c.Param("id"), req.UserID, req.GoalID, req.Value, req.Properties)
	c.JSON(http.StatusOK, TrackResponse{Recorded: ok})
}

// HandleMetric handles POST /v1/experiments/:id/metrics.
func (h *Handlers) HandleMetric(c *gin.Context) {
	var req MetricRequest
	if !bindJSON(c, &req) {
		return
	}
	ok := h.reg.TrackMetric(c.Request.Context(), c.Param("id"), req.UserID, req.Name, req.Value, req.Properties)
	c.JSON(http.StatusOK, TrackResponse{Recorded: ok})
}

// HandleGetMetrics handles GET /v1/experiments/:id/metrics.
func (h *Handlers) HandleGetMetrics(c *gin.Context) {
	id := c.Param("id")
	metrics, ok := h.reg.GetMetrics(c.Request.Context(), id)
	if !ok {
		notFound(c, id)
		return
	}
	if metrics == nil {
		metrics = []*experiments.MetricData{}
	}
	c.JSON(http.StatusOK, MetricsResponse{TestID: id, Metrics: metrics})
}

// HandleAnalysis handles GET /v1/experiments/:id/analysis.
func (h *Handlers) HandleAnalysis(c *gin.Context) {
	id := c.Param("id")
	res, ok := h.reg.AnalyzeTest(c.Request.Context(), id)
	if !ok {
		notFound(c, id)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleRecommendations handles GET /v1/experiments/:id/recommendations.
func (h *Handlers) HandleRecommendations(c *gin.Context) {
	id := c.Param("id")
	recs, ok := h.reg.GetRecommendations(c.Request.Context(), id)
	if !ok {
		notFound(c, id)
		return
	}
	c.JSON(http.StatusOK, RecommendationsResponse{TestID: id, Recommendations: recs})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		logging.FromContext(c.Request.Context()).Warn("invalid request body", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return false
	}
	return true
}

func notFound(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "test not found",
		Code:    CodeNotFound,
		Details: "id: " + id,
	})
}
