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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

// ServiceName labels the HTTP server spans.
const ServiceName = "experiments-service"

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// Logger is the base request logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Limiter bounds event ingestion. Nil disables rate limiting.
	Limiter *rate.Limiter

	// MetricsHandler serves GET /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// RegisterRoutes registers the experiments API under rg.
//
// Routes:
//
//	POST   /experiments                        Create a test
//	GET    /experiments                        List tests (?status=running)
//	GET    /experiments/:id                    Get a test
//	POST   /experiments/:id/start              Draft -> running
//	POST   /experiments/:id/pause              Running -> paused
//	POST   /experiments/:id/resume             Paused -> running
//	POST   /experiments/:id/complete           Running or paused -> completed
//	POST   /experiments/:id/archive            Completed -> archived
//	POST   /experiments/:id/assign             Assign a user (rate limited)
//	POST   /experiments/:id/exposures          Track an exposure (rate limited)
//	POST   /experiments/:id/conversions        Track a conversion (rate limited)
//	POST   /experiments/:id/metrics            Track a metric value (rate limited)
//	GET    /experiments/:id/metrics            Per-variant aggregates
//	GET    /experiments/:id/assignments/:user  A user's assignment
//	GET    /experiments/:id/analysis           Run the analysis
//	GET    /experiments/:id/recommendations    Recommendations from a fresh analysis
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers, limiter *rate.Limiter) {
	exp := rg.Group("/experiments")
	{
		exp.POST("", h.HandleCreate)
		exp.GET("", h.HandleList)
		exp.GET("/:id", h.HandleGet)

		exp.POST("/:id/start", h.HandleTransition("start", (*experiments.Registry).StartTest))
		exp.POST("/:id/pause", h.HandleTransition("pause", (*experiments.Registry).PauseTest))
		exp.POST("/:id/resume", h.HandleTransition("resume", (*experiments.Registry).ResumeTest))
		exp.POST("/:id/complete", h.HandleTransition("complete", (*experiments.Registry).CompleteTest))
		exp.POST("/:id/archive", h.HandleTransition("archive", (*experiments.Registry).ArchiveTest))

		ingest := exp.Group("", RateLimit(limiter))
		ingest.POST("/:id/assign", h.HandleAssign)
		ingest.POST("/:id/exposures", h.HandleExposure)
		ingest.POST("/:id/conversions", h.HandleConversion)
		ingest.POST("/:id/metrics", h.HandleMetric)

		exp.GET("/:id/metrics", h.HandleGetMetrics)
		exp.GET("/:id/assignments/:user", h.HandleGetAssignment)
		exp.GET("/:id/analysis", h.HandleAnalysis)
		exp.GET("/:id/recommendations", h.HandleRecommendations)
	}
}

// NewRouter builds the gin engine serving the experiments API with request
// IDs, tracing, Prometheus metrics and panic recovery.
func NewRouter(reg *experiments.Registry, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(RequestID(logger))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic in handler",
			"request_id", requestID(c),
			"path", c.Request.URL.Path,
			"panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  CodeInternal,
		})
	}))
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(Metrics())

	h := NewHandlers(reg)
	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	RegisterRoutes(router.Group("/v1"), h, cfg.Limiter)
	return router
}
