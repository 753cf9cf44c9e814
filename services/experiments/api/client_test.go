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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

func newTestServer(t *testing.T) *Client {
	t.Helper()
	router, _ := setupTestRouter(t, RouterConfig{})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/")
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	cfg := checkoutConfig()
	test, err := c.CreateTest(ctx, &cfg)
	require.NoError(t, err)
	assert.Equal(t, experiments.StatusDraft, test.Status)

	tr, err := c.Transition(ctx, test.ID, "start")
	require.NoError(t, err)
	assert.Equal(t, experiments.StatusRunning, tr.Status)

	assigned, err := c.Assign(ctx, test.ID, AssignRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, assigned.Assigned)

	got, err := c.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalExposures())

	running, err := c.ListTests(ctx, experiments.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	drafts, err := c.ListTests(ctx, experiments.StatusDraft)
	require.NoError(t, err)
	assert.Empty(t, drafts)

	res, err := c.Analyze(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, experiments.ResultInsufficientData, res.Status)

	recs, err := c.Recommendations(ctx, test.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
}

func TestClient_APIError(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t)

	_, err := c.GetTest(ctx, "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, CodeNotFound, apiErr.Response.Code)
	assert.Contains(t, err.Error(), "404")

	cfg := checkoutConfig()
	_, err = c.CreateTest(ctx, &cfg)
	require.NoError(t, err)
	_, err = c.Transition(ctx, cfg.ID, "archive")
	require.NoError(t, err, "draft tests can be archived")
	_, err = c.Transition(ctx, cfg.ID, "start")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, CodeInvalidTransition, apiErr.Response.Code)
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Response.Error)
}

func TestNewClient_Default(t *testing.T) {
	assert.Equal(t, DefaultServerURL, NewClient("").baseURL)
}
