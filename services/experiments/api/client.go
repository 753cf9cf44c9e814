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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

// DefaultServerURL is where the CLI looks for the experiments server.
const DefaultServerURL = "http://localhost:8090"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Response   ErrorResponse
}

// Error implements error.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Response.Error)
	if e.Response.Details != "" {
		msg += " (" + e.Response.Details + ")"
	}
	return msg
}

// Client calls the experiments HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. An empty baseURL
// uses DefaultServerURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTest submits a JSON-encoded test configuration.
func (c *Client) CreateTest(ctx context.Context, cfg *experiments.TestConfig) (*experiments.Test, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding test config: %w", err)
	}
	var out experiments.Test
	if err := c.do(ctx, http.MethodPost, "/v1/experiments", body, "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTests returns all tests, optionally filtered by status.
func (c *Client) ListTests(ctx context.Context, status experiments.Status) ([]*experiments.Test, error) {
	path := "/v1/experiments"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out ListTestsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Tests, nil
}

// GetTest fetches one test.
func (c *Client) GetTest(ctx context.Context, testID string) (*experiments.Test, error) {
	var out experiments.Test
	if err := c.do(ctx, http.MethodGet, testPath(testID, ""), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transition applies a lifecycle action: start, pause, resume, complete or
// archive.
func (c *Client) Transition(ctx context.Context, testID, action string) (*TransitionResponse, error) {
	var out TransitionResponse
	if err := c.do(ctx, http.MethodPost, testPath(testID, action), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Assign assigns a user to a variant.
func (c *Client) Assign(ctx context.Context, testID string, req AssignRequest) (*AssignResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding assign request: %w", err)
	}
	var out AssignResponse
	if err := c.do(ctx, http.MethodPost, testPath(testID, "assign"), body, "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Analyze runs the analysis for a test.
func (c *Client) Analyze(ctx context.Context, testID string) (*experiments.Results, error) {
	var out experiments.Results
	if err := c.do(ctx, http.MethodGet, testPath(testID, "analysis"), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recommendations fetches recommendations for a test.
func (c *Client) Recommendations(ctx context.Context, testID string) ([]experiments.Recommendation, error) {
	var out RecommendationsResponse
	if err := c.do(ctx, http.MethodGet, testPath(testID, "recommendations"), nil, "", &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

func testPath(testID, action string) string {
	p := "/v1/experiments/" + url.PathEscape(testID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, &apiErr.Response); jsonErr != nil || apiErr.Response.Error == "" {
			apiErr.Response.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
