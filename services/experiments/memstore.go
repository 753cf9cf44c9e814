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
	"cmp"
	"context"
	"slices"
	"sync"
)

// memoryStore keeps everything in maps. It is the default for embedding and
// tests; assignments do not survive a restart.
type memoryStore struct {
	mu          sync.RWMutex
	tests       map[string]*Test
	assignments map[string]map[string]*Assignment
	metrics     map[string]map[metricKey]*MetricData
}

type metricKey struct {
	variantID string
	name      string
}

// NewMemoryStores returns in-memory stores sharing one backing structure.
func NewMemoryStores() Stores {
	m := &memoryStore{
		tests:       make(map[string]*Test),
		assignments: make(map[string]map[string]*Assignment),
		metrics:     make(map[string]map[metricKey]*MetricData),
	}
	return Stores{Tests: m, Assignments: m, Metrics: m}
}

func (m *memoryStore) SaveTest(_ context.Context, test *Test) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[test.ID] = test.Clone()
	return nil
}

func (m *memoryStore) GetTest(_ context.Context, id string) (*Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memoryStore) ListTests(_ context.Context) ([]*Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Test, 0, len(m.tests))
	for _, t := range m.tests {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b *Test) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *memoryStore) SaveAssignment(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.assignments[a.TestID]
	if !ok {
		byUser = make(map[string]*Assignment)
		m.assignments[a.TestID] = byUser
	}
	byUser[a.UserID] = a.Clone()
	return nil
}

func (m *memoryStore) GetAssignment(_ context.Context, testID, userID string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[testID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *memoryStore) ListAssignments(_ context.Context, testID string) ([]*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Assignment, 0, len(m.assignments[testID]))
	for _, a := range m.assignments[testID] {
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(a, b *Assignment) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out, nil
}

func (m *memoryStore) SaveMetric(_ context.Context, d *MetricData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.metrics[d.TestID]
	if !ok {
		byKey = make(map[metricKey]*MetricData)
		m.metrics[d.TestID] = byKey
	}
	byKey[metricKey{d.VariantID, d.Name}] = d.Clone()
	return nil
}

func (m *memoryStore) GetMetric(_ context.Context, testID, variantID, name string) (*MetricData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.metrics[testID][metricKey{variantID, name}]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *memoryStore) ListMetrics(_ context.Context, testID string) ([]*MetricData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MetricData, 0, len(m.metrics[testID]))
	for _, d := range m.metrics[testID] {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *MetricData) int {
		if c := cmp.Compare(a.VariantID, b.VariantID); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}
