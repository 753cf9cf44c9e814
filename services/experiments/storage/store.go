// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

const (
	testPrefix       = "test/"
	assignmentPrefix = "assign/"
	metricPrefix     = "metric/"
)

// Store implements the experiments repositories over a KV backend.
//
// Thread Safety: Safe for concurrent use. Read-modify-write sequences are
// serialized by the registry's per-test locks, not by Store.
type Store struct {
	kv KV
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Stores returns the bundle expected by experiments.NewRegistry.
func (s *Store) Stores() experiments.Stores {
	return experiments.Stores{Tests: s, Assignments: s, Metrics: s}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

func testKey(id string) string { return testPrefix + id }

func assignmentKey(testID, userID string) string {
	return assignmentPrefix + testID + "/" + userID
}

func metricKey(testID, variantID, name string) string {
	return metricPrefix + testID + "/" + variantID + "/" + name
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Put(ctx, key, data)
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return experiments.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// scan decodes every value under prefix as a T.
func scan[T any](ctx context.Context, kv KV, prefix string) ([]*T, error) {
	var out []*T
	err := kv.Scan(ctx, prefix, func(key string, value []byte) error {
		v := new(T)
		if err := json.Unmarshal(value, v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// SaveTest implements experiments.TestStore.
func (s *Store) SaveTest(ctx context.Context, test *experiments.Test) error {
	return s.put(ctx, testKey(test.ID), test)
}

// GetTest implements experiments.TestStore.
func (s *Store) GetTest(ctx context.Context, id string) (*experiments.Test, error) {
	var t experiments.Test
	if err := s.get(ctx, testKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTests implements experiments.TestStore, ordered by creation time.
func (s *Store) ListTests(ctx context.Context) ([]*experiments.Test, error) {
	tests, err := scan[experiments.Test](ctx, s.kv, testPrefix)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	sort.SliceStable(tests, func(i, j int) bool {
		if !tests[i].CreatedAt.Equal(tests[j].CreatedAt) {
			return tests[i].CreatedAt.Before(tests[j].CreatedAt)
		}
		return tests[i].ID < tests[j].ID
	})
	return tests, nil
}

// SaveAssignment implements experiments.AssignmentStore.
func (s *Store) SaveAssignment(ctx context.Context, a *experiments.Assignment) error {
	return s.put(ctx, assignmentKey(a.TestID, a.UserID), a)
}

// GetAssignment implements experiments.AssignmentStore.
func (s *Store) GetAssignment(ctx context.Context, testID, userID string) (*experiments.Assignment, error) {
	var a experiments.Assignment
	if err := s.get(ctx, assignmentKey(testID, userID), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAssignments implements experiments.AssignmentStore.
func (s *Store) ListAssignments(ctx context.Context, testID string) ([]*experiments.Assignment, error) {
	out, err := scan[experiments.Assignment](ctx, s.kv, assignmentPrefix+testID+"/")
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

// SaveMetric implements experiments.MetricStore.
func (s *Store) SaveMetric(ctx context.Context, m *experiments.MetricData) error {
	return s.put(ctx, metricKey(m.TestID, m.VariantID, m.Name), m)
}

// GetMetric implements experiments.MetricStore.
func (s *Store) GetMetric(ctx context.Context, testID, variantID, name string) (*experiments.MetricData, error) {
	var m experiments.MetricData
	if err := s.get(ctx, metricKey(testID, variantID, name), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMetrics implements experiments.MetricStore.
func (s *Store) ListMetrics(ctx context.Context, testID string) ([]*experiments.MetricData, error) {
	out, err := scan[experiments.MetricData](ctx, s.kv, metricPrefix+testID+"/")
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Backend Selection
// -----------------------------------------------------------------------------

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of memory, badger or sqlite. Default: memory.
	Backend string `yaml:"backend" json:"backend"`

	// Path is the BadgerDB directory or the SQLite file. For sqlite a
	// directory path gets "experiments.db" appended.
	Path string `yaml:"path" json:"path"`

	// SyncWrites fsyncs every BadgerDB commit.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval overrides the BadgerDB value log GC interval. Zero keeps
	// the default.
	GCInterval time.Duration `yaml:"gc_interval,omitempty" json:"gc_interval,omitempty"`
}

// Open builds the stores for cfg.
//
// Outputs:
//   - experiments.Stores: Ready for experiments.NewRegistry. Closing the
//     registry closes the backend.
//   - error: Non-nil for unknown backends or when the backend fails to open.
func Open(cfg Config, logger *slog.Logger) (experiments.Stores, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return experiments.NewMemoryStores(), nil

	case BackendBadger:
		bc := DefaultBadgerConfig(cfg.Path)
		bc.SyncWrites = cfg.SyncWrites
		bc.Logger = logger
		if cfg.GCInterval > 0 {
			bc.GCInterval = cfg.GCInterval
		}
		kv, err := OpenBadger(bc)
		if err != nil {
			return experiments.Stores{}, err
		}
		return NewStore(kv).Stores(), nil

	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			return experiments.Stores{}, errors.New("sqlite backend requires a path")
		}
		if path != ":memory:" {
			if filepath.Ext(path) == "" {
				path = filepath.Join(path, "experiments.db")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
				return experiments.Stores{}, fmt.Errorf("create database directory: %w", err)
			}
		}
		kv, err := OpenSQLite(path)
		if err != nil {
			return experiments.Stores{}, err
		}
		return NewStore(kv).Stores(), nil

	default:
		return experiments.Stores{}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
