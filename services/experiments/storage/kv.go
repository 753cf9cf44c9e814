// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package storage provides persistent backends for the experiments registry.
//
// Every backend is a small key-value store; Store layers the test,
// assignment and metric repositories on top of it with a JSON codec:
//
//	test/{testID}                        -> experiments.Test
//	assign/{testID}/{userID}             -> experiments.Assignment
//	metric/{testID}/{variantID}/{metric} -> experiments.MetricData
//
// Backends:
//   - memory: experiments.NewMemoryStores, nothing survives a restart
//   - badger: embedded BadgerDB, one directory per deployment
//   - sqlite: a single SQLite file through the pure Go modernc driver
package storage

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by KV.Get for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// KV is the byte-level contract implemented by each backend.
//
// Thread Safety: Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value stored at key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Scan calls fn for every key starting with prefix, in key order.
	// Iteration stops at the first error returned by fn.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Close releases the backend.
	Close() error
}
