// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package definition

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

const bannerYAML = `
name: Banner color
variants:
  - {id: blue, weight: 0.5, is_control: true}
  - {id: green, weight: 0.5}
primary_goal: {id: click}
`

func newRegistry(t *testing.T) *experiments.Registry {
	t.Helper()
	reg, err := experiments.NewRegistry(experiments.NewMemoryStores(),
		experiments.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIsDefinitionFile(t *testing.T) {
	assert.True(t, IsDefinitionFile("a.yaml"))
	assert.True(t, IsDefinitionFile("a.YML"))
	assert.True(t, IsDefinitionFile("dir/a.json"))
	assert.False(t, IsDefinitionFile("a.yaml.swp"))
	assert.False(t, IsDefinitionFile("README"))
}

func TestSyncDir(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t)
	ctx := context.Background()

	writeFile(t, dir, "checkout.yaml", checkoutYAML)
	writeFile(t, dir, "banner.yml", bannerYAML)
	broken := writeFile(t, dir, "broken.json", `{"name": "x"}`)
	writeFile(t, dir, "notes.txt", "not a definition")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive.yaml"), 0o755))

	report, err := SyncDir(ctx, dir, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"banner", "checkout-flow"}, report.Created)
	assert.Empty(t, report.Existing)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[broken], ErrSchema)

	test, ok := reg.GetTest(ctx, "banner")
	require.True(t, ok)
	assert.Equal(t, "Banner color", test.Name)
	assert.Equal(t, experiments.StatusDraft, test.Status)

	// A second pass leaves registered tests alone.
	report, err = SyncDir(ctx, dir, reg)
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	assert.Equal(t, []string{"banner", "checkout-flow"}, report.Existing)
}

func TestSyncDir_MissingDir(t *testing.T) {
	_, err := SyncDir(context.Background(), filepath.Join(t.TempDir(), "absent"), newRegistry(t))
	assert.Error(t, err)
}

func TestNewWatcher_RequiresDir(t *testing.T) {
	_, err := NewWatcher("", newRegistry(t), WatcherOptions{})
	assert.Error(t, err)
}

func TestWatcher_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t)
	writeFile(t, dir, "checkout.yaml", checkoutYAML)

	reports := make(chan SyncReport, 16)
	w, err := NewWatcher(dir, reg, WatcherOptions{
		Debounce: 20 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnSync:   func(r SyncReport) { reports <- r },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	first := <-reports
	assert.Equal(t, []string{"checkout-flow"}, first.Created)

	writeFile(t, dir, "banner.yaml", bannerYAML)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-reports:
			if slices.Contains(r.Created, "banner") {
				_, ok := reg.GetTest(ctx, "banner")
				assert.True(t, ok)
				return
			}
		case <-deadline:
			t.Fatal("watcher did not load the new definition")
		}
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), newRegistry(t), WatcherOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
