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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

// DefaultDebounce is how long the watcher waits for a burst of file events
// to settle before syncing the directory.
const DefaultDebounce = 250 * time.Millisecond

// Registrar is the part of the registry the loader needs.
type Registrar interface {
	GetTest(ctx context.Context, testID string) (*experiments.Test, bool)
	CreateTest(ctx context.Context, cfg experiments.TestConfig) (*experiments.Test, error)
}

// SyncReport describes one pass over a definitions directory.
type SyncReport struct {
	// Created holds the IDs of tests created by this pass.
	Created []string

	// Existing holds the IDs that were already registered. Definitions
	// never overwrite a registered test.
	Existing []string

	// Failed maps file paths to the error that kept them out.
	Failed map[string]error
}

// IsDefinitionFile reports whether path has a definition extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// SyncDir creates a test for every definition in dir whose ID is not yet
// registered.
//
// Description:
//
//	Files are visited in name order and subdirectories are ignored. A
//	definition without an id takes its file name without the extension.
//	Broken files are recorded in the report and do not stop the pass.
//
// Outputs:
//
//	SyncReport - What happened to each file.
//	error - Non-nil only when dir cannot be read.
func SyncDir(ctx context.Context, dir string, reg Registrar) (SyncReport, error) {
	report := SyncReport{Failed: make(map[string]error)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return report, fmt.Errorf("reading definitions directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		cfg, err := Load(path)
		if err != nil {
			report.Failed[path] = err
			continue
		}
		if cfg.ID == "" {
			cfg.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if _, ok := reg.GetTest(ctx, cfg.ID); ok {
			report.Existing = append(report.Existing, cfg.ID)
			continue
		}
		if _, err := reg.CreateTest(ctx, *cfg); err != nil {
			report.Failed[path] = err
			continue
		}
		report.Created = append(report.Created, cfg.ID)
	}
	return report, nil
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnSync, if set, is called after every pass including the first.
	OnSync func(SyncReport)
}

// Watcher keeps a registry in step with a definitions directory. New or
// changed files are picked up after the debounce window; removing a file
// leaves its test alone.
//
// Thread Safety: Start and Stop may be called from any goroutine. OnSync is
// called from a single goroutine.
type Watcher struct {
	dir      string
	reg      Registrar
	debounce time.Duration
	logger   *slog.Logger
	onSync   func(SyncReport)

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for dir. Call Start to begin.
func NewWatcher(dir string, reg Registrar, opts WatcherOptions) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("definitions directory is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		reg:      reg,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("definitions_dir", dir),
		onSync:   opts.OnSync,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start syncs the directory once, then watches it until ctx is canceled or
// Stop is called. The initial sync runs before Start returns.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating definitions directory: %w", err)
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.sync(ctx)

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.sync(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("definitions watcher error", "error", err)
		}
	}
}

func (w *Watcher) sync(ctx context.Context) {
	report, err := SyncDir(ctx, w.dir, w.reg)
	if err != nil {
		w.logger.Error("definitions sync failed", "error", err)
		return
	}
	for path, ferr := range report.Failed {
		w.logger.Warn("definition rejected", "file", path, "error", ferr)
	}
	if len(report.Created) > 0 {
		w.logger.Info("definitions loaded", "created", report.Created)
	}
	if w.onSync != nil {
		w.onSync(report)
	}
}
