// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the experiments server configuration.
//
// The configuration lives in ~/.aleutian/experiments.yaml by default. On
// first run the file is created with DefaultConfig so operators have a
// complete, commented-by-example file to edit. Fields missing from the file
// keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/pkg/telemetry"
	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/storage"
)

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     storage.Config    `yaml:"storage"`
	Engine      EngineConfig      `yaml:"engine"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"` // e.g. 8090

	// RateLimit is the sustained event ingestion rate per second across
	// assign and tracking endpoints. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig tunes the experiment registry.
type EngineConfig struct {
	// WindowSize is the number of recent values kept per metric series.
	WindowSize int `yaml:"window_size"`

	// PracticalThreshold is the percent change treated as practically
	// significant when a test does not set its own.
	PracticalThreshold float64 `yaml:"practical_threshold"`

	// ExplorationConstant is the UCB1 exploration weight.
	ExplorationConstant float64 `yaml:"exploration_constant"`

	// Seed fixes the random source for rollout draws and Thompson sampling.
	// Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`

	RolloutSteps []int `yaml:"rollout_steps"`
	StepDays     int   `yaml:"step_days"`
}

// DefinitionsConfig points the server at a directory of test definition
// files. Tests whose IDs are not yet registered are created at startup and,
// with Watch, whenever a file is added or changed.
type DefinitionsConfig struct {
	Dir      string        `yaml:"dir,omitempty"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce,omitempty"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, auto
	Dir    string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	rec := experiments.DefaultRecommenderConfig()
	return Config{
		Server: ServerConfig{
			Port:            8090,
			RateLimit:       1000,
			Burst:           2000,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: storage.Config{
			Backend:    storage.BackendBadger,
			Path:       "~/.aleutian/experiments/data",
			SyncWrites: true,
		},
		Engine: EngineConfig{
			WindowSize:          experiments.DefaultWindowSize,
			PracticalThreshold:  experiments.DefaultPracticalThreshold,
			ExplorationConstant: experiments.DefaultExplorationConstant,
			RolloutSteps:        rec.RolloutSteps,
			StepDays:            rec.StepDays,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatAuto),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultPath returns ~/.aleutian/experiments.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "experiments.yaml"), nil
}

// Load reads the configuration at path, creating it with defaults when it
// does not exist. An empty path uses DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)
	cfg.Definitions.Dir = expandHome(cfg.Definitions.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "", storage.BackendMemory:
	case storage.BackendBadger, storage.BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Definitions.Watch && c.Definitions.Dir == "" {
		errs = append(errs, errors.New("definitions.watch requires definitions.dir"))
	}
	if c.Engine.WindowSize < 0 {
		errs = append(errs, errors.New("engine.window_size must not be negative"))
	}
	for _, step := range c.Engine.RolloutSteps {
		if step <= 0 || step > 100 {
			errs = append(errs, fmt.Errorf("engine.rollout_steps entry %d out of range", step))
		}
	}
	return errors.Join(errs...)
}

// RegistryOptions converts the engine section into registry options.
func (e EngineConfig) RegistryOptions() []experiments.Option {
	opts := []experiments.Option{
		experiments.WithWindowSize(e.WindowSize),
		experiments.WithExplorationConstant(e.ExplorationConstant),
		experiments.WithPracticalThreshold(e.PracticalThreshold),
		experiments.WithRecommenderConfig(experiments.RecommenderConfig{
			RolloutSteps: e.RolloutSteps,
			StepDays:     e.StepDays,
		}),
	}
	if e.Seed != 0 {
		opts = append(opts, experiments.WithRandomSource(experiments.NewSeededSource(e.Seed)))
	}
	return opts
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
