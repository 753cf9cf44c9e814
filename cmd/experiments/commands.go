// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/api"
)

// --- Global Command Variables ---
var (
	serverURL      string
	configPath     string
	jsonOutput     bool
	definitionFile string
	statusFilter   string
	assignAttrs    []string

	rootCmd = &cobra.Command{
		Use:   "experiments",
		Short: "Run and manage A/B tests and multi-armed bandits",
		Long: `experiments assigns users to test variants, records exposures and
conversions, and analyzes results with frequentist or Bayesian statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the experiments HTTP API",
		Long: `Start the experiments HTTP API.

Settings come from ~/.aleutian/experiments.yaml unless --config is given.
When definitions.dir is set, every definition in that directory whose test
ID is not yet registered is created at startup, and with definitions.watch
the directory keeps being watched for new or changed files.`,
		Args: cobra.NoArgs,
		RunE: runServe, // Defined in cmd_serve.go
	}

	// --- Test Definitions ---
	createCmd = &cobra.Command{
		Use:   "create -f <definition.yaml>",
		Short: "Register a test from a YAML or JSON definition",
		Args:  cobra.NoArgs,
		RunE:  runCreate, // Defined in cmd_tests.go
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List tests",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	getCmd = &cobra.Command{
		Use:   "get <test-id>",
		Short: "Show a test and its variant counters",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	// --- Lifecycle ---
	startCmd    = lifecycleCommand("start", "Start a draft test")
	pauseCmd    = lifecycleCommand("pause", "Pause a running test")
	resumeCmd   = lifecycleCommand("resume", "Resume a paused test")
	completeCmd = lifecycleCommand("complete", "Complete a running or paused test")
	archiveCmd  = lifecycleCommand("archive", "Archive a test")

	// --- Assignment & Analysis ---
	assignCmd = &cobra.Command{
		Use:   "assign <test-id> <user-id>",
		Short: "Assign a user to a variant",
		Args:  cobra.ExactArgs(2),
		RunE:  runAssign,
	}
	analyzeCmd = &cobra.Command{
		Use:   "analyze <test-id>",
		Short: "Run the statistical analysis of a test",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	recommendCmd = &cobra.Command{
		Use:   "recommend <test-id>",
		Short: "Show launch, continue or stop recommendations",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecommend,
	}
)

func lifecycleCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <test-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args[0], action)
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", api.DefaultServerURL, "experiments server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.aleutian/experiments.yaml)")

	createCmd.Flags().StringVarP(&definitionFile, "file", "f", "", "test definition file")
	_ = createCmd.MarkFlagRequired("file")

	listCmd.Flags().StringVar(&statusFilter, "status", "", "only list tests with this status")

	assignCmd.Flags().StringSliceVar(&assignAttrs, "attr", nil, "user attribute as key=value, repeatable")

	rootCmd.AddCommand(
		serveCmd,
		createCmd, listCmd, getCmd,
		startCmd, pauseCmd, resumeCmd, completeCmd, archiveCmd,
		assignCmd, analyzeCmd, recommendCmd,
	)
}
