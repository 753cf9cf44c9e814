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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/api"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/definition"
)

func newClient() *api.Client {
	return api.NewClient(serverURL)
}

func runCreate(cmd *cobra.Command, _ []string) error {
	cfg, err := definition.Load(definitionFile)
	if err != nil {
		return err
	}
	test, err := newClient().CreateTest(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), test)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created test %s (%s) with %d variants, status %s\n",
		test.ID, test.Name, len(test.Variants), test.Status)
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	tests, err := newClient().ListTests(cmd.Context(), experiments.Status(statusFilter))
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), tests)
	}
	printTests(cmd.OutOrStdout(), tests)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	test, err := newClient().GetTest(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), test)
	}
	printTest(cmd.OutOrStdout(), test)
	return nil
}

func runTransition(cmd *cobra.Command, testID, action string) error {
	resp, err := newClient().Transition(cmd.Context(), testID, action)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Test %s is now %s\n", resp.TestID, resp.Status)
	return nil
}

func runAssign(cmd *cobra.Command, args []string) error {
	attrs, err := parseAttributes(assignAttrs)
	if err != nil {
		return err
	}
	resp, err := newClient().Assign(cmd.Context(), args[0], api.AssignRequest{
		UserID:     args[1],
		Attributes: attrs,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	if !resp.Assigned {
		fmt.Fprintf(cmd.OutOrStdout(), "User %s is not part of test %s\n", resp.UserID, resp.TestID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s -> variant %s\n", resp.UserID, resp.VariantID)
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	res, err := newClient().Analyze(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	printResults(cmd.OutOrStdout(), res)
	return nil
}

func runRecommend(cmd *cobra.Command, args []string) error {
	recs, err := newClient().Recommendations(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), recs)
	}
	for i := range recs {
		if i > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		fmt.Fprint(cmd.OutOrStdout(), recs[i].Summary())
	}
	return nil
}
