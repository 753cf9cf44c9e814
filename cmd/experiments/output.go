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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/api"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitRejected = 1 // The server rejected the request (4xx)
	CLIExitError    = 2 // Operation failed
)

func exitCode(err error) int {
	if err == nil {
		return CLIExitSuccess
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		return CLIExitRejected
	}
	return CLIExitError
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAttributes turns key=value pairs into user attributes. Dotted keys
// become nested maps so "location.country=US" matches the audience field
// location.country. Numbers and booleans are typed.
func parseAttributes(pairs []string) (experiments.Attributes, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := experiments.Attributes{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("attribute %q is not key=value", pair)
		}

		parts := strings.Split(key, ".")
		node := map[string]any(attrs)
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = typedValue(raw)
	}
	return attrs, nil
}

func typedValue(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func printTests(w io.Writer, tests []*experiments.Test) {
	if len(tests) == 0 {
		fmt.Fprintln(w, "No tests.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTRATEGY\tVARIANTS\tEXPOSURES")
	for _, t := range tests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			t.ID, t.Name, t.Status, t.TrafficAllocation.Strategy, len(t.Variants), t.TotalExposures())
	}
	tw.Flush()
}

func printTest(w io.Writer, t *experiments.Test) {
	fmt.Fprintf(w, "%s (%s)\n", t.Name, t.ID)
	fmt.Fprintf(w, "Status: %s   Strategy: %s   Primary goal: %s\n",
		t.Status, t.TrafficAllocation.Strategy, t.PrimaryGoal.ID)
	if t.EndsAt != nil {
		fmt.Fprintf(w, "Ends: %s\n", t.EndsAt.Format("2006-01-02 15:04"))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIANT\tWEIGHT\tCONTROL\tACTIVE\tEXPOSURES\tCONVERSIONS\tRATE")
	for _, v := range t.Variants {
		fmt.Fprintf(tw, "%s\t%.2f\t%t\t%t\t%d\t%d\t%.2f%%\n",
			v.ID, v.Weight, v.IsControl, v.IsActive, v.Exposures, v.Conversions, v.ConversionRate()*100)
	}
	tw.Flush()
}

func printResults(w io.Writer, r *experiments.Results) {
	fmt.Fprintf(w, "Test %s: %s (%d exposures, %.0f%% confidence)\n",
		r.TestID, r.Status, r.TotalExposures, r.Confidence*100)

	for _, g := range r.Goals {
		label := "secondary"
		if g.Primary {
			label = "primary"
		}
		fmt.Fprintf(w, "\nGoal %s (%s): %s\n", g.GoalID, label, g.Status)
		if len(g.Comparisons) == 0 {
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VARIANT\tCONTROL\tTREATMENT\tCHANGE\tP-VALUE\tSIGNIFICANT\tEFFECT")
		for _, c := range g.Comparisons {
			fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%+.2f%%\t%.4f\t%t\t%s\n",
				c.VariantID, c.ControlValue, c.TreatmentValue, c.PercentChange, c.PValue, c.Significant, c.EffectCategory)
		}
		tw.Flush()
	}

	fmt.Fprintf(w, "\nPower: observed %.2f, target %.2f, %d of %d required per variant\n",
		r.Power.ObservedPower, r.Power.TargetPower, r.Power.CurrentSampleSize, r.Power.RequiredSampleSize)
	for _, warning := range r.Quality.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
}
