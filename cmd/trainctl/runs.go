package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-trainer/tracking"
)

func runRunsList(ctx context.Context, dbPath string) error {
	store, err := tracking.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	fmt.Printf("%-10s %-24s %-10s %-20s %-20s %s\n", "ID", "NAME", "STATUS", "STARTED", "FINISHED", "HOST")
	for _, run := range runs {
		finished := "-"
		if !run.Finished.IsZero() {
			finished = run.Finished.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-10s %-24s %-10s %-20s %-20s %s\n",
			shortID(run.ID), run.Name, run.Status,
			run.Started.Format("2006-01-02 15:04:05"), finished, run.Hostname)
	}
	return nil
}

func runRunHistory(ctx context.Context, dbPath, runRef string) error {
	store, err := tracking.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runID, err := resolveRun(ctx, store, runRef)
	if err != nil {
		return err
	}

	history, err := store.History(ctx, runID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Printf("no evaluations recorded for run %s\n", shortID(runID))
		return nil
	}

	fmt.Printf("%-10s %-10s %-40s %s\n", "COUNTER", "GROUP", "VALID", "TRAIN")
	for _, eval := range history {
		fmt.Printf("%-10d %-10s %-40s %s\n",
			eval.Counter, eval.Group, formatMetrics(eval.Valid), formatMetrics(eval.Train))
	}

	improvements, err := store.Improvements(ctx, runID)
	if err != nil {
		return err
	}
	if len(improvements) > 0 {
		fmt.Println("\nimprovements:")
		for _, imp := range improvements {
			fmt.Printf("  %s at %d: %.6f\n", imp.Group, imp.Counter, imp.Value)
		}
	}
	return nil
}

// resolveRun accepts a full run ID or a unique prefix.
func resolveRun(ctx context.Context, store *tracking.Store, ref string) (string, error) {
	runs, err := store.Runs(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, run := range runs {
		if run.ID == ref {
			return run.ID, nil
		}
		if strings.HasPrefix(run.ID, ref) {
			matches = append(matches, run.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no run matches %q", ref)
	default:
		return "", fmt.Errorf("run prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, metrics[k]))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
