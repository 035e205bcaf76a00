package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/config"
)

// listPad only matters when a store writes new files; listing and pruning
// never format counters.
const listPad = 4

func openCheckpointStore(dir, formatName string, keep int) (*checkpoints.Store, error) {
	format, err := config.ParseFormat(formatName)
	if err != nil {
		return nil, err
	}
	return checkpoints.NewStore(dir, format, keep, listPad, slog.Default())
}

func runCheckpointsList(dir, formatName, group string) error {
	store, err := openCheckpointStore(dir, formatName, 1)
	if err != nil {
		return err
	}
	files, err := store.List(group)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Printf("no %q checkpoints in %s\n", group, dir)
		return nil
	}

	fmt.Printf("%-10s %-12s %-10s %-22s %s\n", "COUNTER", "PARAMS", "SIZE", "CREATED", "PATH")
	for _, path := range files {
		record, err := store.Load(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		fmt.Printf("%-10d %-12d %-10s %-22s %s\n",
			record.Counter, countParams(record.Weights), formatSize(info.Size()),
			record.Metadata.CreatedAt.Format("2006-01-02 15:04:05"), path)
	}
	return nil
}

func runCheckpointShow(path string) error {
	format := checkpoints.FormatBinary
	if strings.HasSuffix(path, checkpoints.FormatJSON.Ext()) {
		format = checkpoints.FormatJSON
	}
	record, err := checkpoints.NewSaver(format).Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("counter:    %d\n", record.Counter)
	fmt.Printf("created:    %s\n", record.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("framework:  %s %s\n", record.Metadata.Framework, record.Metadata.Version)
	if record.Metadata.Description != "" {
		fmt.Printf("note:       %s\n", record.Metadata.Description)
	}
	fmt.Printf("parameters: %d across %d tensors\n", countParams(record.Weights), len(record.Weights))
	if record.EMAWeights != nil {
		fmt.Printf("ema:        %d across %d tensors\n", countParams(record.EMAWeights), len(record.EMAWeights))
	}
	if record.OptimizerState != nil {
		fmt.Printf("optimizer:  %s (step %d, %d state tensors)\n",
			record.OptimizerState.Type, record.OptimizerState.StepCount, len(record.OptimizerState.StateData))
	}

	fmt.Println("\ntensors:")
	for _, w := range record.Weights {
		fmt.Printf("  %-30s %v\n", w.Name, w.Shape)
	}
	return nil
}

func runCheckpointsPrune(dir, formatName, group string, keep int) error {
	if keep < 1 {
		return fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	store, err := openCheckpointStore(dir, formatName, keep)
	if err != nil {
		return err
	}
	files, err := store.List(group)
	if err != nil {
		return err
	}
	if len(files) <= keep {
		fmt.Printf("nothing to prune: %d %q checkpoint(s), keeping %d\n", len(files), group, keep)
		return nil
	}

	doomed := files[:len(files)-keep]
	for _, path := range doomed {
		fmt.Printf("removing %s\n", path)
	}
	store.EnforceRetention(group)
	fmt.Printf("pruned %d checkpoint(s), kept %d\n", len(doomed), keep)
	return nil
}

func countParams(weights []checkpoints.WeightTensor) int {
	total := 0
	for _, w := range weights {
		n := 1
		for _, dim := range w.Shape {
			n *= dim
		}
		total += n
	}
	return total
}

func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
