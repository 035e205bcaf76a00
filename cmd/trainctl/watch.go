package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/tracking"
)

// runWatch follows a live run: new and pruned checkpoint files in dir, and
// the progression status file when one is given. The progression file is
// replaced atomically by the trainer, so its parent directory is watched
// rather than the file itself.
func runWatch(ctx context.Context, dir, progressionPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving watch directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("creating watch directory: %w", err)
	}
	if err := watcher.Add(absDir); err != nil {
		return fmt.Errorf("watching %s: %w", absDir, err)
	}

	var absProgression string
	if progressionPath != "" {
		absProgression, err = filepath.Abs(progressionPath)
		if err != nil {
			return fmt.Errorf("resolving progression path: %w", err)
		}
		if err := watcher.Add(filepath.Dir(absProgression)); err != nil {
			return fmt.Errorf("watching %s: %w", filepath.Dir(absProgression), err)
		}
		printProgression(absProgression)
	}

	slog.Info("watching run", "dir", absDir, "progression", progressionPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			handleWatchEvent(event, absDir, absProgression)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)
		}
	}
}

func handleWatchEvent(event fsnotify.Event, absDir, absProgression string) {
	if absProgression != "" && event.Name == absProgression {
		if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
			printProgression(absProgression)
		}
		return
	}
	if !isCheckpointFile(event.Name) || filepath.Dir(event.Name) != absDir {
		return
	}
	switch {
	case event.Op&fsnotify.Create != 0:
		fmt.Printf("[%s] checkpoint written: %s\n", timestamp(), filepath.Base(event.Name))
	case event.Op&fsnotify.Remove != 0:
		fmt.Printf("[%s] checkpoint pruned:  %s\n", timestamp(), filepath.Base(event.Name))
	}
}

func isCheckpointFile(path string) bool {
	return strings.HasSuffix(path, checkpoints.FormatBinary.Ext()) ||
		strings.HasSuffix(path, checkpoints.FormatJSON.Ext())
}

func printProgression(path string) {
	state, err := tracking.ReadProgression(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("reading progression state", "path", path, "error", err)
		}
		return
	}

	line := fmt.Sprintf("[%s] %s counter=%d", timestamp(), state.Name, state.Counter)
	if state.Total > 0 {
		line += fmt.Sprintf("/%d (%.1f%%)", state.Total, state.Percent)
	}
	if state.LR > 0 {
		line += fmt.Sprintf(" lr=%.6g", state.LR)
	}
	if len(state.Valid) > 0 {
		line += " valid[" + formatMetrics(state.Valid) + "]"
	}
	fmt.Println(line)
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}
