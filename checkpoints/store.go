package checkpoints

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoCheckpoints is returned by Latest when a group has no saved files.
var ErrNoCheckpoints = errors.New("no checkpoints found")

const (
	maxRemoveAttempts = 10
	removeBackoff     = 100 * time.Millisecond
)

// Store writes checkpoint records into a directory and keeps only the most
// recent NumSaves files per group. Groups partition retention: "best" and
// "best_ema" files age out independently.
//
// File names are "<group>_ep<counter><ext>" with the counter zero-padded,
// so lexicographic order equals counter order and the oldest files sort
// first.
type Store struct {
	dir      string
	saver    *Saver
	numSaves int
	pad      int
	log      *slog.Logger
}

// NewStore creates a checkpoint store rooted at dir. pad is the counter
// zero-padding width: epoch-indexed runs conventionally use 4, step-indexed
// runs 6.
func NewStore(dir string, format Format, numSaves, pad int, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory must not be empty")
	}
	if numSaves < 1 {
		return nil, fmt.Errorf("numSaves must be at least 1, got %d", numSaves)
	}
	if pad < 1 {
		return nil, fmt.Errorf("pad must be at least 1, got %d", pad)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      dir,
		saver:    NewSaver(format),
		numSaves: numSaves,
		pad:      pad,
		log:      logger,
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path a record with the given group and counter
// saves to.
func (s *Store) Path(group string, counter int) string {
	name := fmt.Sprintf("%s_ep%0*d%s", group, s.pad, counter, s.saver.Format().Ext())
	return filepath.Join(s.dir, name)
}

// Save writes the record under its group and enforces the group's retention
// limit. Failed deletions of old files are logged and do not fail the save.
func (s *Store) Save(group string, record *Record) (string, error) {
	if err := validateGroup(group); err != nil {
		return "", err
	}

	path := s.Path(group, record.Counter)
	if err := s.saver.Save(record, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint %s: %w", path, err)
	}

	s.EnforceRetention(group)
	return path, nil
}

// Load reads the record stored at path.
func (s *Store) Load(path string) (*Record, error) {
	return s.saver.Load(path)
}

// List returns the group's checkpoint files sorted oldest first.
func (s *Store) List(group string) ([]string, error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}
	pattern := filepath.Join(s.dir, group+"_ep*"+s.saver.Format().Ext())
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Latest loads the group's most recent checkpoint.
func (s *Store) Latest(group string) (*Record, string, error) {
	files, err := s.List(group)
	if err != nil {
		return nil, "", err
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("group %q: %w", group, ErrNoCheckpoints)
	}
	path := files[len(files)-1]
	record, err := s.Load(path)
	if err != nil {
		return nil, "", err
	}
	return record, path, nil
}

// EnforceRetention deletes the group's oldest files beyond the retention
// limit. Deletions that keep failing are logged as warnings; training must
// not stop over an undeletable stale file.
func (s *Store) EnforceRetention(group string) {
	files, err := s.List(group)
	if err != nil {
		s.log.Warn("checkpoint retention listing failed", "group", group, "error", err)
		return
	}
	if len(files) <= s.numSaves {
		return
	}
	for _, path := range files[:len(files)-s.numSaves] {
		s.removeWithRetry(path)
	}
}

func (s *Store) removeWithRetry(path string) {
	var lastErr error
	for attempt := 0; attempt < maxRemoveAttempts; attempt++ {
		err := os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		lastErr = err
		time.Sleep(removeBackoff)
	}
	s.log.Warn("failed to remove old checkpoint", "path", path, "attempts", maxRemoveAttempts, "error", lastErr)
}

func validateGroup(group string) error {
	if group == "" {
		return fmt.Errorf("checkpoint group must not be empty")
	}
	if strings.ContainsAny(group, `/\*?[`) {
		return fmt.Errorf("invalid checkpoint group %q", group)
	}
	return nil
}
