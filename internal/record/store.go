package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store persists execution records as one JSON file per task.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("record: store dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record: create store dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Load reads and validates the record for a task.
func (s *Store) Load(taskID string) (*ExecutionRecord, error) {
	if !ValidTaskID(taskID) {
		return nil, fmt.Errorf("record: invalid task id %q", taskID)
	}
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		return nil, fmt.Errorf("record: read %s: %w", taskID, err)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("record: parse %s: %w", taskID, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("record: %s failed validation: %w", taskID, err)
	}
	return &rec, nil
}

// Save validates and writes the record atomically (temp file + rename).
func (s *Store) Save(rec *ExecutionRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("record: refusing to save invalid record: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("record: marshal %s: %w", rec.Task, err)
	}

	tmp, err := os.CreateTemp(s.dir, rec.Task+".*.tmp")
	if err != nil {
		return fmt.Errorf("record: create temp for %s: %w", rec.Task, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("record: write %s: %w", rec.Task, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("record: close temp for %s: %w", rec.Task, err)
	}
	if err := os.Rename(tmpName, s.path(rec.Task)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("record: rename for %s: %w", rec.Task, err)
	}
	return nil
}

// Exists reports whether a record file exists for the task.
func (s *Store) Exists(taskID string) bool {
	_, err := os.Stat(s.path(taskID))
	return err == nil
}

// List returns the task ids with persisted records, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("record: list store: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if ValidTaskID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
