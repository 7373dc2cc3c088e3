package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// storeVersion is the on-disk format version.
const storeVersion = 1

// Job is one persisted schedule record.
type Job struct {
	ID         string     `json:"id"`
	Expression string     `json:"expression"`
	Task       string     `json:"task"`
	Enabled    bool       `json:"enabled"`
	SessionID  string     `json:"session_id"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int        `json:"run_count"`
	CreatedAt  time.Time  `json:"created_at"`
}

// clone deep-copies the job so callers never alias scheduler-owned state.
func (j *Job) clone() *Job {
	cp := *j
	if j.LastRun != nil {
		t := *j.LastRun
		cp.LastRun = &t
	}
	return &cp
}

type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// loadJobs reads the job file. A missing file yields an empty set.
func loadJobs(path string) ([]*Job, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cron store: %w", err)
	}
	if file.Version != 0 && file.Version != storeVersion {
		return nil, fmt.Errorf("unsupported cron store version %d", file.Version)
	}
	return file.Jobs, nil
}

// saveJobs writes the job file atomically (temp file + rename).
func saveJobs(path string, jobs []*Job) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cron store dir: %w", err)
	}
	data, err := json.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	return os.Rename(tmp, path)
}
