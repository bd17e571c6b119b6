package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// Filename is the name of the progress record inside the temp directory.
const Filename = "backup_progress.json"

// Failed is the terminal percentage of a job that finished with errors.
const Failed = -1

// State is the single, overwritten progress record read by pollers.
type State struct {
	Percentage      float64 `json:"percentage"`
	Message         string  `json:"message"`
	Timestamp       int64   `json:"timestamp"`
	Elapsed         int64   `json:"elapsed"`
	Step            int     `json:"step"`
	TotalSteps      int     `json:"total_steps"`
	CurrentStepName string  `json:"current_step_name"`
	ETA             *int64  `json:"eta,omitempty"`
	ETAFormatted    string  `json:"eta_formatted,omitempty"`
	JobID           string  `json:"job_id,omitempty"`
	JobType         string  `json:"job_type,omitempty"`
	PID             int     `json:"pid,omitempty"`
	Host            string  `json:"host,omitempty"`
}

// Running reports whether the record describes a job that has not reached
// a terminal value.
func (s State) Running() bool {
	return s.Percentage >= 0 && s.Percentage < 100
}

// Time returns the moment the record was written.
func (s State) Time() time.Time { return time.Unix(s.Timestamp, 0) }

// Read loads the record at path. A missing file yields (nil, nil).
func Read(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", path, err)
	}
	return &s, nil
}

// Write atomically replaces the record at path so pollers never observe a
// half-written file.
func Write(path string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(path), err)
	}
	return renameio.WriteFile(path, data, 0o644)
}

// Remove deletes the record; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// processAlive is swapped in tests.
var processAlive = pidAlive

// Busy reports whether s describes a live job: a non-terminal percentage
// written less than staleAfter ago. A record that names a process on this
// host which no longer exists is treated as stale regardless of its age.
//
// This is an advisory check, not a lock. Two starters racing between Read
// and Write can both pass it.
func Busy(s *State, now time.Time, staleAfter time.Duration) bool {
	if s == nil || !s.Running() {
		return false
	}
	if now.Sub(s.Time()) >= staleAfter {
		return false
	}
	if s.PID > 0 && s.Host != "" && s.Host == hostname() && !processAlive(s.PID) {
		return false
	}
	return true
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}
