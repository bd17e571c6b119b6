package transfer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogFilename is the transfer log inside the log directory.
const LogFilename = "remote_backup.log"

// Log levels of a transfer log entry.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// LogEntry is one line of the transfer log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Server    string    `json:"server,omitempty"`
	File      string    `json:"file,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
}

// String renders the entry the way operators read the log.
func (e LogEntry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Message)
}

// Journal is the append-only transfer log, one JSON object per line.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal returns a Journal writing to path.
func NewJournal(path string) *Journal { return &Journal{path: path} }

// Path is the log file location.
func (j *Journal) Path() string { return j.path }

// Append writes e as a single line.
func (j *Journal) Append(e LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Entries returns the last limit entries, oldest first. limit <= 0 means
// all. Lines that do not decode are skipped.
func (j *Journal) Entries(limit int) ([]LogEntry, error) {
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// LastFailure returns the newest ERROR entry, the persisted form of
// Transferrer.LastError.
func LastFailure(entries []LogEntry) (LogEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Level == LevelError {
			return entries[i], true
		}
	}
	return LogEntry{}, false
}

// Outcome summarises the transfers of one file to one server.
type Outcome struct {
	File     string    `json:"file"`
	Server   string    `json:"server"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Time     time.Time `json:"time"`
	Message  string    `json:"message"`
}

// History derives the per-file transfer view from log entries, newest
// first. A file is "success" or "failed" once a terminal entry is seen and
// "pending" while only warnings exist.
func History(entries []LogEntry) []Outcome {
	type key struct{ file, server string }
	index := make(map[key]int)
	var out []Outcome
	for _, e := range entries {
		if e.File == "" {
			continue
		}
		k := key{e.File, e.Server}
		i, ok := index[k]
		if !ok || out[i].Status != "pending" {
			out = append(out, Outcome{File: e.File, Server: e.Server, Status: "pending"})
			i = len(out) - 1
			index[k] = i
		}
		o := &out[i]
		o.Time = e.Timestamp
		o.Message = e.Message
		switch e.Level {
		case LevelWarning:
			o.Attempts = max(o.Attempts, e.Attempt)
		case LevelSuccess:
			o.Status = "success"
			o.Attempts = max(o.Attempts, e.Attempt)
		case LevelError:
			o.Status = "failed"
			o.Attempts = max(o.Attempts, e.Attempt)
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
