package database

import (
	"context"
	"errors"
)

var (
	ErrBinlogUnavailable = errors.New("binary log position unavailable")
	ErrNotConfigured     = errors.New("database connection is not configured")
)

// Position is a checkpoint in the server's binary log stream.
type Position struct {
	File      string `json:"file"`
	Position  uint64 `json:"position"`
	Timestamp int64  `json:"timestamp"`
}

// Same reports whether p and o point at the same log offset.
func (p Position) Same(o Position) bool {
	return p.File == o.File && p.Position == o.Position
}

// IsZero reports whether p carries no checkpoint.
func (p Position) IsZero() bool { return p.File == "" }

// LogFile is one entry of SHOW BINARY LOGS.
type LogFile struct {
	Name string
	Size int64
}

// Inspector exposes the introspection queries the orchestrator needs to pick
// a strategy and estimate progress.
type Inspector interface {
	SchemaSizeMB(ctx context.Context) (float64, error)
	BinaryLoggingEnabled(ctx context.Context) (bool, error)
	CurrentPosition(ctx context.Context) (Position, error)
	BinaryLogs(ctx context.Context) ([]LogFile, error)
}

// LogRange returns the ordered binary log files needed to replay from the
// checkpoint file up to and including the current file. ok is false when
// the checkpoint file is no longer on the server (purged) or the current
// file sorts before it.
func LogRange(logs []LogFile, from, to string) (files []string, ok bool) {
	start := -1
	for i, l := range logs {
		if l.Name == from {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	for _, l := range logs[start:] {
		files = append(files, l.Name)
		if l.Name == to {
			return files, true
		}
	}
	return nil, false
}
