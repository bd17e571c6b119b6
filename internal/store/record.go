package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/sitebackup/internal/database"
)

// Artifact kinds, derived from the file name.
const (
	KindDatabase = "database"
	KindStorage  = "storage"
	KindUnknown  = "unknown"
)

// Job strategies.
const (
	StrategyFull        = "full"
	StrategyIncremental = "incremental"
	StrategyMixed       = "mixed"
)

// Terminal job statuses.
const (
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
)

// DateLayout is the human-readable date stored in each record.
const DateLayout = "2006-01-02 15:04:05"

// Detail describes one artifact produced by a job.
type Detail struct {
	Type        string `json:"type"`
	File        string `json:"file"`
	Size        int64  `json:"size"`
	Incremental bool   `json:"incremental"`
	Compressed  bool   `json:"compressed"`
}

// Record is one entry of the history ledger. It is written once when a job
// ends and never modified afterwards.
type Record struct {
	ID                string             `json:"id"`
	Date              string             `json:"date"`
	Timestamp         int64              `json:"timestamp"`
	Type              string             `json:"type"`
	Strategy          string             `json:"strategy"`
	Files             []string           `json:"files"`
	Details           []Detail           `json:"details"`
	Size              int64              `json:"size"`
	SizeFormatted     string             `json:"size_formatted"`
	Duration          float64            `json:"duration"`
	Status            string             `json:"status"`
	Server            string             `json:"server"`
	// TransferError is the last remote transfer failure of this job.
	TransferError     string             `json:"transfer_error,omitempty"`
	BinaryLogPosition *database.Position `json:"binary_log_position,omitempty"`
	Errors            []string           `json:"errors,omitempty"`
}

// Time returns when the job that produced r started.
func (r Record) Time() time.Time {
	if r.Timestamp > 0 {
		return time.Unix(r.Timestamp, 0)
	}
	t, err := time.ParseInLocation(DateLayout, r.Date, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Has reports whether r produced an artifact of the given kind.
func (r Record) Has(kind string) bool {
	for _, d := range r.Details {
		if d.Type == kind {
			return true
		}
	}
	return false
}

// Classify derives the artifact kind from its file name.
func Classify(path string) string {
	name := filepath.Base(path)
	switch {
	case strings.HasPrefix(name, "db_"):
		return KindDatabase
	case strings.HasPrefix(name, "storage_"):
		return KindStorage
	default:
		return KindUnknown
	}
}

// IsCompressed reports whether the file name carries a compression suffix.
func IsCompressed(path string) bool {
	switch filepath.Ext(path) {
	case ".gz", ".zst", ".tgz":
		return true
	}
	return false
}

// NewDetail stats path and describes it as an artifact.
func NewDetail(path string, incremental bool) (Detail, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Detail{}, fmt.Errorf("stat artifact: %w", err)
	}
	return Detail{
		Type:        Classify(path),
		File:        filepath.Base(path),
		Size:        info.Size(),
		Incremental: incremental,
		Compressed:  IsCompressed(path),
	}, nil
}

// Strategy aggregates the per-artifact flags: full when nothing is
// incremental, incremental when everything is, mixed otherwise.
func Strategy(details []Detail) string {
	var inc int
	for _, d := range details {
		if d.Incremental {
			inc++
		}
	}
	switch {
	case inc == 0:
		return StrategyFull
	case inc == len(details):
		return StrategyIncremental
	default:
		return StrategyMixed
	}
}

// Status derives the terminal status from the phase outcome.
func Status(artifacts, failures int) string {
	switch {
	case failures == 0:
		return StatusCompleted
	case artifacts > 0:
		return StatusCompletedWithErrors
	default:
		return StatusFailed
	}
}

// Finalize fills the aggregate fields of r from its details.
func (r *Record) Finalize() {
	r.Size = 0
	for _, d := range r.Details {
		r.Size += d.Size
	}
	r.SizeFormatted = humanize.Bytes(uint64(r.Size))
	r.Strategy = Strategy(r.Details)
}
