// Package store keeps the history ledger and the artifact files it
// references under the backup directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/juju/clock"
	"go.uber.org/multierr"

	"github.com/kebairia/sitebackup/internal/logger"
)

// HistoryFilename is the ledger file inside the backup directory.
const HistoryFilename = "history.json"

// DefaultLimit caps the number of ledger entries.
const DefaultLimit = 100

var (
	ErrRecordNotFound  = errors.New("backup record not found")
	ErrArtifactMissing = errors.New("backup artifact missing on disk")
)

// Option lets you override default settings on a Store.
type Option func(*Store)

// WithLimit lowers the ledger cap. Values outside 1..DefaultLimit are
// ignored.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 && n <= DefaultLimit {
			s.limit = n
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store is the artifact directory plus its history ledger. Only the job
// process writes to it; readers may race with a write but always see a
// whole file.
type Store struct {
	dir   string
	limit int
	clock clock.Clock
	log   logger.Logger
}

// New returns a Store rooted at dir.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:   dir,
		limit: DefaultLimit,
		clock: clock.WallClock,
		log:   logger.Global(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the artifact directory.
func (s *Store) Dir() string { return s.dir }

// Path joins name onto the artifact directory.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) ledger() string { return filepath.Join(s.dir, HistoryFilename) }

// History returns the whole ledger, newest first. A missing ledger is empty.
func (s *Store) History() ([]Record, error) {
	data, err := os.ReadFile(s.ledger())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var records []Record
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}

// List returns at most limit records, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]Record, error) {
	records, err := s.History()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, error) {
	records, err := s.History()
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}

// Append prepends rec and truncates the ledger to the configured cap.
func (s *Store) Append(rec Record) error {
	records, err := s.History()
	if err != nil {
		return err
	}
	records = append([]Record{rec}, records...)
	if len(records) > s.limit {
		records = records[:s.limit]
	}
	return s.write(records)
}

func (s *Store) write(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", s.dir, err)
	}
	if err := renameio.WriteFile(s.ledger(), data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Delete removes the record with the given id and every artifact file it
// lists. Files already gone are ignored. Other records are untouched.
func (s *Store) Delete(id string) (Record, error) {
	records, err := s.History()
	if err != nil {
		return Record{}, err
	}
	idx := -1
	for i, r := range records {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec := records[idx]

	var errs error
	for _, f := range rec.Files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", f, err))
		}
	}
	if errs != nil {
		return Record{}, errs
	}

	records = append(records[:idx], records[idx+1:]...)
	if err := s.write(records); err != nil {
		return Record{}, err
	}
	s.log.Info("backup record deleted", "id", id, "files", len(rec.Files))
	return rec, nil
}

// ResolveFiles returns the artifact paths of a record, failing with
// ErrArtifactMissing if any of them is no longer on disk.
func (s *Store) ResolveFiles(id string) ([]string, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, f := range rec.Files {
		if _, err := os.Stat(f); err != nil {
			missing = append(missing, filepath.Base(f))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, strings.Join(missing, ", "))
	}
	return rec.Files, nil
}

// SweepResult lists what a retention sweep removed.
type SweepResult struct {
	Files   []string
	Records []string
}

// Sweep deletes artifact files older than retention and then drops every
// ledger entry whose artifact files are all gone. Records that never had
// any file are kept.
func (s *Store) Sweep(retention time.Duration) (SweepResult, error) {
	var res SweepResult
	cutoff := s.clock.Now().Add(-retention)

	entries, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, fmt.Errorf("read backup dir: %w", err)
	}
	var errs error
	for _, e := range entries {
		if e.IsDir() || Classify(e.Name()) == KindUnknown {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			res.Files = append(res.Files, e.Name())
		}
	}

	dropped, err := s.reconcile()
	res.Records = dropped
	errs = multierr.Append(errs, err)

	if len(res.Files) > 0 || len(res.Records) > 0 {
		s.log.Info("retention sweep",
			"files_removed", len(res.Files),
			"records_dropped", len(res.Records),
			"retention", retention.String(),
		)
	}
	return res, errs
}

// reconcile drops ledger entries whose files are all missing.
func (s *Store) reconcile() ([]string, error) {
	records, err := s.History()
	if err != nil {
		return nil, err
	}
	kept := records[:0]
	var dropped []string
	for _, r := range records {
		if len(r.Files) > 0 && allMissing(r.Files) {
			dropped = append(dropped, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	return dropped, s.write(kept)
}

func allMissing(files []string) bool {
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			return false
		}
	}
	return true
}

// LastWith returns the newest record that produced an artifact of kind and
// did not fail outright.
func (s *Store) LastWith(kind string) (Record, bool, error) {
	records, err := s.History()
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range records {
		if r.Status != StatusFailed && r.Has(kind) {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}
