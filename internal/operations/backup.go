package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/kebairia/sitebackup/internal/database"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/metrics"
	"github.com/kebairia/sitebackup/internal/progress"
	"github.com/kebairia/sitebackup/internal/runner"
	"github.com/kebairia/sitebackup/internal/store"
	"github.com/kebairia/sitebackup/internal/transfer"
)

// artifact is a file produced by one phase.
type artifact struct {
	path        string
	incremental bool
}

func (om *OperationManager) retention() time.Duration {
	return time.Duration(om.cfg.Backup.RetentionDays) * 24 * time.Hour
}

// stepReporter forwards inner progress to the tracker at most once per
// whole percentage point, since every update rewrites the record.
type stepReporter struct {
	tr   *progress.Tracker
	log  logger.Logger
	last float64
}

func (r *stepReporter) report(inner float64, msg string) {
	if inner < 100 && inner-r.last < 1 {
		return
	}
	r.last = inner
	if err := r.tr.UpdateStep(inner, msg); err != nil {
		r.log.Warn("progress update failed", "error", err)
	}
}

// job wraps the tracker for one run and logs progress write failures
// instead of failing the job over them.
type job struct {
	Job
	tr  *progress.Tracker
	log logger.Logger
}

func (j *job) step(name string) *stepReporter {
	if err := j.tr.StartStep(name); err != nil && !errors.Is(err, progress.ErrUnknownStep) {
		j.log.Warn("progress update failed", "step", name, "error", err)
	}
	return &stepReporter{tr: j.tr, log: j.log}
}

// Run executes a job in the current process: database phase, storage
// phase, retention sweep, then record keeping and the post-job transfer.
// A failed phase does not stop the other one. The returned error joins
// every phase failure; the record is written either way.
//
// jobID is the id handed out by StartJob. When empty a new id is minted
// and the lease is checked here instead.
func (om *OperationManager) Run(ctx context.Context, jobType, jobID string) (store.Record, error) {
	now := om.clock.Now()
	base, err := NewJob(jobType, now)
	if err != nil {
		return store.Record{}, err
	}
	if jobID != "" {
		base.ID = jobID
	}
	if err := om.checkLease(jobID); err != nil {
		return store.Record{}, err
	}

	j := &job{
		Job: base,
		tr: progress.New(om.ProgressPath(), jobType,
			progress.WithClock(om.clock), progress.WithJob(base.ID)),
		log: om.log.With("job", base.ID, "type", jobType),
	}
	j.log.Info("backup job running")

	var (
		artifacts []artifact
		position  *database.Position
		errs      error
	)

	j.step(progress.StepInit)
	if err := ensureDirs(om.cfg.Paths.BackupDir, om.cfg.Paths.StagingDir, om.cfg.Paths.TempDir); err != nil {
		errs = multierr.Append(errs, err)
		return om.finish(ctx, j, artifacts, position, errs)
	}

	if j.hasDatabase() {
		a, pos, err := om.backupDatabase(ctx, j)
		if err != nil {
			j.log.Error("database phase failed", "error", err)
			errs = multierr.Append(errs, fmt.Errorf("database: %w", err))
		} else {
			artifacts = append(artifacts, a)
			position = pos
		}
	}

	if j.hasStorage() {
		a, err := om.backupStorage(ctx, j)
		if err != nil {
			j.log.Error("storage phase failed", "error", err)
			errs = multierr.Append(errs, fmt.Errorf("storage: %w", err))
		} else {
			artifacts = append(artifacts, a)
		}
	}

	j.step(progress.StepCleanup)
	if res, err := om.Cleanup(); err != nil {
		j.log.Warn("retention sweep failed", "error", err)
	} else if len(res.Files) > 0 {
		j.log.Info("expired backups removed", "files", len(res.Files), "records", len(res.Records))
	}

	return om.finish(ctx, j, artifacts, position, errs)
}

// finish writes the history record, ships the artifacts and sets the
// terminal progress value.
func (om *OperationManager) finish(ctx context.Context, j *job, artifacts []artifact, pos *database.Position, errs error) (store.Record, error) {
	r := j.step(progress.StepFinalize)

	rec := store.Record{
		ID:                j.ID,
		Date:              j.StartTime.Format(store.DateLayout),
		Timestamp:         j.StartTime.Unix(),
		Type:              j.Type,
		Server:            hostname(),
		BinaryLogPosition: pos,
	}
	for _, a := range artifacts {
		d, err := store.NewDetail(a.path, a.incremental)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		rec.Files = append(rec.Files, a.path)
		rec.Details = append(rec.Details, d)
	}
	rec.Finalize()
	failures := multierr.Errors(errs)
	for _, e := range failures {
		rec.Errors = append(rec.Errors, e.Error())
	}
	rec.Status = store.Status(len(rec.Details), len(failures))
	j.Strategy = rec.Strategy

	if len(rec.Files) > 0 {
		r.report(50, "Transferring backup files...")
		rec.TransferError = om.ship(ctx, j, rec.Files)
	}
	rec.Duration = om.clock.Now().Sub(j.StartTime).Seconds()

	if err := om.store.Append(rec); err != nil {
		j.log.Error("write history failed", "error", err)
		errs = multierr.Append(errs, err)
	}
	om.writeMetrics(j)

	ok := errs == nil
	msg := fmt.Sprintf("Backup completed successfully (%s)", rec.SizeFormatted)
	if !ok {
		msg = fmt.Sprintf("Backup completed with errors: %v", errs)
	}
	if err := j.tr.Complete(ok, msg); err != nil {
		j.log.Warn("write terminal progress failed", "error", err)
	}
	j.log.Info("backup job finished",
		"status", rec.Status,
		"strategy", rec.Strategy,
		"files", len(rec.Files),
		"size", rec.SizeFormatted,
	)
	return rec, errs
}

// ship hands the artifacts to the remote destination and returns the last
// transfer failure, if any. Transfer failures are logged and kept in the
// transfer log; they do not change the job status.
func (om *OperationManager) ship(ctx context.Context, j *job, files []string) string {
	s := om.shipper
	if s == nil {
		t, err := om.transferrer()
		if err != nil {
			j.log.Warn("remote config unavailable, skipping transfer", "error", err)
			return ""
		}
		s = t
	}
	sum, err := s.TransferAll(ctx, files, "")
	if errors.Is(err, transfer.ErrDisabled) {
		return ""
	}
	if len(sum.Transferred) > 0 {
		j.log.Info("remote transfer done", "transferred", len(sum.Transferred), "removed_local", len(sum.Removed))
	}
	if err == nil {
		return ""
	}
	j.log.Error("remote transfer failed", "failed", len(sum.Failed), "error", err)
	return om.noteTransferError(s, err)
}

// noteTransferError keeps the shipper's last error for LastTransferError.
func (om *OperationManager) noteTransferError(s Shipper, err error) string {
	msg := s.LastError()
	if msg == "" {
		msg = err.Error()
	}
	om.lastTransferErr = msg
	return msg
}

func (om *OperationManager) writeMetrics(j *job) {
	if om.cfg.Metrics.Textfile == "" {
		return
	}
	records, err := om.store.History()
	if err != nil {
		j.log.Warn("read history for metrics failed", "error", err)
		return
	}
	if err := metrics.WriteTextfile(om.cfg.Metrics.Textfile, records); err != nil {
		j.log.Warn("write metrics textfile failed", "path", om.cfg.Metrics.Textfile, "error", err)
	}
}

func (om *OperationManager) ext(suffix string) string {
	codec := runner.Codec{Name: om.cfg.Backup.Codec, Level: runner.Level(om.cfg.Backup.Compression)}
	return suffix + codec.Ext()
}

// backupDatabase runs the database phase and returns the artifact and the
// binary log position to record with it.
func (om *OperationManager) backupDatabase(ctx context.Context, j *job) (artifact, *database.Position, error) {
	r := j.step(progress.StepDBSize)

	dbCfg, err := om.databaseConfig(ctx)
	if err != nil {
		return artifact{}, nil, err
	}
	if !dbCfg.Configured() {
		return artifact{}, nil, database.ErrNotConfigured
	}
	insp, err := om.connect(ctx, dbCfg)
	if err != nil {
		return artifact{}, nil, err
	}
	defer closeInspector(insp)

	sizeMB, err := insp.SchemaSizeMB(ctx)
	if err != nil {
		j.log.Warn("database size unavailable", "error", err)
	}
	r.report(100, fmt.Sprintf("Database size: %.2f MB", sizeMB))

	plan := om.planDatabase(ctx, insp, sizeMB, j.StartTime)
	j.log.Info("database strategy selected", "strategy", plan.strategy(), "reason", plan.Reason)

	conn := runner.ConnFromConfig(dbCfg)
	var a artifact
	r = j.step(progress.StepDBExport)
	exportMsg := "Exporting database..."
	if plan.Incremental {
		exportMsg = "Exporting database changes..."
	}
	onBytes := func(n int64) {
		r.report(progress.ByteFraction(n, plan.Estimate, 90),
			fmt.Sprintf("%s %s written", exportMsg, humanize.Bytes(uint64(n))))
	}

	switch {
	case plan.NoChanges:
		a = artifact{path: om.store.Path(fmt.Sprintf("db_%s_incremental.sql", j.ID)), incremental: true}
		if err := writeNoChanges(a.path, plan.From, j.StartTime); err != nil {
			return artifact{}, nil, err
		}
	case plan.Incremental:
		a = artifact{path: om.store.Path(fmt.Sprintf("db_%s_incremental%s", j.ID, om.ext(".sql"))), incremental: true}
		if _, err := om.dumper.Binlog(ctx, conn, plan.From, plan.To, plan.Files, a.path, onBytes); err != nil {
			return artifact{}, nil, err
		}
	default:
		a = artifact{path: om.store.Path(fmt.Sprintf("db_%s_full%s", j.ID, om.ext(".sql")))}
		if _, err := om.dumper.Dump(ctx, conn, a.path, onBytes); err != nil {
			return artifact{}, nil, err
		}
	}

	r = j.step(progress.StepDBCompress)
	if info, err := os.Stat(a.path); err == nil {
		r.report(100, "Database backup written: "+humanize.Bytes(uint64(info.Size())))
	}

	var pos *database.Position
	if !plan.To.IsZero() {
		p := plan.To
		pos = &p
	}
	return a, pos, nil
}

// writeNoChanges leaves an explicit marker instead of an empty export.
func writeNoChanges(path string, at database.Position, now time.Time) error {
	body := fmt.Sprintf("-- sitebackup incremental: no changes since %s:%d\n-- generated %s\n",
		at.File, at.Position, now.Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write no-changes marker: %w", err)
	}
	return nil
}

// backupStorage syncs the storage tree into a hard-linked staging snapshot
// and archives it.
func (om *OperationManager) backupStorage(ctx context.Context, j *job) (artifact, error) {
	r := j.step(progress.StepStorageCalc)

	src := om.cfg.Storage.Path
	if src == "" {
		return artifact{}, errors.New("storage path is not configured")
	}
	info, err := os.Stat(src)
	if err != nil {
		return artifact{}, fmt.Errorf("storage source: %w", err)
	}
	if !info.IsDir() {
		return artifact{}, fmt.Errorf("storage source %s is not a directory", src)
	}
	total, err := runner.CountFiles(src, om.cfg.Storage.Excludes)
	if err != nil {
		return artifact{}, fmt.Errorf("count storage files: %w", err)
	}
	r.report(100, fmt.Sprintf("%d files to back up", total))

	snapshot := filepath.Join(om.cfg.Paths.StagingDir, j.ID)
	linkDest := runner.LatestSnapshot(om.cfg.Paths.StagingDir, j.ID)
	r = j.step(progress.StepStorageCopy)
	err = om.syncer.Sync(ctx, src, snapshot, linkDest, om.cfg.Storage.Excludes, func(n int) {
		r.report(progress.ItemFraction(n, total), fmt.Sprintf("Copying files (%d/%d)...", min(n, total), total))
	})
	if err != nil {
		_ = os.RemoveAll(snapshot)
		return artifact{}, err
	}

	a := artifact{path: om.store.Path(fmt.Sprintf("storage_%s%s", j.ID, om.ext(".tar")))}
	r = j.step(progress.StepStorageCompress)
	if _, err := om.syncer.Archive(ctx, snapshot, a.path, func(done, total int) {
		r.report(progress.ItemFraction(done, total), fmt.Sprintf("Archiving files (%d/%d)...", done, total))
	}); err != nil {
		return artifact{}, err
	}

	if removed, err := runner.PruneSnapshots(om.cfg.Paths.StagingDir, om.cfg.Backup.KeepSnapshots); err != nil {
		j.log.Warn("prune staging snapshots failed", "error", err)
	} else if len(removed) > 0 {
		j.log.Info("old staging snapshots pruned", "snapshots", removed)
	}
	return a, nil
}
