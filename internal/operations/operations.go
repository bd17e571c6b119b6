// Package operations runs backup jobs end to end: it picks a strategy,
// drives the external tools through narrow interfaces, reports progress
// and keeps the history ledger.
package operations

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/clock"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/database"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/progress"
	"github.com/kebairia/sitebackup/internal/runner"
	"github.com/kebairia/sitebackup/internal/store"
	"github.com/kebairia/sitebackup/internal/transfer"
	"github.com/kebairia/sitebackup/internal/vault"
)

// Dumper produces database artifacts.
type Dumper interface {
	Dump(ctx context.Context, conn runner.Conn, dst string, progress func(int64)) (int64, error)
	Binlog(ctx context.Context, conn runner.Conn, from, to database.Position, files []string, dst string, progress func(int64)) (int64, error)
}

// Syncer produces storage artifacts.
type Syncer interface {
	Sync(ctx context.Context, src, dst, linkDest string, excludes []string, progress func(int)) error
	Archive(ctx context.Context, src, dst string, progress func(done, total int)) (int64, error)
}

// Connector opens an introspection session against the database.
type Connector func(ctx context.Context, cfg config.DatabaseConfig) (database.Inspector, error)

// CredentialSource mints database credentials for one job.
type CredentialSource interface {
	DatabaseCredentials(ctx context.Context, roleBase, role string) (vault.DynamicCredentials, error)
}

// Launcher starts the detached worker process for a job.
type Launcher interface {
	Launch(jobType, jobID string) (pid int, err error)
}

// Shipper delivers finished artifacts to remote storage.
type Shipper interface {
	TransferAll(ctx context.Context, files []string, serverID string) (transfer.Summary, error)
	LastError() string
}

// Option lets you override default settings on an OperationManager.
type Option func(*OperationManager)

// WithDumper replaces the database tool runner.
func WithDumper(d Dumper) Option { return func(om *OperationManager) { om.dumper = d } }

// WithSyncer replaces the storage tool runner.
func WithSyncer(s Syncer) Option { return func(om *OperationManager) { om.syncer = s } }

// WithConnector replaces how the database is inspected.
func WithConnector(c Connector) Option { return func(om *OperationManager) { om.connect = c } }

// WithCredentials sets where dynamic database credentials come from.
func WithCredentials(c CredentialSource) Option { return func(om *OperationManager) { om.creds = c } }

// WithLauncher sets how StartJob spawns the worker.
func WithLauncher(l Launcher) Option { return func(om *OperationManager) { om.launcher = l } }

// WithShipper replaces the post-job transfer.
func WithShipper(s Shipper) Option { return func(om *OperationManager) { om.shipper = s } }

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option { return func(om *OperationManager) { om.clock = c } }

// WithLogger overrides the logger.
func WithLogger(l logger.Logger) Option { return func(om *OperationManager) { om.log = l } }

// OperationManager runs backup jobs and answers the queries a trigger
// layer needs: progress, history, deletion, restore plans and remote
// destination management.
type OperationManager struct {
	cfg      config.Config
	store    *store.Store
	dumper   Dumper
	syncer   Syncer
	connect  Connector
	creds    CredentialSource
	launcher Launcher
	shipper  Shipper
	clock    clock.Clock
	log      logger.Logger

	lastTransferErr string
}

// NewOperationManager loads, parses, and validates the YAML config at
// configPath and returns a manager for it.
func NewOperationManager(configPath string, opts ...Option) (*OperationManager, error) {
	var cfg config.Config
	if err := cfg.Load(configPath); err != nil {
		return nil, err
	}
	return New(cfg, opts...), nil
}

// New returns a manager for an already loaded config.
func New(cfg config.Config, opts ...Option) *OperationManager {
	om := &OperationManager{
		cfg:     cfg,
		connect: openMySQL,
		clock:   clock.WallClock,
		log:     logger.Global(),
	}
	for _, opt := range opts {
		opt(om)
	}
	if om.dumper == nil || om.syncer == nil {
		tools := runner.New(cfg, runner.WithLogger(om.log))
		if om.dumper == nil {
			om.dumper = tools
		}
		if om.syncer == nil {
			om.syncer = tools
		}
	}
	om.store = store.New(cfg.Paths.BackupDir,
		store.WithLimit(cfg.Backup.HistoryLimit),
		store.WithClock(om.clock),
		store.WithLogger(om.log),
	)
	return om
}

func openMySQL(ctx context.Context, cfg config.DatabaseConfig) (database.Inspector, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Config returns the configuration in use.
func (om *OperationManager) Config() config.Config { return om.cfg }

// Store returns the artifact store.
func (om *OperationManager) Store() *store.Store { return om.store }

// ProgressPath is where the progress record of the current job lives.
func (om *OperationManager) ProgressPath() string {
	return filepath.Join(om.cfg.Paths.TempDir, progress.Filename)
}

// GetProgress returns the current progress record, or nil when no job has
// written one.
func (om *OperationManager) GetProgress() (*progress.State, error) {
	return progress.Read(om.ProgressPath())
}

// GetHistory returns at most limit records, newest first.
func (om *OperationManager) GetHistory(limit int) ([]store.Record, error) {
	return om.store.List(limit)
}

// DeleteRecord removes a ledger entry together with its artifact files.
func (om *OperationManager) DeleteRecord(id string) (store.Record, error) {
	return om.store.Delete(id)
}

// Cleanup runs the retention sweep and prunes old staging snapshots.
func (om *OperationManager) Cleanup() (store.SweepResult, error) {
	res, err := om.store.Sweep(om.retention())
	if _, perr := runner.PruneSnapshots(om.cfg.Paths.StagingDir, om.cfg.Backup.KeepSnapshots); perr != nil {
		om.log.Warn("prune staging snapshots failed", "error", perr)
	}
	return res, err
}

// StartJob claims the progress record for a new job and launches the
// worker without waiting for it. It fails with ErrJobInProgress while
// another job holds a fresh, non-terminal record.
//
// The claim carries no pid: this process exits long before the job does,
// so the claim only expires by age. The worker's first write replaces it
// with its own pid. Nothing is written after the launch since the worker
// may already be reporting progress.
func (om *OperationManager) StartJob(jobType string) (string, error) {
	if om.launcher == nil {
		return "", fmt.Errorf("start %s job: no worker launcher configured", jobType)
	}
	now := om.clock.Now()
	job, err := NewJob(jobType, now)
	if err != nil {
		return "", err
	}
	if err := om.checkLease(""); err != nil {
		return "", err
	}

	claim := progress.New(om.ProgressPath(), jobType,
		progress.WithClock(om.clock), progress.WithJob(job.ID), progress.WithPID(0))
	if err := claim.Update(0, "Backup queued"); err != nil {
		return "", fmt.Errorf("claim progress record: %w", err)
	}

	pid, err := om.launcher.Launch(jobType, job.ID)
	if err != nil {
		_ = claim.Complete(false, fmt.Sprintf("Failed to start backup: %v", err))
		om.log.Error("launch worker failed", "job", job.ID, "type", jobType, "error", err)
		return "", fmt.Errorf("launch worker: %w", err)
	}
	om.log.Info("backup job started", "job", job.ID, "type", jobType, "pid", pid)
	return job.ID, nil
}

// checkLease refuses to proceed while another job is live. A record that
// already belongs to jobID is not a conflict.
func (om *OperationManager) checkLease(jobID string) error {
	st, err := progress.Read(om.ProgressPath())
	if err != nil {
		om.log.Warn("unreadable progress record ignored", "error", err)
		return nil
	}
	if st == nil || (jobID != "" && st.JobID == jobID) {
		return nil
	}
	if progress.Busy(st, om.clock.Now(), om.cfg.Backup.StaleAfter) {
		return fmt.Errorf("%w: job %s at %.1f%%", ErrJobInProgress, st.JobID, st.Percentage)
	}
	return nil
}

// databaseConfig returns the connection settings for this job, replacing
// the static user with Vault-issued credentials when a role is set.
func (om *OperationManager) databaseConfig(ctx context.Context) (config.DatabaseConfig, error) {
	db := om.cfg.Database
	if db.RoleName == "" {
		return db, nil
	}
	if om.creds == nil {
		if !om.cfg.Vault.Enabled() {
			return db, fmt.Errorf("database role %q needs vault.address", db.RoleName)
		}
		client, err := vault.NewClient(ctx,
			vault.WithAddress(om.cfg.Vault.Address),
			vault.WithAppRole(om.cfg.Vault.RoleID, om.cfg.Vault.RoleName),
		)
		if err != nil {
			return db, fmt.Errorf("vault client init: %w", err)
		}
		om.creds = client
	}
	creds, err := om.creds.DatabaseCredentials(ctx, om.cfg.Vault.RoleBase, db.RoleName)
	if err != nil {
		return db, err
	}
	db.User = creds.Username
	db.Password = creds.Password
	om.log.Info("using vault database credentials", "role", db.RoleName, "ttl", creds.TTL.String())
	return db, nil
}

func closeInspector(insp database.Inspector) {
	if c, ok := insp.(io.Closer); ok {
		_ = c.Close()
	}
}

func ensureDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("mkdir %q: %w", d, err)
		}
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
