package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/database"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/progress"
	"github.com/kebairia/sitebackup/internal/runner"
	"github.com/kebairia/sitebackup/internal/store"
	"github.com/kebairia/sitebackup/internal/transfer"
	"github.com/kebairia/sitebackup/internal/vault"
)

var t0 = time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

const jobID = "20240301_030000"

type fakeDumper struct {
	mu      sync.Mutex
	err     error
	dumps   int
	conn    runner.Conn
	binlogs [][]string
	from    database.Position
	to      database.Position
}

func (f *fakeDumper) Dump(ctx context.Context, conn runner.Conn, dst string, progress func(int64)) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dumps++
	f.conn = conn
	if f.err != nil {
		return 0, f.err
	}
	progress(1 << 20)
	return writeFile(dst, "-- full dump\n")
}

func (f *fakeDumper) Binlog(ctx context.Context, conn runner.Conn, from, to database.Position, files []string, dst string, progress func(int64)) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binlogs = append(f.binlogs, files)
	f.from, f.to = from, to
	if f.err != nil {
		return 0, f.err
	}
	progress(512)
	return writeFile(dst, "-- binlog events\n")
}

type fakeSyncer struct {
	syncs    int
	linkDest string
	err      error
}

func (f *fakeSyncer) Sync(ctx context.Context, src, dst, linkDest string, excludes []string, progress func(int)) error {
	f.syncs++
	f.linkDest = linkDest
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	progress(1)
	_, err := writeFile(filepath.Join(dst, "index.html"), "<html>")
	return err
}

func (f *fakeSyncer) Archive(ctx context.Context, src, dst string, progress func(done, total int)) (int64, error) {
	progress(1, 1)
	return writeFile(dst, "tarball")
}

type fakeInspector struct {
	sizeMB  float64
	enabled bool
	pos     database.Position
	logs    []database.LogFile
}

func (f *fakeInspector) SchemaSizeMB(context.Context) (float64, error) { return f.sizeMB, nil }

func (f *fakeInspector) BinaryLoggingEnabled(context.Context) (bool, error) { return f.enabled, nil }

func (f *fakeInspector) CurrentPosition(context.Context) (database.Position, error) {
	if !f.enabled {
		return database.Position{}, database.ErrBinlogUnavailable
	}
	return f.pos, nil
}

func (f *fakeInspector) BinaryLogs(context.Context) ([]database.LogFile, error) { return f.logs, nil }

type fakeShipper struct {
	files   []string
	lastErr string
}

func (f *fakeShipper) TransferAll(ctx context.Context, files []string, serverID string) (transfer.Summary, error) {
	f.files = append(f.files, files...)
	if f.lastErr != "" {
		return transfer.Summary{Failed: files}, errors.New("1 of 1 files failed")
	}
	return transfer.Summary{Transferred: files}, nil
}

func (f *fakeShipper) LastError() string { return f.lastErr }

type fakeLauncher struct {
	calls [][2]string
	pid   int
	err   error
}

func (f *fakeLauncher) Launch(jobType, id string) (int, error) {
	f.calls = append(f.calls, [2]string{jobType, id})
	return f.pid, f.err
}

type fakeCreds struct{ role string }

func (f *fakeCreds) DatabaseCredentials(ctx context.Context, roleBase, role string) (vault.DynamicCredentials, error) {
	f.role = roleBase + "/" + role
	return vault.DynamicCredentials{Username: "v-backup", Password: "v-secret", TTL: time.Hour}, nil
}

func writeFile(path, body string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

type harness struct {
	om       *OperationManager
	cfg      config.Config
	dumper   *fakeDumper
	syncer   *fakeSyncer
	db       *fakeInspector
	shipper  *fakeShipper
	launcher *fakeLauncher
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	site := filepath.Join(root, "site")
	_, err := writeFile(filepath.Join(site, "index.html"), "<html>")
	require.NoError(t, err)
	_, err = writeFile(filepath.Join(site, "cache", "page.bin"), "x")
	require.NoError(t, err)

	return config.Config{
		Database: config.DatabaseConfig{Host: "localhost", Port: "3306", Name: "shop", User: "backup", Password: "pw"},
		Storage:  config.StorageConfig{Path: site, Excludes: []string{"cache"}},
		Paths: config.PathsConfig{
			BackupDir:  filepath.Join(root, "backups"),
			StagingDir: filepath.Join(root, "staging"),
			TempDir:    filepath.Join(root, "tmp"),
			LogDir:     filepath.Join(root, "logs"),
			KeyFile:    filepath.Join(root, "secret.key"),
		},
		Backup: config.BackupConfig{
			Compression:       "medium",
			Codec:             "gzip",
			RetentionDays:     30,
			IncrementalWindow: 24 * time.Hour,
			StaleAfter:        time.Hour,
			KeepSnapshots:     2,
			HistoryLimit:      100,
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		cfg:      cfg,
		dumper:   &fakeDumper{},
		syncer:   &fakeSyncer{},
		db:       &fakeInspector{sizeMB: 50, enabled: true, pos: database.Position{File: "mysql-bin.000003", Position: 1200}},
		shipper:  &fakeShipper{},
		launcher: &fakeLauncher{pid: 4242},
	}
	h.om = New(cfg,
		WithDumper(h.dumper),
		WithSyncer(h.syncer),
		WithConnector(func(context.Context, config.DatabaseConfig) (database.Inspector, error) { return h.db, nil }),
		WithShipper(h.shipper),
		WithLauncher(h.launcher),
		WithClock(testclock.NewClock(t0)),
		WithLogger(logger.Nop()),
	)
	return h
}

// seed appends a successful database record of the given age.
func (h *harness) seed(t *testing.T, id string, age time.Duration, incremental bool, pos *database.Position) string {
	t.Helper()
	suffix := "full"
	if incremental {
		suffix = "incremental"
	}
	name := fmt.Sprintf("db_%s_%s.sql.gz", id, suffix)
	path := h.om.Store().Path(name)
	_, err := writeFile(path, "-- seeded\n")
	require.NoError(t, err)

	rec := store.Record{
		ID:                id,
		Timestamp:         t0.Add(-age).Unix(),
		Date:              t0.Add(-age).Format(store.DateLayout),
		Type:              TypeDatabase,
		Files:             []string{path},
		Details:           []store.Detail{{Type: store.KindDatabase, File: name, Size: 10, Incremental: incremental, Compressed: true}},
		Status:            store.StatusCompleted,
		Server:            "web-1",
		BinaryLogPosition: pos,
	}
	rec.Finalize()
	require.NoError(t, h.om.Store().Append(rec))
	return path
}

func (h *harness) progress(t *testing.T) *progress.State {
	t.Helper()
	st, err := h.om.GetProgress()
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestRunFullDatabaseWhenNoHistory(t *testing.T) {
	h := newHarness(t)

	rec, err := h.om.Run(context.Background(), TypeDatabase, "")
	require.NoError(t, err)

	assert.Equal(t, jobID, rec.ID)
	assert.Equal(t, store.StrategyFull, rec.Strategy)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	require.Len(t, rec.Files, 1)
	assert.Equal(t, "db_20240301_030000_full.sql.gz", filepath.Base(rec.Files[0]))
	assert.False(t, rec.Details[0].Incremental)
	assert.True(t, rec.Details[0].Compressed)
	require.NotNil(t, rec.BinaryLogPosition)
	assert.Equal(t, "mysql-bin.000003", rec.BinaryLogPosition.File)
	assert.Equal(t, uint64(1200), rec.BinaryLogPosition.Position)

	assert.Equal(t, 1, h.dumper.dumps)
	assert.Equal(t, "shop", h.dumper.conn.Name)
	assert.Equal(t, "pw", h.dumper.conn.Password)
	assert.Equal(t, rec.Files, h.shipper.files)

	st := h.progress(t)
	assert.Equal(t, 100.0, st.Percentage)
	assert.Equal(t, jobID, st.JobID)

	history, err := h.om.GetHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)
}

func TestRunNoChangesIncremental(t *testing.T) {
	h := newHarness(t)
	checkpoint := h.db.pos
	h.seed(t, "20240301_010000", 2*time.Hour, false, &checkpoint)

	rec, err := h.om.Run(context.Background(), TypeDatabase, "")
	require.NoError(t, err)

	assert.Equal(t, store.StrategyIncremental, rec.Strategy)
	require.Len(t, rec.Files, 1)
	assert.Equal(t, "db_20240301_030000_incremental.sql", filepath.Base(rec.Files[0]))
	assert.True(t, rec.Details[0].Incremental)
	assert.Zero(t, h.dumper.dumps)
	assert.Empty(t, h.dumper.binlogs)

	body, err := os.ReadFile(rec.Files[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "no changes since mysql-bin.000003:1200")
	require.NotNil(t, rec.BinaryLogPosition)
	assert.True(t, rec.BinaryLogPosition.Same(checkpoint))
}

func TestRunBinaryLoggingDisabledIsAlwaysFull(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "20240301_020000", time.Hour, false, &database.Position{File: "mysql-bin.000003", Position: 1200})
	h.db.enabled = false

	rec, err := h.om.Run(context.Background(), TypeDatabase, "")
	require.NoError(t, err)
	assert.Equal(t, store.StrategyFull, rec.Strategy)
	assert.Equal(t, 1, h.dumper.dumps)
	assert.Nil(t, rec.BinaryLogPosition)
}

func TestRunIncrementalReadsLogRange(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "20240301_020000", time.Hour, false, &database.Position{File: "mysql-bin.000001", Position: 400})
	h.db.pos = database.Position{File: "mysql-bin.000003", Position: 900}
	h.db.logs = []database.LogFile{
		{Name: "mysql-bin.000001", Size: 1000},
		{Name: "mysql-bin.000002", Size: 1000},
		{Name: "mysql-bin.000003", Size: 900},
	}

	rec, err := h.om.Run(context.Background(), TypeDatabase, "")
	require.NoError(t, err)
	assert.Equal(t, store.StrategyIncremental, rec.Strategy)
	assert.Equal(t, "db_20240301_030000_incremental.sql.gz", filepath.Base(rec.Files[0]))
	require.Len(t, h.dumper.binlogs, 1)
	assert.Equal(t, []string{"mysql-bin.000001", "mysql-bin.000002", "mysql-bin.000003"}, h.dumper.binlogs[0])
	assert.Equal(t, uint64(400), h.dumper.from.Position)
	assert.Equal(t, uint64(900), h.dumper.to.Position)
}

func TestRunFallsBackToFull(t *testing.T) {
	tests := []struct {
		name  string
		age   time.Duration
		pos   *database.Position
		logs  []database.LogFile
		dumps int
	}{
		{
			name: "checkpoint purged",
			age:  time.Hour,
			pos:  &database.Position{File: "mysql-bin.000001", Position: 400},
			logs: []database.LogFile{{Name: "mysql-bin.000002"}, {Name: "mysql-bin.000003"}},
		},
		{
			name: "outside window",
			age:  25 * time.Hour,
			pos:  &database.Position{File: "mysql-bin.000002", Position: 1},
			logs: []database.LogFile{{Name: "mysql-bin.000002"}, {Name: "mysql-bin.000003"}},
		},
		{
			name: "no checkpoint",
			age:  time.Hour,
			logs: []database.LogFile{{Name: "mysql-bin.000003"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "20240301_000000", tt.age, false, tt.pos)
			h.db.logs = tt.logs

			rec, err := h.om.Run(context.Background(), TypeDatabase, "")
			require.NoError(t, err)
			assert.Equal(t, store.StrategyFull, rec.Strategy)
			assert.Equal(t, 1, h.dumper.dumps)
			assert.Empty(t, h.dumper.binlogs)
		})
	}
}

func TestRunFullJobContinuesAfterDatabaseFailure(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("mysqldump failed: exit status 2: Access denied")
	h.dumper.err = boom

	rec, err := h.om.Run(context.Background(), TypeFull, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1, h.syncer.syncs)
	assert.Equal(t, store.StatusCompletedWithErrors, rec.Status)
	require.Len(t, rec.Files, 1)
	assert.Equal(t, "storage_20240301_030000.tar.gz", filepath.Base(rec.Files[0]))
	assert.Equal(t, store.StrategyFull, rec.Strategy)
	assert.NotEmpty(t, rec.Errors)

	assert.Equal(t, float64(progress.Failed), h.progress(t).Percentage)

	history, err := h.om.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.StatusCompletedWithErrors, history[0].Status)
}

func TestRunFailedJobIsRecorded(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Storage.Path = "" })

	rec, err := h.om.Run(context.Background(), TypeStorage, "")
	require.Error(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Empty(t, rec.Files)
	assert.Empty(t, h.shipper.files)

	history, err := h.om.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRunStorageLinksAgainstPreviousSnapshot(t *testing.T) {
	h := newHarness(t)
	staging := h.cfg.Paths.StagingDir
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "20240228_030000"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "20240229_030000"), 0o755))

	rec, err := h.om.Run(context.Background(), TypeStorage, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(staging, "20240229_030000"), h.syncer.linkDest)
	assert.Equal(t, store.KindStorage, rec.Details[0].Type)

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"20240229_030000", jobID}, names)
}

func TestRunStorageSyncFailureDropsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.syncer.err = errors.New("rsync failed: exit status 23")

	_, err := h.om.Run(context.Background(), TypeStorage, "")
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(h.cfg.Paths.StagingDir, jobID))
}

func TestRunUsesVaultCredentials(t *testing.T) {
	creds := &fakeCreds{}
	h := newHarness(t, func(c *config.Config) {
		c.Database.User = ""
		c.Database.Password = ""
		c.Database.RoleName = "backup-ro"
		c.Vault.RoleBase = "database/creds"
	})
	WithCredentials(creds)(h.om)

	_, err := h.om.Run(context.Background(), TypeDatabase, "")
	require.NoError(t, err)
	assert.Equal(t, "database/creds/backup-ro", creds.role)
	assert.Equal(t, "v-backup", h.dumper.conn.User)
	assert.Equal(t, "v-secret", h.dumper.conn.Password)
}

func TestRunWritesMetrics(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Metrics.Textfile = filepath.Join(c.Paths.TempDir, "metrics", "sitebackup.prom")
	})
	_, err := h.om.Run(context.Background(), TypeDatabase, "")
	require.NoError(t, err)

	data, err := os.ReadFile(h.cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `sitebackup_last_status{type="database"} 0`)
}

func writeState(t *testing.T, h *harness, st progress.State) {
	t.Helper()
	require.NoError(t, progress.Write(h.om.ProgressPath(), st))
}

func TestRunKeepsLastTransferError(t *testing.T) {
	h := newHarness(t)
	h.shipper.lastErr = "Remote directory /backups does not exist on nas.lan"

	rec, err := h.om.Run(context.Background(), TypeDatabase, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, h.shipper.lastErr, rec.TransferError)

	history, err := h.om.GetHistory(1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, h.shipper.lastErr, history[0].TransferError)

	msg, err := h.om.LastTransferError()
	require.NoError(t, err)
	assert.Equal(t, h.shipper.lastErr, msg)
}

func TestLastTransferErrorReadsTransferLog(t *testing.T) {
	h := newHarness(t)

	msg, err := h.om.LastTransferError()
	require.NoError(t, err)
	assert.Empty(t, msg)

	j := transfer.NewJournal(filepath.Join(h.cfg.Paths.LogDir, transfer.LogFilename))
	require.NoError(t, j.Append(transfer.LogEntry{Timestamp: t0, Level: transfer.LevelError, Message: "Authentication failed", Server: "nas"}))
	require.NoError(t, j.Append(transfer.LogEntry{Timestamp: t0.Add(time.Minute), Level: transfer.LevelInfo, Message: "Connection test", Server: "nas"}))

	msg, err = h.om.LastTransferError()
	require.NoError(t, err)
	assert.Equal(t, "Authentication failed", msg)
}

func TestStartJobRefusedWhileJobIsLive(t *testing.T) {
	h := newHarness(t)
	writeState(t, h, progress.State{Percentage: 40, Timestamp: t0.Add(-10 * time.Minute).Unix(), JobID: "other"})

	_, err := h.om.StartJob(TypeFull)
	assert.ErrorIs(t, err, ErrJobInProgress)
	assert.Empty(t, h.launcher.calls)

	_, err = h.om.Run(context.Background(), TypeDatabase, "")
	assert.ErrorIs(t, err, ErrJobInProgress)

	_, err = h.om.Run(context.Background(), TypeDatabase, "other")
	assert.NoError(t, err)
}

func TestStartJobIgnoresStaleOrFinishedRecord(t *testing.T) {
	for name, st := range map[string]progress.State{
		"stale":    {Percentage: 40, Timestamp: t0.Add(-2 * time.Hour).Unix(), JobID: "old"},
		"finished": {Percentage: 100, Timestamp: t0.Add(-time.Minute).Unix(), JobID: "old"},
		"failed":   {Percentage: progress.Failed, Timestamp: t0.Add(-time.Minute).Unix(), JobID: "old"},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			writeState(t, h, st)

			id, err := h.om.StartJob(TypeFull)
			require.NoError(t, err)
			assert.Equal(t, jobID, id)
			assert.Equal(t, [][2]string{{TypeFull, jobID}}, h.launcher.calls)

			claimed := h.progress(t)
			assert.Equal(t, jobID, claimed.JobID)
			assert.Zero(t, claimed.PID)
			assert.Zero(t, claimed.Percentage)
			assert.Equal(t, "Backup queued", claimed.Message)

			_, err = h.om.StartJob(TypeFull)
			assert.ErrorIs(t, err, ErrJobInProgress)
		})
	}
}

// inlineLauncher runs the job before Launch returns, the way a fast worker
// can finish before the starter gets scheduled again.
type inlineLauncher struct {
	om  *OperationManager
	rec store.Record
	err error
}

func (l *inlineLauncher) Launch(jobType, id string) (int, error) {
	l.rec, l.err = l.om.Run(context.Background(), jobType, id)
	return os.Getpid(), nil
}

func TestStartJobLeavesWorkerProgressAlone(t *testing.T) {
	h := newHarness(t)
	worker := &inlineLauncher{om: h.om}
	WithLauncher(worker)(h.om)

	id, err := h.om.StartJob(TypeDatabase)
	require.NoError(t, err)
	require.NoError(t, worker.err)
	assert.Equal(t, id, worker.rec.ID)

	st := h.progress(t)
	assert.Equal(t, id, st.JobID)
	assert.Equal(t, 100.0, st.Percentage)
	assert.Contains(t, st.Message, "Backup completed successfully")
	assert.Equal(t, os.Getpid(), st.PID)
	assert.False(t, progress.Busy(st, t0, time.Hour))
}

func TestStartJobLaunchFailureReleasesLease(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = errors.New("exec format error")

	_, err := h.om.StartJob(TypeStorage)
	require.Error(t, err)
	assert.Equal(t, float64(progress.Failed), h.progress(t).Percentage)

	h.launcher.err = nil
	_, err = h.om.StartJob(TypeStorage)
	assert.NoError(t, err)
}

func TestInvalidJobType(t *testing.T) {
	h := newHarness(t)
	_, err := h.om.StartJob("weekly")
	assert.ErrorIs(t, err, ErrInvalidJobType)
	_, err = h.om.Run(context.Background(), "weekly", "")
	assert.ErrorIs(t, err, ErrInvalidJobType)
}

func TestRestoreInstructions(t *testing.T) {
	h := newHarness(t)
	fullPath := h.seed(t, "20240301_000000", 3*time.Hour, false, &database.Position{File: "mysql-bin.000001", Position: 4})
	incPath := h.seed(t, "20240301_020000", time.Hour, true, &database.Position{File: "mysql-bin.000001", Position: 90})

	plan, err := h.om.RestoreInstructions("20240301_020000")
	require.NoError(t, err)
	assert.Contains(t, plan, "Restore plan for backup 20240301_020000")
	assert.Contains(t, plan, "mysqldump --single-transaction shop > pre_restore_20240301_020000.sql")
	assert.Contains(t, plan, "Restore the database (2 files, oldest first)")
	assert.Less(t, strings.Index(plan, fullPath), strings.Index(plan, incPath))
	assert.Contains(t, plan, "gunzip -c "+incPath+" | mysql shop")

	plan, err = h.om.RestoreInstructions("20240301_000000")
	require.NoError(t, err)
	assert.NotContains(t, plan, incPath)

	require.NoError(t, os.Remove(fullPath))
	_, err = h.om.RestoreInstructions("20240301_020000")
	assert.ErrorIs(t, err, store.ErrArtifactMissing)

	_, err = h.om.RestoreInstructions("19990101_000000")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestRestoreInstructionsForStorage(t *testing.T) {
	h := newHarness(t)
	rec, err := h.om.Run(context.Background(), TypeStorage, "")
	require.NoError(t, err)

	plan, err := h.om.RestoreInstructions(rec.ID)
	require.NoError(t, err)
	assert.Contains(t, plan, "tar -xzf "+rec.Files[0])
	assert.Contains(t, plan, "rsync -a --delete")
	assert.NotContains(t, plan, "pre_restore_")
}

func TestDeleteRecord(t *testing.T) {
	h := newHarness(t)
	keep := h.seed(t, "20240301_000000", 3*time.Hour, false, nil)
	gone := h.seed(t, "20240301_010000", 2*time.Hour, false, nil)

	_, err := h.om.DeleteRecord("20240301_010000")
	require.NoError(t, err)
	assert.NoFileExists(t, gone)
	assert.FileExists(t, keep)

	history, err := h.om.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "20240301_000000", history[0].ID)
}

func TestExecLauncherArgs(t *testing.T) {
	l := ExecLauncher{ConfigPath: "/etc/sitebackup.yaml"}
	assert.Equal(t,
		[]string{"backup", "run", "--type", "full", "--job-id", jobID, "--config", "/etc/sitebackup.yaml"},
		l.Args(TypeFull, jobID))
}
