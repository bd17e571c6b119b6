package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/sitebackup/internal/logger"
)

// fakeMethod fails the first n uploads/verifies according to its queues.
type fakeMethod struct {
	mu        sync.Mutex
	uploadErr []error
	verifyErr []error
	uploads   int
	verifies  int
	testErr   error
	cleaned   int
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (f *fakeMethod) Upload(ctx context.Context, file string, srv Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return pop(&f.uploadErr)
}

func (f *fakeMethod) Verify(ctx context.Context, file string, srv Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies++
	return pop(&f.verifyErr)
}

func (f *fakeMethod) Test(ctx context.Context, srv Server) error { return f.testErr }

func (f *fakeMethod) Cleanup(ctx context.Context, srv Server, days int) error {
	f.cleaned = days
	return nil
}

func (f *fakeMethod) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

var t0 = time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

type harness struct {
	tr      *Transferrer
	clock   *testclock.Clock
	method  *fakeMethod
	journal *Journal
	file    string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:   testclock.NewClock(t0),
		method:  &fakeMethod{},
		journal: NewJournal(filepath.Join(t.TempDir(), LogFilename)),
		file:    filepath.Join(t.TempDir(), "db_20240301_020000_full.sql.gz"),
	}
	require.NoError(t, os.WriteFile(h.file, []byte("dump"), 0o644))
	h.tr = New(cfg, Tooling{},
		WithMethods(map[string]Method{MethodSSH: h.method, MethodFTP: &ftpMethod{}}),
		WithClock(h.clock),
		WithJournal(h.journal),
		WithLogger(logger.Nop()),
	)
	return h
}

func enabled(retries int) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MaxRetries = retries
	cfg.Servers = []Server{{ID: "backup-1", Method: MethodSSH, Host: "10.0.0.5", Path: "/srv/backups"}}
	return cfg
}

func levels(t *testing.T, j *Journal) []string {
	t.Helper()
	entries, err := j.Entries(0)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Level)
	}
	return out
}

func TestTransferRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, enabled(3))
	h.method.uploadErr = []error{errors.New("connection reset"), errors.New("connection reset")}

	done := make(chan error, 1)
	go func() { done <- h.tr.Transfer(context.Background(), h.file, "") }()

	require.NoError(t, h.clock.WaitAdvance(5*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return h.method.count() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, h.clock.WaitAdvance(10*time.Second, time.Second, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}

	assert.Equal(t, 3, h.method.uploads)
	assert.Equal(t, 1, h.method.verifies)
	assert.Equal(t, []string{LevelInfo, LevelWarning, LevelWarning, LevelSuccess}, levels(t, h.journal))

	entries, err := h.journal.Entries(0)
	require.NoError(t, err)
	assert.Contains(t, entries[1].Message, "retrying in 5s")
	assert.Contains(t, entries[2].Message, "retrying in 10s")
	assert.Equal(t, 3, entries[3].Attempt)
	assert.Empty(t, h.tr.LastError())
}

func TestTransferChecksumFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t, enabled(3))
	mismatch := errors.New("local abc, remote def")
	h.method.verifyErr = []error{
		errors.Join(ErrChecksumMismatch, mismatch),
		errors.Join(ErrChecksumMismatch, mismatch),
		errors.Join(ErrChecksumMismatch, mismatch),
	}

	done := make(chan error, 1)
	go func() { done <- h.tr.Transfer(context.Background(), h.file, "backup-1") }()

	require.NoError(t, h.clock.WaitAdvance(5*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return h.method.count() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, h.clock.WaitAdvance(10*time.Second, time.Second, 1))

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, 3, h.method.uploads)
	assert.FileExists(t, h.file)
	assert.Equal(t, []string{LevelInfo, LevelWarning, LevelWarning, LevelWarning, LevelError}, levels(t, h.journal))
	assert.Contains(t, h.tr.LastError(), "after 3 attempt(s)")
}

func TestBackoffStrictlyIncreases(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := Backoff(attempt)
		assert.Greater(t, d, prev)
		prev = d
	}
	assert.Equal(t, 5*time.Second, Backoff(1))
	assert.Equal(t, 10*time.Second, Backoff(2))
	assert.Equal(t, 20*time.Second, Backoff(3))
}

func TestTransferHelperMissingIsNotRetried(t *testing.T) {
	h := newHarness(t, enabled(5))
	h.method.uploadErr = []error{ErrPasswordHelperMissing}

	err := h.tr.Transfer(context.Background(), h.file, "")
	require.ErrorIs(t, err, ErrPasswordHelperMissing)
	assert.Equal(t, 1, h.method.uploads)
	assert.Equal(t, []string{LevelInfo, LevelError}, levels(t, h.journal))
}

func TestTransferClientSetupIsNotRetried(t *testing.T) {
	h := newHarness(t, enabled(5))
	h.method.uploadErr = []error{fmt.Errorf("%w: read key file: %w", ErrClientSetup, os.ErrNotExist)}

	err := h.tr.Transfer(context.Background(), h.file, "")
	require.ErrorIs(t, err, ErrClientSetup)
	assert.Equal(t, 1, h.method.uploads)
}

func TestTransferPreconditions(t *testing.T) {
	cfg := enabled(1)
	cfg.Enabled = false
	h := newHarness(t, cfg)
	assert.ErrorIs(t, h.tr.Transfer(context.Background(), h.file, ""), ErrDisabled)

	h = newHarness(t, enabled(1))
	assert.ErrorIs(t, h.tr.Transfer(context.Background(), h.file, "nope"), ErrNoServer)
	assert.Contains(t, h.tr.LastError(), "nope")

	err := h.tr.Transfer(context.Background(), filepath.Join(t.TempDir(), "gone.sql.gz"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, h.method.uploads)

	cfg = enabled(1)
	cfg.Servers[0].Method = "carrier-pigeon"
	h = newHarness(t, cfg)
	assert.ErrorIs(t, h.tr.Transfer(context.Background(), h.file, ""), ErrUnknownMethod)
}

func TestTransferAllHonoursKeepLocal(t *testing.T) {
	cfg := enabled(1)
	cfg.KeepLocal = false
	h := newHarness(t, cfg)

	other := filepath.Join(t.TempDir(), "storage_20240301_020000.tar.gz")
	require.NoError(t, os.WriteFile(other, []byte("tar"), 0o644))
	h.method.uploadErr = []error{nil, errors.New("disk full")}

	sum, err := h.tr.TransferAll(context.Background(), []string{h.file, other}, "")
	require.Error(t, err)
	assert.Equal(t, []string{h.file}, sum.Transferred)
	assert.Equal(t, []string{h.file}, sum.Removed)
	assert.Equal(t, []string{other}, sum.Failed)
	assert.NoFileExists(t, h.file)
	assert.FileExists(t, other)
}

func TestTransferAllKeepsLocalByDefault(t *testing.T) {
	h := newHarness(t, enabled(1))
	sum, err := h.tr.TransferAll(context.Background(), []string{h.file}, "")
	require.NoError(t, err)
	assert.Empty(t, sum.Removed)
	assert.FileExists(t, h.file)
}

func TestTransferWithoutVerification(t *testing.T) {
	cfg := enabled(1)
	cfg.VerifyChecksum = false
	h := newHarness(t, cfg)
	require.NoError(t, h.tr.Transfer(context.Background(), h.file, ""))
	assert.Zero(t, h.method.verifies)
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t, enabled(1))
	srv := h.tr.Config().Servers[0]

	res := h.tr.TestConnection(context.Background(), srv)
	assert.True(t, res.Success)

	h.method.testErr = errors.New("dial tcp 10.0.0.5:22: connect: connection refused")
	res = h.tr.TestConnection(context.Background(), srv)
	assert.False(t, res.Success)
	assert.Equal(t, KindRefused, res.Kind)

	res = h.tr.TestConnection(context.Background(), Server{ID: "x", Method: "gopher"})
	assert.False(t, res.Success)
}

func TestCleanupRemote(t *testing.T) {
	h := newHarness(t, enabled(1))
	srv := h.tr.Config().Servers[0]
	require.NoError(t, h.tr.CleanupRemote(context.Background(), srv, 30))
	assert.Equal(t, 30, h.method.cleaned)

	err := h.tr.CleanupRemote(context.Background(), Server{ID: "f", Method: MethodFTP}, 30)
	assert.ErrorIs(t, err, ErrCleanupUnsupported)
}
