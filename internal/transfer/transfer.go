// Package transfer ships finished artifacts to remote destinations with
// retry, backoff and checksum verification.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/multierr"

	"github.com/kebairia/sitebackup/internal/logger"
)

// BaseDelay is the wait after the first failed attempt; each further
// attempt doubles it.
const BaseDelay = 5 * time.Second

// Option lets you override default settings on a Transferrer.
type Option func(*Transferrer)

// WithMethods replaces the method registry.
func WithMethods(m map[string]Method) Option {
	return func(t *Transferrer) { t.methods = m }
}

// WithClock replaces the clock used for backoff waits.
func WithClock(c clock.Clock) Option {
	return func(t *Transferrer) { t.clock = c }
}

// WithJournal sets the transfer log.
func WithJournal(j *Journal) Option {
	return func(t *Transferrer) { t.journal = j }
}

// WithLogger overrides the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Transferrer) { t.log = l }
}

// Transferrer delivers artifacts to the servers of one Config. Transfers
// run one at a time.
type Transferrer struct {
	cfg     Config
	methods map[string]Method
	journal *Journal
	clock   clock.Clock
	log     logger.Logger

	mu      sync.Mutex
	lastErr string
}

// New returns a Transferrer for cfg using the built-in methods.
func New(cfg Config, tools Tooling, opts ...Option) *Transferrer {
	t := &Transferrer{
		cfg:   cfg,
		clock: clock.WallClock,
		log:   logger.Global(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.methods == nil {
		if tools.Logger == nil {
			tools.Logger = t.log
		}
		tools.RateLimit = cfg.RateLimit
		t.methods = NewMethods(tools)
	}
	return t
}

// Config returns the destination config in use.
func (t *Transferrer) Config() Config { return t.cfg }

// LastError is the message of the most recent failed transfer, for
// surfacing to an operator. It is empty until a transfer fails.
func (t *Transferrer) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transferrer) setLastError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err.Error()
}

// Backoff returns the wait after the given failed attempt (1-based).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return BaseDelay << (attempt - 1)
}

func (t *Transferrer) record(level, msg string, srv Server, file string, attempt int) {
	e := LogEntry{
		Timestamp: t.clock.Now(),
		Level:     level,
		Message:   msg,
		Server:    srv.ID,
		Attempt:   attempt,
	}
	if file != "" {
		e.File = filepath.Base(file)
	}
	kv := []any{"server", srv.ID, "file", e.File, "attempt", attempt}
	switch level {
	case LevelError:
		t.log.Error(msg, kv...)
	case LevelWarning:
		t.log.Warn(msg, kv...)
	default:
		t.log.Info(msg, kv...)
	}
	if t.journal != nil {
		if err := t.journal.Append(e); err != nil {
			t.log.Warn("write transfer log failed", "error", err)
		}
	}
}

func (t *Transferrer) method(srv Server) (Method, error) {
	m, ok := t.methods[srv.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, srv.Method)
	}
	return m, nil
}

// Transfer uploads file to the named server, or the first active one when
// serverID is empty. Each attempt uploads and, when enabled, verifies the
// checksum; a verification failure is retried like an upload failure. The
// local file is never removed here.
func (t *Transferrer) Transfer(ctx context.Context, file, serverID string) error {
	if !t.cfg.Enabled {
		return ErrDisabled
	}
	srv, err := t.cfg.Server(serverID)
	if err != nil {
		t.setLastError(err)
		return err
	}
	m, err := t.method(srv)
	if err != nil {
		t.setLastError(err)
		return err
	}
	info, err := os.Stat(file)
	if err != nil {
		err = fmt.Errorf("local artifact: %w", err)
		t.setLastError(err)
		return err
	}

	attempts := max(t.cfg.MaxRetries, 1)
	timeout := time.Duration(t.cfg.Timeout) * time.Second
	name := filepath.Base(file)

	t.record(LevelInfo, fmt.Sprintf("Starting %s transfer of %s (%s) to %s",
		srv.Method, name, humanize.Bytes(uint64(info.Size())), srv.ID), srv, file, 0)

	var (
		lastErr error
		tries   int
	)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			tries++
			attemptCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			lastErr = m.Upload(attemptCtx, file, srv)
			if lastErr == nil && t.cfg.VerifyChecksum {
				lastErr = m.Verify(attemptCtx, file, srv)
			}
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrPasswordHelperMissing) || errors.Is(err, ErrClientSetup) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			msg := fmt.Sprintf("Attempt %d/%d for %s failed: %v", attempt, attempts, name, err)
			if attempt < attempts {
				msg += fmt.Sprintf("; retrying in %s", Backoff(attempt))
			}
			t.record(LevelWarning, msg, srv, file, attempt)
		},
		Attempts: attempts,
		Delay:    BaseDelay,
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return Backoff(attempt)
		},
		Clock: t.clock,
		Stop:  ctx.Done(),
	})
	if err == nil {
		t.record(LevelSuccess, fmt.Sprintf("Transferred %s to %s after %d attempt(s)", name, srv.ID, tries),
			srv, file, tries)
		return nil
	}

	if retry.IsRetryStopped(err) || lastErr == nil {
		lastErr = err
		if ctx.Err() != nil {
			lastErr = ctx.Err()
		}
	}
	failure := fmt.Errorf("transfer %s to %s failed after %d attempt(s): %w", name, srv.ID, tries, lastErr)
	t.setLastError(failure)
	t.record(LevelError, failure.Error(), srv, file, tries)
	return failure
}

// Summary reports the outcome of TransferAll.
type Summary struct {
	Transferred []string
	Failed      []string
	Removed     []string
}

// TransferAll ships every file in order. A file is deleted locally only
// after a successful transfer and only when keep_local is off.
func (t *Transferrer) TransferAll(ctx context.Context, files []string, serverID string) (Summary, error) {
	var (
		sum  Summary
		errs error
	)
	if !t.cfg.Enabled {
		return sum, ErrDisabled
	}
	for _, f := range files {
		if err := t.Transfer(ctx, f, serverID); err != nil {
			sum.Failed = append(sum.Failed, f)
			errs = multierr.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		sum.Transferred = append(sum.Transferred, f)
		if !t.cfg.KeepLocal {
			if err := os.Remove(f); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("remove local copy: %w", err))
				continue
			}
			sum.Removed = append(sum.Removed, f)
		}
	}
	return sum, errs
}

// TestConnection checks that srv is reachable with its credentials.
func (t *Transferrer) TestConnection(ctx context.Context, srv Server) Result {
	m, err := t.method(srv)
	if err != nil {
		return Result{Kind: KindOther, Message: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res := Diagnose(m.Test(ctx, srv))
	level := LevelSuccess
	if !res.Success {
		level = LevelError
	}
	t.record(level, fmt.Sprintf("Connection test %s: %s", srv.ID, res.Message), srv, "", 0)
	return res
}

// CleanupRemote removes artifacts older than days from srv where the
// method supports it.
func (t *Transferrer) CleanupRemote(ctx context.Context, srv Server, days int) error {
	m, err := t.method(srv)
	if err != nil {
		return err
	}
	c, ok := m.(Cleaner)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCleanupUnsupported, srv.Method)
	}
	if err := c.Cleanup(ctx, srv, days); err != nil {
		t.record(LevelError, fmt.Sprintf("Remote cleanup on %s failed: %v", srv.ID, err), srv, "", 0)
		return err
	}
	t.record(LevelInfo, fmt.Sprintf("Remote cleanup on %s removed artifacts older than %d days", srv.ID, days), srv, "", 0)
	return nil
}
