package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/database"
	"github.com/kebairia/sitebackup/internal/logger"
)

// Conn holds what the MySQL client tools need to reach the server.
type Conn struct {
	Host     string
	Port     string
	Socket   string
	User     string
	Password string
	Name     string
}

// ConnFromConfig copies the connection settings out of the database section.
func ConnFromConfig(cfg config.DatabaseConfig) Conn {
	return Conn{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Socket:   cfg.Socket,
		User:     cfg.User,
		Password: cfg.Password,
		Name:     cfg.Name,
	}
}

func (c Conn) args() []string {
	var args []string
	if c.Socket != "" {
		args = append(args, "--socket="+c.Socket)
	} else {
		args = append(args, "--host="+c.Host, "--port="+c.Port)
	}
	return append(args, "--user="+c.User)
}

// env passes the password without exposing it on the command line.
func (c Conn) env() []string {
	return append(os.Environ(), "MYSQL_PWD="+c.Password)
}

// Option lets you override default settings on Tools.
type Option func(*Tools)

// Tools runs the external programs a backup job depends on. Each run is
// bounded by the caller's context.
type Tools struct {
	MySQLDump   string
	MySQLBinlog string
	Rsync       string
	Codec       Codec
	Logger      logger.Logger
}

// New returns Tools configured from cfg plus any overrides.
func New(cfg config.Config, opts ...Option) *Tools {
	t := &Tools{
		MySQLDump:   cfg.Tools.MySQLDump,
		MySQLBinlog: cfg.Tools.MySQLBinlog,
		Rsync:       cfg.Tools.Rsync,
		Codec:       Codec{Name: cfg.Backup.Codec, Level: Level(cfg.Backup.Compression)},
		Logger:      logger.Global(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithLogger overrides the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Tools) {
		if l != nil {
			t.Logger = l
		}
	}
}

// WithBinaries overrides the tool paths; empty values keep the default.
func WithBinaries(mysqldump, mysqlbinlog, rsync string) Option {
	return func(t *Tools) {
		if mysqldump != "" {
			t.MySQLDump = mysqldump
		}
		if mysqlbinlog != "" {
			t.MySQLBinlog = mysqlbinlog
		}
		if rsync != "" {
			t.Rsync = rsync
		}
	}
}

// WithCodec overrides the compression codec.
func WithCodec(c Codec) Option {
	return func(t *Tools) { t.Codec = c }
}

// DumpArgs are the mysqldump flags for a consistent, non-locking export.
var DumpArgs = []string{
	"--single-transaction",
	"--quick",
	"--lock-tables=false",
	"--skip-add-locks",
	"--routines",
	"--triggers",
	"--events",
	"--hex-blob",
	"--default-character-set=utf8mb4",
}

// Dump exports the whole database into dst through the codec. progress
// receives the number of uncompressed bytes produced so far. It returns the
// size of dst. On failure dst is removed.
func (t *Tools) Dump(ctx context.Context, conn Conn, dst string, progress func(int64)) (int64, error) {
	args := append(conn.args(), DumpArgs...)
	args = append(args, conn.Name)

	t.Logger.Info("dump started", "database", conn.Name, "path", dst)
	start := time.Now()
	size, err := t.stream(ctx, t.MySQLDump, args, conn.env(), dst, progress)
	if err != nil {
		return 0, fmt.Errorf("mysqldump failed: %w", err)
	}
	t.Logger.Info("dump completed",
		"database", conn.Name,
		"path", dst,
		"size", size,
		"duration", time.Since(start).String(),
	)
	return size, nil
}

// Binlog extracts the change events between from and to over the given
// ordered log files, as produced by database.LogRange. The start position
// applies to the first file and the stop position to the last one.
func (t *Tools) Binlog(ctx context.Context, conn Conn, from, to database.Position, files []string, dst string, progress func(int64)) (int64, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("mysqlbinlog: no log files to read")
	}
	args := append(conn.args(),
		"--read-from-remote-server",
		"--database="+conn.Name,
		fmt.Sprintf("--start-position=%d", from.Position),
		fmt.Sprintf("--stop-position=%d", to.Position),
	)
	args = append(args, files...)

	t.Logger.Info("binlog extraction started",
		"database", conn.Name,
		"from", fmt.Sprintf("%s:%d", from.File, from.Position),
		"to", fmt.Sprintf("%s:%d", to.File, to.Position),
		"files", len(files),
	)
	size, err := t.stream(ctx, t.MySQLBinlog, args, conn.env(), dst, progress)
	if err != nil {
		return 0, fmt.Errorf("mysqlbinlog failed: %w", err)
	}
	return size, nil
}

// stream runs name with stdout piped through the codec into dst.
func (t *Tools) stream(ctx context.Context, name string, args, env []string, dst string, progress func(int64)) (size int64, err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %q: %w", filepath.Dir(dst), err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", dst, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	zw, err := t.Codec.NewWriter(f)
	if err != nil {
		f.Close()
		return 0, err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	cmd.Stdout = &countingWriter{w: zw, notify: progress}
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	closeErr := zw.Close()
	if err := f.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if runErr != nil {
		return 0, commandError(runErr, &stderr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("finish %q: %w", dst, closeErr)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// commandError folds the tail of stderr into the process error.
func commandError(err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}
