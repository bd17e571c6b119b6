package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kebairia/sitebackup/internal/config"
)

const schemaSizeQuery = `SELECT COALESCE(ROUND(SUM(data_length + index_length) / 1024 / 1024, 2), 0)
FROM information_schema.TABLES WHERE table_schema = ?`

// MySQL answers introspection queries against the protected database.
type MySQL struct {
	db     *sql.DB
	schema string
	now    func() time.Time
}

var _ Inspector = (*MySQL)(nil)

// DSN builds a go-sql-driver DSN from the database section. A socket wins
// over host/port, matching how the dump tool connects.
func DSN(cfg config.DatabaseConfig) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.DBName = cfg.Name
	c.Timeout = 10 * time.Second
	c.ReadTimeout = 30 * time.Second
	if cfg.Socket != "" {
		c.Net = "unix"
		c.Addr = cfg.Socket
	} else {
		c.Net = "tcp"
		c.Addr = net.JoinHostPort(cfg.Host, cfg.Port)
	}
	return c.FormatDSN()
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*MySQL, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql %s: %w", cfg.Host, err)
	}
	return &MySQL{db: db, schema: cfg.Name, now: time.Now}, nil
}

// Close releases the connection pool.
func (m *MySQL) Close() error { return m.db.Close() }

// SchemaSizeMB returns data+index size of the schema in megabytes.
func (m *MySQL) SchemaSizeMB(ctx context.Context) (float64, error) {
	var size float64
	if err := m.db.QueryRowContext(ctx, schemaSizeQuery, m.schema).Scan(&size); err != nil {
		return 0, fmt.Errorf("query schema size: %w", err)
	}
	return size, nil
}

// BinaryLoggingEnabled reports whether log_bin is ON.
func (m *MySQL) BinaryLoggingEnabled(ctx context.Context) (bool, error) {
	var name, value string
	err := m.db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'log_bin'").Scan(&name, &value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query log_bin: %w", err)
	}
	return strings.EqualFold(value, "ON"), nil
}

// CurrentPosition returns the file and offset the server is writing to.
func (m *MySQL) CurrentPosition(ctx context.Context) (Position, error) {
	// MySQL 8.4 dropped SHOW MASTER STATUS in favour of the new spelling.
	var lastErr error
	for _, q := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		row, err := m.firstRow(ctx, q)
		if err != nil {
			lastErr = err
			continue
		}
		if len(row) < 2 || row[0] == "" {
			return Position{}, ErrBinlogUnavailable
		}
		pos, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			return Position{}, fmt.Errorf("parse binlog position %q: %w", row[1], err)
		}
		return Position{File: row[0], Position: pos, Timestamp: m.now().Unix()}, nil
	}
	return Position{}, fmt.Errorf("%w: %v", ErrBinlogUnavailable, lastErr)
}

// BinaryLogs lists the log files still present on the server, oldest first.
func (m *MySQL) BinaryLogs(ctx context.Context) ([]LogFile, error) {
	rows, err := m.db.QueryContext(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return nil, fmt.Errorf("show binary logs: %w", err)
	}
	defer rows.Close()

	var logs []LogFile
	for rows.Next() {
		vals, err := scanStrings(rows)
		if err != nil {
			return nil, err
		}
		lf := LogFile{Name: vals[0]}
		if len(vals) > 1 {
			lf.Size, _ = strconv.ParseInt(vals[1], 10, 64)
		}
		logs = append(logs, lf)
	}
	return logs, rows.Err()
}

// firstRow runs a SHOW statement whose column count varies by server
// version and returns its first row as strings.
func (m *MySQL) firstRow(ctx context.Context, query string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out, nil
}
