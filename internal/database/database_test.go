package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kebairia/sitebackup/internal/config"
)

func TestLogRange(t *testing.T) {
	logs := []LogFile{{Name: "binlog.000007"}, {Name: "binlog.000008"}, {Name: "binlog.000009"}}

	tests := []struct {
		name     string
		from, to string
		want     []string
		ok       bool
	}{
		{"same file", "binlog.000008", "binlog.000008", []string{"binlog.000008"}, true},
		{"spans files", "binlog.000007", "binlog.000009", []string{"binlog.000007", "binlog.000008", "binlog.000009"}, true},
		{"purged checkpoint", "binlog.000003", "binlog.000009", nil, false},
		{"current before checkpoint", "binlog.000009", "binlog.000007", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LogRange(logs, tt.from, tt.to)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPositionSame(t *testing.T) {
	a := Position{File: "binlog.000002", Position: 157, Timestamp: 1}
	assert.True(t, a.Same(Position{File: "binlog.000002", Position: 157, Timestamp: 99}))
	assert.False(t, a.Same(Position{File: "binlog.000002", Position: 158}))
	assert.True(t, Position{}.IsZero())
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "db", Port: "3307", Name: "shop", User: "u", Password: "p"})
	assert.Contains(t, dsn, "u:p@tcp(db:3307)/shop")

	dsn = DSN(config.DatabaseConfig{Socket: "/run/mysqld/mysqld.sock", Name: "shop", User: "u"})
	assert.Contains(t, dsn, "unix(/run/mysqld/mysqld.sock)/shop")
}
