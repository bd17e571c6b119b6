package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix is prepended to every environment override, e.g.
// SITEBACKUP_DATABASE_PASSWORD overrides database.password.
const EnvPrefix = "SITEBACKUP"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include  []string       `mapstructure:"include"  yaml:"include,omitempty"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Storage  StorageConfig  `mapstructure:"storage"  yaml:"storage"`
	Paths    PathsConfig    `mapstructure:"paths"    yaml:"paths"`
	Backup   BackupConfig   `mapstructure:"backup"   yaml:"backup"`
	Vault    VaultConfig    `mapstructure:"vault"    yaml:"vault"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
	Tools    ToolsConfig    `mapstructure:"tools"    yaml:"tools"`
	Log      LogConfig      `mapstructure:"log"      yaml:"log"`
}

// DatabaseConfig holds the connection settings of the protected MySQL database.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"     yaml:"host"`
	Port     string `mapstructure:"port"     yaml:"port"`
	Name     string `mapstructure:"name"     yaml:"name"`
	User     string `mapstructure:"user"     yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Socket   string `mapstructure:"socket"   yaml:"socket,omitempty"`
	// RoleName is the Vault database role used to mint short-lived credentials.
	// When set, User and Password are replaced at job start.
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
}

// Configured reports whether enough is known to connect to the database.
func (d DatabaseConfig) Configured() bool {
	return d.Name != "" && (d.User != "" || d.RoleName != "")
}

// StorageConfig describes the file tree to protect.
type StorageConfig struct {
	Path     string   `mapstructure:"path"     yaml:"path"`
	Excludes []string `mapstructure:"excludes" yaml:"excludes,omitempty"`
}

// PathsConfig lists the local directories the engine writes to.
type PathsConfig struct {
	BackupDir  string `mapstructure:"backup_dir"  yaml:"backup_dir"  validate:"required"`
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir" validate:"required"`
	TempDir    string `mapstructure:"temp_dir"    yaml:"temp_dir"    validate:"required"`
	LogDir     string `mapstructure:"log_dir"     yaml:"log_dir"     validate:"required"`
	KeyFile    string `mapstructure:"key_file"    yaml:"key_file"    validate:"required"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	Compression       string        `mapstructure:"compression"        yaml:"compression"        validate:"oneof=none low medium high"`
	Codec             string        `mapstructure:"codec"              yaml:"codec"              validate:"oneof=gzip zstd"`
	RetentionDays     int           `mapstructure:"retention_days"     yaml:"retention_days"     validate:"gte=1"`
	IncrementalWindow time.Duration `mapstructure:"incremental_window" yaml:"incremental_window" validate:"gt=0"`
	StaleAfter        time.Duration `mapstructure:"stale_after"        yaml:"stale_after"        validate:"gt=0"`
	KeepSnapshots     int           `mapstructure:"keep_snapshots"     yaml:"keep_snapshots"     validate:"gte=1"`
	HistoryLimit      int           `mapstructure:"history_limit"      yaml:"history_limit"      validate:"gte=1,lte=100"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address  string `mapstructure:"address"   yaml:"address"`
	RoleID   string `mapstructure:"role_id"   yaml:"role_id,omitempty"`
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
	// RoleBase is the mount prefix of database roles, e.g. "database/creds".
	RoleBase string `mapstructure:"role_base" yaml:"role_base,omitempty"`
}

// Enabled reports whether Vault should be consulted at all.
func (v VaultConfig) Enabled() bool { return v.Address != "" }

// MetricsConfig controls the Prometheus textfile written after every job.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

// ToolsConfig allows overriding the external binaries.
type ToolsConfig struct {
	MySQLDump   string `mapstructure:"mysqldump"   yaml:"mysqldump"`
	MySQLBinlog string `mapstructure:"mysqlbinlog" yaml:"mysqlbinlog"`
	Rsync       string `mapstructure:"rsync"       yaml:"rsync"`
	SSHPass     string `mapstructure:"sshpass"     yaml:"sshpass"`
}

// LogConfig controls the audit log file.
type LogConfig struct {
	Level      string `mapstructure:"level"        yaml:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"  yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"  yaml:"max_backups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "3306")
	v.SetDefault("storage.excludes", []string{"cache", "tmp", "temp", "sessions"})
	v.SetDefault("paths.backup_dir", "/var/backups/sitebackup")
	v.SetDefault("paths.staging_dir", "/var/backups/sitebackup/staging")
	v.SetDefault("paths.temp_dir", "/var/backups/sitebackup/tmp")
	v.SetDefault("paths.log_dir", "/var/log/sitebackup")
	v.SetDefault("paths.key_file", "/var/backups/sitebackup/.secret.key")
	v.SetDefault("backup.compression", "medium")
	v.SetDefault("backup.codec", "gzip")
	v.SetDefault("backup.retention_days", 30)
	v.SetDefault("backup.incremental_window", 24*time.Hour)
	v.SetDefault("backup.stale_after", time.Hour)
	v.SetDefault("backup.keep_snapshots", 2)
	v.SetDefault("backup.history_limit", 100)
	v.SetDefault("vault.role_base", "database/creds")
	v.SetDefault("tools.mysqldump", "mysqldump")
	v.SetDefault("tools.mysqlbinlog", "mysqlbinlog")
	v.SetDefault("tools.rsync", "rsync")
	v.SetDefault("tools.sshpass", "sshpass")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 5)
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
// An empty path loads defaults and environment overrides only.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		// Read base configuration
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	// AutomaticEnv only applies to keys viper already knows about; bind the
	// secrets explicitly so they can live outside the YAML file.
	for _, key := range []string{"database.password", "database.user", "vault.role_id"} {
		_ = v.BindEnv(key)
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return c.Validate()
}

// Validate checks the struct tags and the few cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrValidateConfig, err)
	}
	if c.Vault.RoleName != "" && c.Vault.RoleID == "" {
		return fmt.Errorf("%w: vault.role_id is required with vault.role_name", ErrValidateConfig)
	}
	return nil
}
