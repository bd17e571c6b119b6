package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/operations"
)

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string

	om  *operations.OperationManager
	log logger.Logger = logger.Nop()

	// rootCmd is the base command for sitebackup.
	rootCmd = &cobra.Command{
		Use:   "sitebackup",
		Short: "Database and file storage backups for a website",
		Long: `sitebackup exports a MySQL database (full or incremental from the
binary log) and archives a storage tree, keeps a history of every job,
and ships the results to a remote destination.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) { logger.Cleanup() },
	}
)

// setup loads the configuration, starts logging and builds the manager
// every subcommand works through.
func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == cobra.ShellCompRequestCmd {
		return nil
	}
	var cfg config.Config
	if err := cfg.Load(ConfigFile); err != nil {
		return err
	}

	l, err := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		AuditDir:   cfg.Paths.LogDir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Backup.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log = l

	configPath := ConfigFile
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}
	om = operations.New(cfg,
		operations.WithLogger(log),
		operations.WithLauncher(operations.ExecLauncher{ConfigPath: configPath, LogDir: cfg.Paths.LogDir}),
	)
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "error", err)
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "./configs/config.yaml", "path to YAML config file")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(remoteCmd)
}
