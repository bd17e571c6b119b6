package operations

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/kebairia/sitebackup/internal/secrets"
	"github.com/kebairia/sitebackup/internal/transfer"
)

// RemoteConfigPath is where the destination config is stored.
func (om *OperationManager) RemoteConfigPath() string {
	return filepath.Join(om.cfg.Paths.BackupDir, transfer.ConfigFilename)
}

func (om *OperationManager) tooling() transfer.Tooling {
	return transfer.Tooling{
		Rsync:   om.cfg.Tools.Rsync,
		SSHPass: om.cfg.Tools.SSHPass,
		Logger:  om.log,
	}
}

func (om *OperationManager) journal() *transfer.Journal {
	return transfer.NewJournal(filepath.Join(om.cfg.Paths.LogDir, transfer.LogFilename))
}

// LoadDestinationConfig reads the destination config with its secrets
// decrypted. A missing file yields a disabled default.
func (om *OperationManager) LoadDestinationConfig() (transfer.Config, error) {
	box, err := secrets.Open(om.cfg.Paths.KeyFile)
	if err != nil {
		return transfer.Config{}, err
	}
	return transfer.LoadConfig(om.RemoteConfigPath(), box)
}

// SaveDestinationConfig validates rc and stores it with its secrets
// encrypted.
func (om *OperationManager) SaveDestinationConfig(rc transfer.Config) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	box, err := secrets.Open(om.cfg.Paths.KeyFile)
	if err != nil {
		return err
	}
	if err := transfer.SaveConfig(om.RemoteConfigPath(), rc, box); err != nil {
		return err
	}
	om.log.Info("remote destination config saved", "servers", len(rc.Servers), "enabled", rc.Enabled)
	return nil
}

func (om *OperationManager) transferrer() (*transfer.Transferrer, error) {
	rc, err := om.LoadDestinationConfig()
	if err != nil {
		return nil, err
	}
	return transfer.New(rc, om.tooling(),
		transfer.WithJournal(om.journal()),
		transfer.WithLogger(om.log),
	), nil
}

// TestDestination checks that srv is reachable with its credentials.
func (om *OperationManager) TestDestination(ctx context.Context, srv transfer.Server) (transfer.Result, error) {
	t, err := om.transferrer()
	if err != nil {
		return transfer.Result{}, err
	}
	return t.TestConnection(ctx, srv), nil
}

// TransferArtifacts ships files to the named server, or the first active
// one, outside of a job.
func (om *OperationManager) TransferArtifacts(ctx context.Context, files []string, serverID string) (transfer.Summary, error) {
	t, err := om.transferrer()
	if err != nil {
		return transfer.Summary{}, err
	}
	sum, err := t.TransferAll(ctx, files, serverID)
	if err != nil && !errors.Is(err, transfer.ErrDisabled) {
		om.noteTransferError(t, err)
	}
	return sum, err
}

// LastTransferError is the most recent remote transfer failure: the one
// seen by this manager, or else the newest ERROR line of the transfer log.
// It is empty when no transfer has failed.
func (om *OperationManager) LastTransferError() (string, error) {
	if om.lastTransferErr != "" {
		return om.lastTransferErr, nil
	}
	entries, err := om.journal().Entries(0)
	if err != nil {
		return "", err
	}
	if e, ok := transfer.LastFailure(entries); ok {
		return e.Message, nil
	}
	return "", nil
}

// CleanupRemote removes artifacts older than the retention window from a
// destination.
func (om *OperationManager) CleanupRemote(ctx context.Context, serverID string) error {
	t, err := om.transferrer()
	if err != nil {
		return err
	}
	srv, err := t.Config().Server(serverID)
	if err != nil {
		return err
	}
	return t.CleanupRemote(ctx, srv, om.cfg.Backup.RetentionDays)
}

// TransferLog returns the last limit transfer log entries, oldest first.
func (om *OperationManager) TransferLog(limit int) ([]transfer.LogEntry, error) {
	return om.journal().Entries(limit)
}

// TransferHistory returns per-file transfer outcomes, newest first.
func (om *OperationManager) TransferHistory() ([]transfer.Outcome, error) {
	entries, err := om.journal().Entries(0)
	if err != nil {
		return nil, err
	}
	return transfer.History(entries), nil
}

// AvailableMethods reports which transfer methods this host can use.
func (om *OperationManager) AvailableMethods() []transfer.MethodInfo {
	return transfer.AvailableMethods(om.tooling())
}
