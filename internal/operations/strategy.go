package operations

import (
	"context"
	"time"

	"github.com/kebairia/sitebackup/internal/database"
	"github.com/kebairia/sitebackup/internal/store"
)

// dbPlan is the strategy chosen for the database phase.
type dbPlan struct {
	Incremental bool
	// NoChanges marks an incremental run whose checkpoint equals the
	// current position.
	NoChanges bool
	From      database.Position
	// To is the position recorded with the artifact. It is zero when the
	// server has no binary log.
	To    database.Position
	Files []string
	// Estimate is the expected uncompressed size in bytes.
	Estimate int64
	Reason   string
}

// planDatabase decides between a full and an incremental export. Every
// condition that prevents an incremental run falls back to full; none of
// them is an error.
func (om *OperationManager) planDatabase(ctx context.Context, insp database.Inspector, sizeMB float64, now time.Time) dbPlan {
	full := func(reason string, to database.Position) dbPlan {
		return dbPlan{To: to, Estimate: int64(sizeMB * 1024 * 1024), Reason: reason}
	}

	enabled, err := insp.BinaryLoggingEnabled(ctx)
	if err != nil {
		om.log.Warn("binary logging check failed", "error", err)
	}
	if !enabled {
		return full("binary logging is disabled", database.Position{})
	}

	current, err := insp.CurrentPosition(ctx)
	if err != nil {
		om.log.Warn("current binary log position unavailable", "error", err)
		return full("current binary log position unavailable", database.Position{})
	}

	last, ok, err := om.store.LastWith(store.KindDatabase)
	if err != nil {
		om.log.Warn("read history failed", "error", err)
		return full("history unreadable", current)
	}
	if !ok {
		return full("no previous database backup", current)
	}
	if now.Sub(last.Time()) > om.cfg.Backup.IncrementalWindow {
		return full("previous database backup is older than "+om.cfg.Backup.IncrementalWindow.String(), current)
	}
	if last.BinaryLogPosition == nil || last.BinaryLogPosition.IsZero() {
		return full("previous backup has no binary log checkpoint", current)
	}
	from := *last.BinaryLogPosition

	if from.Same(current) {
		return dbPlan{Incremental: true, NoChanges: true, From: from, To: current, Reason: "no changes since " + last.ID}
	}

	logs, err := insp.BinaryLogs(ctx)
	if err != nil {
		om.log.Warn("list binary logs failed", "error", err)
		return full("binary log list unavailable", current)
	}
	files, ok := database.LogRange(logs, from.File, current.File)
	if !ok {
		return full("checkpoint log "+from.File+" is no longer on the server", current)
	}
	if len(files) == 1 && current.Position < from.Position {
		return full("binary log position went backwards", current)
	}

	var estimate int64
	for _, l := range logs {
		for _, f := range files {
			if l.Name == f {
				estimate += l.Size
			}
		}
	}
	return dbPlan{
		Incremental: true,
		From:        from,
		To:          current,
		Files:       files,
		Estimate:    estimate,
		Reason:      "continuing from " + last.ID,
	}
}

func (p dbPlan) strategy() string {
	if p.Incremental {
		return store.StrategyIncremental
	}
	return store.StrategyFull
}
