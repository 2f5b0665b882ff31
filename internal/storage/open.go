package storage

import (
	"context"
	"errors"
	"strings"

	logx "castbot/pkg/logx"
)

// Store is the persistence API used by the console and the broadcast service.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	SaveRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const maxRecentRuns = 200

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxRecentRuns {
		return maxRecentRuns
	}
	return limit
}
