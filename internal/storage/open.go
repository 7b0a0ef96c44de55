package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "appletd/pkg/logx"
)

// Store is the persistence API used by the recorder and the transport.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// Recent returns up to limit records, newest first. An empty taskID
	// matches every task.
	Recent(ctx context.Context, taskID string, limit int) ([]RunRecord, error)
	// Prune deletes run records started before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
