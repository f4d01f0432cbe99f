package storage

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

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

// prepare fills defaults shared by every driver.
func prepare(rec schedule.ExecutionRecord) schedule.ExecutionRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.LogType == "" {
		rec.LogType = schedule.LogScheduleJob
	}
	rec.FireTimeUTC = rec.FireTimeUTC.UTC()
	return rec
}

func pageSize(p schedule.PageMetadata) int {
	if p.PageSize <= 0 {
		return 20
	}
	return p.PageSize
}
