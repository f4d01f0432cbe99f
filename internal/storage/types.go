package storage

import (
	"context"
	"errors"
	"time"

	"schedview/internal/schedule"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the execution log used by the scheduler (writes) and the view (reads).
type Store interface {
	AppendExecution(ctx context.Context, rec schedule.ExecutionRecord) error
	// LatestExecutionLog returns matching records, newest fire time first.
	LatestExecutionLog(ctx context.Context, q schedule.HistoryQuery, page schedule.PageMetadata) (schedule.PagedList[schedule.ExecutionRecord], error)
	Close() error
}
