package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.executions.jsonl (append-only JSON Lines)
//
// The log is replayed into memory on open; lookups never touch the disk.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	logFile *os.File
	records []schedule.ExecutionRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	logPath := prefix + ".executions.jsonl"
	records, skipped, err := replayExecutions(logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("execution log has unreadable lines", logx.String("path", logPath), logx.Int("skipped", skipped))
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("execution log loaded", logx.String("path", logPath), logx.Int("records", len(records)))
	return &fileStore{log: log, logFile: f, records: records}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

func (s *fileStore) AppendExecution(ctx context.Context, rec schedule.ExecutionRecord) error {
	_ = ctx
	rec = prepare(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return errors.New("execution log closed")
	}
	if err := json.NewEncoder(s.logFile).Encode(rec); err != nil {
		return err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fileStore) LatestExecutionLog(ctx context.Context, q schedule.HistoryQuery, page schedule.PageMetadata) (schedule.PagedList[schedule.ExecutionRecord], error) {
	_ = ctx
	out := schedule.PagedList[schedule.ExecutionRecord]{Page: page}

	s.mu.Lock()
	matched := make([]schedule.ExecutionRecord, 0, 8)
	for i := len(s.records) - 1; i >= 0; i-- {
		if q.Matches(s.records[i]) {
			matched = append(matched, s.records[i])
		}
	}
	s.mu.Unlock()

	// Newest first; ties keep the later append first.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].FireTimeUTC.After(matched[j].FireTimeUTC)
	})

	out.Total = len(matched)
	from := page.Offset()
	if from >= len(matched) {
		return out, nil
	}
	to := from + pageSize(page)
	if to > len(matched) {
		to = len(matched)
	}
	out.Items = append([]schedule.ExecutionRecord(nil), matched[from:to]...)
	return out, nil
}

func replayExecutions(path string) ([]schedule.ExecutionRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		out     []schedule.ExecutionRecord
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r schedule.ExecutionRecord
		if err := json.Unmarshal(line, &r); err != nil || r.JobName == "" {
			skipped++
			continue
		}
		out = append(out, r)
	}
	return out, skipped, sc.Err()
}
