package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// executionRow is the on-disk shape of an ExecutionRecord. Times are stored
// as unix milliseconds so ordering stays numeric.
type executionRow struct {
	ID               string         `db:"id"`
	LogType          string         `db:"log_type"`
	JobName          string         `db:"job_name"`
	JobGroup         string         `db:"job_group"`
	TriggerName      string         `db:"trigger_name"`
	TriggerGroup     string         `db:"trigger_group"`
	FireMS           int64          `db:"fire_ms"`
	DurationMS       int64          `db:"duration_ms"`
	IsSuccess        sql.NullBool   `db:"is_success"`
	IsException      sql.NullBool   `db:"is_exception"`
	ReturnCode       int            `db:"return_code"`
	Result           sql.NullString `db:"result"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ExceptionMessage sql.NullString `db:"exception_message"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendExecution(ctx context.Context, rec schedule.ExecutionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	row := toRow(prepare(rec))
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO execution_log(id, log_type, job_name, job_group, trigger_name, trigger_group,
			fire_ms, duration_ms, is_success, is_exception, return_code, result, error_message, exception_message)
		 VALUES(:id, :log_type, :job_name, :job_group, :trigger_name, :trigger_group,
			:fire_ms, :duration_ms, :is_success, :is_exception, :return_code, :result, :error_message, :exception_message)`,
		row,
	)
	return err
}

func (s *sqliteStore) LatestExecutionLog(ctx context.Context, q schedule.HistoryQuery, page schedule.PageMetadata) (schedule.PagedList[schedule.ExecutionRecord], error) {
	out := schedule.PagedList[schedule.ExecutionRecord]{Page: page}
	if s == nil || s.db == nil {
		return out, ErrDisabled
	}

	where, args, err := historyWhere(q)
	if err != nil {
		return out, err
	}

	if err := s.db.GetContext(ctx, &out.Total, s.db.Rebind(`SELECT COUNT(*) FROM execution_log WHERE `+where), args...); err != nil {
		return out, err
	}
	if out.Total == 0 {
		return out, nil
	}

	var rows []executionRow
	query := s.db.Rebind(`SELECT ` + executionColumns + ` FROM execution_log WHERE ` + where + ` ORDER BY fire_ms DESC, seq DESC LIMIT ? OFFSET ?`)
	args = append(args, pageSize(page), page.Offset())
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return out, err
	}
	out.Items = make([]schedule.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		out.Items = append(out.Items, r.record())
	}
	return out, nil
}

const executionColumns = `id, log_type, job_name, job_group, trigger_name, trigger_group,
	fire_ms, duration_ms, is_success, is_exception, return_code, result, error_message, exception_message`

func historyWhere(q schedule.HistoryQuery) (string, []any, error) {
	clauses := []string{"job_name = ?", "job_group = ?"}
	args := []any{q.JobName, q.JobGroup}
	if q.TriggerName != "" {
		clauses = append(clauses, "trigger_name = ?", "trigger_group = ?")
		args = append(args, q.TriggerName, q.TriggerGroup)
	}
	if len(q.LogTypes) > 0 {
		types := make([]string, 0, len(q.LogTypes))
		for _, t := range q.LogTypes {
			types = append(types, string(t))
		}
		in, inArgs, err := sqlx.In("log_type IN (?)", types)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, in)
		args = append(args, inArgs...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func toRow(r schedule.ExecutionRecord) executionRow {
	row := executionRow{
		ID:               r.ID,
		LogType:          string(r.LogType),
		JobName:          r.JobName,
		JobGroup:         r.JobGroup,
		TriggerName:      r.TriggerName,
		TriggerGroup:     r.TriggerGroup,
		FireMS:           r.FireTimeUTC.UnixMilli(),
		DurationMS:       r.Duration.Milliseconds(),
		ReturnCode:       r.ReturnCode,
		Result:           nullStr(r.Result),
		ErrorMessage:     nullStr(r.ErrorMessage),
		ExceptionMessage: nullStr(r.ExceptionMessage),
	}
	if r.IsSuccess != nil {
		row.IsSuccess = sql.NullBool{Bool: *r.IsSuccess, Valid: true}
	}
	if r.IsException != nil {
		row.IsException = sql.NullBool{Bool: *r.IsException, Valid: true}
	}
	return row
}

func (r executionRow) record() schedule.ExecutionRecord {
	rec := schedule.ExecutionRecord{
		ID:               r.ID,
		LogType:          schedule.LogType(r.LogType),
		JobName:          r.JobName,
		JobGroup:         r.JobGroup,
		TriggerName:      r.TriggerName,
		TriggerGroup:     r.TriggerGroup,
		FireTimeUTC:      time.UnixMilli(r.FireMS).UTC(),
		Duration:         time.Duration(r.DurationMS) * time.Millisecond,
		ReturnCode:       r.ReturnCode,
		Result:           r.Result.String,
		ErrorMessage:     r.ErrorMessage.String,
		ExceptionMessage: r.ExceptionMessage.String,
	}
	if r.IsSuccess.Valid {
		rec.IsSuccess = schedule.BoolPtr(r.IsSuccess.Bool)
	}
	if r.IsException.Valid {
		rec.IsException = schedule.BoolPtr(r.IsException.Bool)
	}
	return rec
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
