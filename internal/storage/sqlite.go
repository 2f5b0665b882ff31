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

	logx "castbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, operator_id, username, action, job_id, target, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.OperatorID, nullStr(e.Username), e.Action,
		nullStr(e.JobID), nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) SaveRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.JobID == "" {
		return errors.New("run record without job id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_id, operator_id, total, succeeded, failed, skipped, cancelled, buttons, body_preview, started_at, done_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   succeeded=excluded.succeeded, failed=excluded.failed, skipped=excluded.skipped,
		   cancelled=excluded.cancelled, done_at=excluded.done_at`,
		r.JobID, r.OperatorID, r.Total, r.Succeeded, r.Failed, r.Skipped, boolInt(r.Cancelled),
		r.Buttons, nullStr(r.BodyPreview), r.StartedAt.UnixMilli(), r.DoneAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, operator_id, total, succeeded, failed, skipped, cancelled, buttons, body_preview, started_at, done_at
		 FROM runs ORDER BY done_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			cancelled         int
			preview           sql.NullString
			startedMS, doneMS int64
		)
		if err := rows.Scan(&r.JobID, &r.OperatorID, &r.Total, &r.Succeeded, &r.Failed, &r.Skipped,
			&cancelled, &r.Buttons, &preview, &startedMS, &doneMS); err != nil {
			return nil, err
		}
		r.Cancelled = cancelled != 0
		r.BodyPreview = preview.String
		r.StartedAt = time.UnixMilli(startedMS)
		r.DoneAt = time.UnixMilli(doneMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
