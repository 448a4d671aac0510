// Package outcome 把每次运行与每个账号的抓取结果记入 SQLite（供运维追溯与 `jake history` 查询）。
package outcome

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Risingtides-dev/jake/internal/domain"
)

// Outcome 是某账号在某次运行中的抓取结果。
type Outcome struct {
	RunID        string         `json:"run_id"`
	Account      domain.Account `json:"account"`
	Status       string         `json:"status"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMsg     string         `json:"error_msg,omitempty"`
	VideosFound  int            `json:"videos_found"`
	NewVideos    int            `json:"new_videos"`
	CachedVideos int            `json:"cached_videos"`
	DurationMS   int64          `json:"duration_ms"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// Run 是一次运行的汇总行。
type Run struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DryRun       bool      `json:"dry_run"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	MatchedTotal int       `json:"matched_total"`
	RecentCount  int       `json:"recent_count"`
	OlderCount   int       `json:"older_count"`
}

type Store struct {
	db *sql.DB
}

// Open 打开（或创建）数据库文件并初始化表结构。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("outcome: path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("outcome: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("outcome: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 单写者
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outcome: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		run_id        TEXT PRIMARY KEY,
		started_at    TEXT NOT NULL,
		finished_at   TEXT NOT NULL,
		dry_run       INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		error_code    TEXT,
		matched_total INTEGER NOT NULL DEFAULT 0,
		recent_count  INTEGER NOT NULL DEFAULT 0,
		older_count   INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS account_outcomes (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id        TEXT NOT NULL,
		account       TEXT NOT NULL,
		status        TEXT NOT NULL,
		error_code    TEXT,
		error_message TEXT,
		videos_found  INTEGER NOT NULL DEFAULT 0,
		new_videos    INTEGER NOT NULL DEFAULT 0,
		cached_videos INTEGER NOT NULL DEFAULT 0,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		recorded_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_account_outcomes_account ON account_outcomes(account, id);`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// RecordRun 在一个事务中写入运行汇总与全部账号结果。重复写入同一 run_id 会覆盖旧记录。
func (s *Store) RecordRun(ctx context.Context, r domain.RunReport) error {
	if r.RunID == "" {
		return errors.New("outcome: run_id 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM account_outcomes WHERE run_id = ?`, r.RunID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, started_at, finished_at, dry_run, status, error_code, matched_total, recent_count, older_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, fmtTime(r.StartedAt), fmtTime(r.FinishedAt), boolInt(r.DryRun), r.Status, r.ErrorCode,
		r.Summary.MatchedTotal, r.Summary.RecentCount, r.Summary.OlderCount,
	); err != nil {
		return err
	}

	recorded := fmtTime(r.FinishedAt)
	for _, a := range r.Accounts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO account_outcomes
			(run_id, account, status, error_code, error_message, videos_found, new_videos, cached_videos, duration_ms, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, string(a.Account), a.Status, a.ErrorCode, a.ErrorMsg,
			a.VideosListed, a.VideosNew, a.VideosCached, a.DurationMS, recorded,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Recent 返回某账号最近 n 条结果（新的在前）。
func (s *Store) Recent(ctx context.Context, account domain.Account, n int) ([]Outcome, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, account, status, COALESCE(error_code, ''), COALESCE(error_message, ''),
		videos_found, new_videos, cached_videos, duration_ms, recorded_at
		FROM account_outcomes WHERE account = ? ORDER BY id DESC LIMIT ?`, string(account), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var acc, recorded string
		if err := rows.Scan(&o.RunID, &acc, &o.Status, &o.ErrorCode, &o.ErrorMsg,
			&o.VideosFound, &o.NewVideos, &o.CachedVideos, &o.DurationMS, &recorded); err != nil {
			return nil, err
		}
		o.Account = domain.Account(acc)
		o.RecordedAt = parseTime(recorded)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Runs 返回最近 n 次运行（新的在前）。
func (s *Store) Runs(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, started_at, finished_at, dry_run, status, COALESCE(error_code, ''),
		matched_total, recent_count, older_count
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished string
		var dry int
		if err := rows.Scan(&r.RunID, &started, &finished, &dry, &r.Status, &r.ErrorCode,
			&r.MatchedTotal, &r.RecentCount, &r.OlderCount); err != nil {
			return nil, err
		}
		r.StartedAt, r.FinishedAt, r.DryRun = parseTime(started), parseTime(finished), dry != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// timeLayout 定宽，保证按字符串排序与按时间排序一致。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
