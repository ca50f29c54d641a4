package desktop

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	RunRender     = "render"
	RunTranscribe = "transcribe"
)

// Run is one finished local invocation.
type Run struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	JobID      string    `json:"jobId,omitempty"`
	Source     string    `json:"source"`
	Output     string    `json:"output,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// History is the desktop's local run log.
type History struct {
	db *sql.DB
}

func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	h := NewHistory(db)
	if err := h.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

func (h *History) Close() error { return h.db.Close() }

func (h *History) InitSchema(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		job_id TEXT,
		source TEXT NOT NULL,
		output TEXT,
		success INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`)
	return err
}

func (h *History) Record(ctx context.Context, r *Run) error {
	res, err := h.db.ExecContext(ctx, `
		INSERT INTO runs (kind, job_id, source, output, success, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Kind, nullString(r.JobID), r.Source, nullString(r.Output), r.Success, nullString(r.Error),
		r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// Recent lists runs newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, kind, job_id, source, output, success, error, started_at, finished_at
		FROM runs
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                  Run
			jobID, output, msg sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &jobID, &r.Source, &output, &r.Success, &msg, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.JobID, r.Output, r.Error = jobID.String, output.String, msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
