package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one curated line of session activity.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Tool      string    `json:"tool,omitempty"`
	Target    string    `json:"target,omitempty"`
	Summary   string    `json:"summary"`
	Count     int       `json:"count,omitempty"`
	At        time.Time `json:"at"`
}

// Journal persists activity entries in SQLite so list-workers snippets and
// the observer API survive daemon restarts.
type Journal struct {
	db *sql.DB
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS activity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	tool TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 1,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_session_at ON activity(session_id, at);
CREATE INDEX IF NOT EXISTS idx_activity_at ON activity(at);
`

// OpenJournal creates or opens the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e. A zero At is stamped with the current time.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.SessionID == "" {
		return 0, errors.New("journal entry without session id")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Count <= 0 {
		e.Count = 1
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO activity (session_id, kind, tool, target, summary, count, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Kind, e.Tool, e.Target, e.Summary, e.Count, e.At.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record activity: %w", err)
	}
	return res.LastInsertId()
}

// Bump raises the repeat count of entry id and moves its time forward.
func (j *Journal) Bump(ctx context.Context, id int64, summary string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE activity SET count = count + 1, summary = ?, at = ? WHERE id = ?`,
		summary, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("bump activity %d: %w", id, err)
	}
	return nil
}

// Recent returns up to n entries for sessionID, newest first. An empty
// sessionID returns entries across all sessions.
func (j *Journal) Recent(ctx context.Context, sessionID string, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, session_id, kind, tool, target, summary, count, at FROM activity ORDER BY at DESC, id DESC LIMIT ?`, n)
	} else {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, session_id, kind, tool, target, summary, count, at FROM activity WHERE session_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
			sessionID, n)
	}
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Tool, &e.Target, &e.Summary, &e.Count, &at); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Latest returns the most recent summary for sessionID, or "" if none.
func (j *Journal) Latest(ctx context.Context, sessionID string) (string, error) {
	var summary string
	err := j.db.QueryRowContext(ctx,
		`SELECT summary FROM activity WHERE session_id = ? ORDER BY at DESC, id DESC LIMIT 1`,
		sessionID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest activity: %w", err)
	}
	return summary, nil
}

// Forget deletes every entry for sessionID.
func (j *Journal) Forget(ctx context.Context, sessionID string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM activity WHERE session_id = ?`, sessionID)
	return err
}

// Prune deletes entries older than before and reports how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM activity WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}
