package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultListLimit = 50

// Entry is one indexed run. Logs are not indexed; LogLines counts them.
type Entry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Slug     string    `json:"slug"`
	Outcome  string    `json:"outcome"`
	Passed   int       `json:"passed"`
	Total    int       `json:"total"`
	Error    string    `json:"error,omitempty"`
	LogLines int       `json:"log_lines"`
}

// Index keeps a sqlite table of appended runs.
type Index struct {
	path string

	mu sync.Mutex
}

func NewIndex(path string) *Index {
	return &Index{path: path}
}

func (x *Index) Path() string { return x.path }

func (x *Index) Add(ctx context.Context, id string, at time.Time, rec Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	db, err := x.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (
			id,
			at_unix_nano,
			slug,
			outcome,
			passed,
			total,
			error,
			log_lines
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, at.UTC().UnixNano(), rec.Slug, rec.Outcome, rec.Passed, rec.Total, rec.Error, len(rec.Logs))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", id, err)
	}
	return nil
}

// Recent lists the newest runs first. An empty slug lists every question.
func (x *Index) Recent(ctx context.Context, slug string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	db, err := x.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT
			id,
			at_unix_nano,
			slug,
			outcome,
			passed,
			total,
			error,
			log_lines
		FROM runs
		WHERE ? = '' OR slug = ?
		ORDER BY at_unix_nano DESC, id DESC
		LIMIT ?
	`, slug, slug, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Slug, &e.Outcome, &e.Passed, &e.Total, &e.Error, &e.LogLines); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return items, nil
}

func (x *Index) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return nil, fmt.Errorf("create run index directory: %w", err)
	}
	db, err := sql.Open("sqlite", x.path)
	if err != nil {
		return nil, fmt.Errorf("open run index %q: %w", x.path, err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			at_unix_nano INTEGER NOT NULL,
			slug TEXT NOT NULL,
			outcome TEXT NOT NULL,
			passed INTEGER NOT NULL,
			total INTEGER NOT NULL,
			error TEXT NOT NULL,
			log_lines INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_slug ON runs(slug, at_unix_nano);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise run index schema: %w", err)
	}
	return db, nil
}
