// Package history keeps a SQLite ledger of finished executions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pyro-sandbox/pyro/internal/paths"
	_ "modernc.org/sqlite"
)

const defaultRecentLimit = 20

// Entry is one finished execution. Source and output bodies are not stored,
// only their sizes.
type Entry struct {
	ID          string
	VMID        string
	Language    string
	Outcome     string
	ErrorKind   string
	Error       string
	StdoutBytes int64
	StderrBytes int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

type Options struct {
	Path string
}

type Store struct {
	path string

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		var err error
		path, err = paths.HistoryDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve history database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory for %q: %w", path, err)
	}

	s := &Store{path: path}
	if err := s.initDB(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO executions (
			id,
			vm_id,
			language,
			outcome,
			error_kind,
			error,
			stdout_bytes,
			stderr_bytes,
			started_at_unix_nano,
			finished_at_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			vm_id = excluded.vm_id,
			language = excluded.language,
			outcome = excluded.outcome,
			error_kind = excluded.error_kind,
			error = excluded.error,
			stdout_bytes = excluded.stdout_bytes,
			stderr_bytes = excluded.stderr_bytes,
			started_at_unix_nano = excluded.started_at_unix_nano,
			finished_at_unix_nano = excluded.finished_at_unix_nano
	`,
		e.ID,
		e.VMID,
		e.Language,
		e.Outcome,
		e.ErrorKind,
		e.Error,
		e.StdoutBytes,
		e.StderrBytes,
		e.StartedAt.UnixNano(),
		e.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT
			id,
			vm_id,
			language,
			outcome,
			error_kind,
			error,
			stdout_bytes,
			stderr_bytes,
			started_at_unix_nano,
			finished_at_unix_nano
		FROM executions
		ORDER BY started_at_unix_nano DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution history: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution history: %w", err)
	}
	return items, nil
}

// Get looks up one execution by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return Entry{}, false, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT
			id,
			vm_id,
			language,
			outcome,
			error_kind,
			error,
			stdout_bytes,
			stderr_bytes,
			started_at_unix_nano,
			finished_at_unix_nano
		FROM executions
		WHERE id = ?
	`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("lookup execution %s: %w", id, err)
	}
	return entry, true, nil
}

func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("open history database %q: %w", s.path, err)
	}
	return db, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			vm_id TEXT NOT NULL,
			language TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			error TEXT NOT NULL,
			stdout_bytes INTEGER NOT NULL,
			stderr_bytes INTEGER NOT NULL,
			started_at_unix_nano INTEGER NOT NULL,
			finished_at_unix_nano INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at_unix_nano);
	`)
	if err != nil {
		return fmt.Errorf("initialise history schema: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		entry          Entry
		startedAtNano  int64
		finishedAtNano int64
	)
	if err := s.Scan(
		&entry.ID,
		&entry.VMID,
		&entry.Language,
		&entry.Outcome,
		&entry.ErrorKind,
		&entry.Error,
		&entry.StdoutBytes,
		&entry.StderrBytes,
		&startedAtNano,
		&finishedAtNano,
	); err != nil {
		return Entry{}, err
	}
	entry.StartedAt = time.Unix(0, startedAtNano).UTC()
	entry.FinishedAt = time.Unix(0, finishedAtNano).UTC()
	return entry, nil
}
