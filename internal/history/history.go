// Package history keeps a SQLite ledger of finished uploads, so the CLI can
// show what happened after the process that ran them has exited.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/crdrive/internal/upload"
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

const (
	sqlUpsertUpload = `INSERT INTO uploads
		(task_id, name, size, strategy, status, error, parent_id, policy_id,
		 file_id, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
		 status = excluded.status,
		 error = excluded.error,
		 file_id = excluded.file_id,
		 finished_at = excluded.finished_at`

	sqlListUploads = `SELECT task_id, name, size, strategy, status, error,
		parent_id, policy_id, file_id, started_at, finished_at
		FROM uploads ORDER BY finished_at DESC, task_id LIMIT ?`

	sqlPruneUploads = `DELETE FROM uploads WHERE finished_at < ?`
)

// ErrUnfinished is returned when recording a task that is still running.
var ErrUnfinished = errors.New("history: task has not finished")

// Entry is one recorded upload.
type Entry struct {
	TaskID     string
	Name       string
	Size       int64
	Strategy   upload.Strategy
	Status     upload.Status
	Error      string
	ParentID   string
	PolicyID   string
	FileID     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the upload ran.
func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Store is the upload ledger. It is the sole writer of its database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the ledger at dbPath and migrates it.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("upload history opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Record stores a finished task. Recording the same task again updates
// its outcome. Satisfies upload.Recorder.
func (s *Store) Record(ctx context.Context, t upload.Task) error {
	if !t.Done() {
		return fmt.Errorf("%w: %s is %s", ErrUnfinished, t.ID, t.Status)
	}

	_, err := s.db.ExecContext(ctx, sqlUpsertUpload,
		t.ID, t.Name, t.Size, string(t.Strategy), string(t.Status), t.Error,
		t.ParentID, t.PolicyID, t.FileID,
		t.StartedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: recording %s: %w", t.ID, err)
	}

	return nil
}

// List returns up to limit entries, most recently finished first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, sqlListUploads, limit)
	if err != nil {
		return nil, fmt.Errorf("history: listing uploads: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var (
			e                 Entry
			strategy, status  string
			started, finished int64
		)

		if err := rows.Scan(&e.TaskID, &e.Name, &e.Size, &strategy, &status, &e.Error,
			&e.ParentID, &e.PolicyID, &e.FileID, &started, &finished); err != nil {
			return nil, fmt.Errorf("history: scanning upload row: %w", err)
		}

		e.Strategy = upload.Strategy(strategy)
		e.Status = upload.Status(status)
		e.StartedAt = time.Unix(0, started).UTC()
		e.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating uploads: %w", err)
	}

	return out, nil
}

// Prune deletes entries that finished before cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlPruneUploads, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: pruning uploads: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: pruning uploads: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned upload history", slog.Int64("deleted", n))
	}

	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
