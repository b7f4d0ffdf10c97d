package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pkgvault/internal/database/migrations"
	"pkgvault/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores the session history in SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and brings its schema up to
// date. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the schema relies on.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	// SQLite leaves foreign keys off by default.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// RecordSession stores a finished session together with its package results
// in one transaction.
func (s *SQLiteDatabase) RecordSession(session model.Session, results []model.PackageResult) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, destination, started_at, finished_at, result, packages)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Kind, session.Destination,
		session.StartedAt.UTC(), session.FinishedAt.UTC(), session.Result, session.Packages)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	for _, r := range results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO package_results (session_id, package, result, bytes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id, package) DO UPDATE SET result = excluded.result, bytes = excluded.bytes`,
			session.ID, r.Package, r.Result, r.Bytes)
		if err != nil {
			return fmt.Errorf("inserting result for %s: %w", r.Package, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *SQLiteDatabase) ListSessions(limit int) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT id, kind, destination, started_at, finished_at, result, packages
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.Kind, &sess.Destination,
			&sess.StartedAt, &sess.FinishedAt, &sess.Result, &sess.Packages); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// FindSession returns the session with the given ID, or nil if there is none.
func (s *SQLiteDatabase) FindSession(id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.QueryRowContext(context.Background(), `
		SELECT id, kind, destination, started_at, finished_at, result, packages
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Kind, &sess.Destination, &sess.StartedAt, &sess.FinishedAt, &sess.Result, &sess.Packages)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding session: %w", err)
	}
	return &sess, nil
}

// PackageResults returns the per-package outcomes of a session ordered by package name.
func (s *SQLiteDatabase) PackageResults(sessionID string) ([]*model.PackageResult, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT session_id, package, result, bytes
		FROM package_results
		WHERE session_id = ?
		ORDER BY package`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing package results: %w", err)
	}
	defer rows.Close()

	var results []*model.PackageResult
	for rows.Next() {
		var r model.PackageResult
		if err := rows.Scan(&r.SessionID, &r.Package, &r.Result, &r.Bytes); err != nil {
			return nil, fmt.Errorf("scanning package result: %w", err)
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing package results: %w", err)
	}
	return results, nil
}

// LastSession returns the newest session of the given kind that finished
// with result, or nil if there is none.
func (s *SQLiteDatabase) LastSession(kind, result string) (*model.Session, error) {
	var sess model.Session
	err := s.db.QueryRowContext(context.Background(), `
		SELECT id, kind, destination, started_at, finished_at, result, packages
		FROM sessions
		WHERE kind = ? AND result = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`, kind, result).
		Scan(&sess.ID, &sess.Kind, &sess.Destination, &sess.StartedAt, &sess.FinishedAt, &sess.Result, &sess.Packages)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding last session: %w", err)
	}
	return &sess, nil
}

// PruneBefore deletes sessions that started before cutoff and returns how
// many were removed. Package results go with them.
func (s *SQLiteDatabase) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		"DELETE FROM sessions WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return n, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
