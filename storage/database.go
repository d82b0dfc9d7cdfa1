package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database represents the SQLite run history
type Database struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Run is the non-secret record of one capture session. Credentials are
// never stored.
type Run struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	EvidencePath string    `json:"evidence_path,omitempty"`
	Submitted    bool      `json:"submitted"` // credentials reached the portal
	UserAgent    string    `json:"user_agent"`
	Viewport     string    `json:"viewport"`
	Locale       string    `json:"locale"`
	Timezone     string    `json:"timezone"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Succeeded reports whether the run produced evidence
func (r *Run) Succeeded() bool {
	return r.ErrorKind == "" && r.EvidencePath != ""
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Concurrent sessions record through one connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:     db,
		logger: logger,
	}

	if err := database.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	logger.WithField("path", dbPath).Debug("Database initialized successfully")
	return database, nil
}

// initTables creates all necessary tables
func (d *Database) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT UNIQUE NOT NULL,
			state TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			evidence_path TEXT NOT NULL DEFAULT '',
			submitted INTEGER NOT NULL DEFAULT 0,
			user_agent TEXT NOT NULL DEFAULT '',
			viewport TEXT NOT NULL DEFAULT '',
			locale TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_error_kind ON runs(error_kind)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}
	return d.migrate()
}

// migrate adds columns missing from history files created by older builds
func (d *Database) migrate() error {
	rows, err := d.db.Query(`PRAGMA table_info(runs)`)
	if err != nil {
		return fmt.Errorf("failed to inspect runs table: %w", err)
	}
	columns := map[string]bool{}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			defaultValue     sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if !columns["submitted"] {
		// Older rows cannot tell; count them as submitted so the guard errs on the safe side
		if _, err := d.db.Exec(`ALTER TABLE runs ADD COLUMN submitted INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("failed to add submitted column: %w", err)
		}
		d.logger.Info("Run history migrated: added submitted column")
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// RecordRun saves a finished run
func (d *Database) RecordRun(ctx context.Context, run *Run) error {
	query := `INSERT INTO runs (session_id, state, error_kind, detail, evidence_path, submitted, user_agent, viewport, locale, timezone, started_at, finished_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := d.db.ExecContext(ctx, query,
		run.SessionID, run.State, run.ErrorKind, run.Detail, run.EvidencePath, run.Submitted,
		run.UserAgent, run.Viewport, run.Locale, run.Timezone,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get run ID: %w", err)
	}

	run.ID = id
	d.logger.WithFields(logrus.Fields{
		"session_id": run.SessionID,
		"state":      run.State,
	}).Debug("Run recorded")
	return nil
}

const runColumns = `id, session_id, state, error_kind, detail, evidence_path, submitted, user_agent, viewport, locale, timezone, started_at, finished_at`

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var run Run
	err := scan(&run.ID, &run.SessionID, &run.State, &run.ErrorKind, &run.Detail, &run.EvidencePath, &run.Submitted,
		&run.UserAgent, &run.Viewport, &run.Locale, &run.Timezone, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RecentRuns returns up to limit runs, newest first
func (d *Database) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastAttempt returns the most recent run that submitted credentials, or nil
// when there is none. Runs that stopped before the login form was submitted
// never reached the portal and do not count.
func (d *Database) LastAttempt(ctx context.Context) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE submitted = 1 ORDER BY started_at DESC, id DESC LIMIT 1`

	run, err := scanRun(d.db.QueryRowContext(ctx, query).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last attempt: %w", err)
	}
	return run, nil
}

// GetDailyStats counts the runs started on date's calendar day, in date's
// location. "attempts" only counts runs that submitted credentials; "runs"
// counts everything.
func (d *Database) GetDailyStats(ctx context.Context, date time.Time) (map[string]int, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1)

	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(submitted), 0),
			COALESCE(SUM(CASE WHEN error_kind = '' AND evidence_path != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END), 0)
		FROM runs WHERE started_at >= ? AND started_at < ?
	`

	var runs, attempts, succeeded, failed int
	err := d.db.QueryRowContext(ctx, query, start.UTC(), end.UTC()).Scan(&runs, &attempts, &succeeded, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}

	stats := map[string]int{
		"runs":      runs,
		"attempts":  attempts,
		"succeeded": succeeded,
		"failed":    failed,
	}
	return stats, nil
}
