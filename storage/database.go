package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"airdrop-automation/workflow"
)

const dayFormat = "2006-01-02"

// Database represents the SQLite database connection
type Database struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// Session is one browser session of a profile.
type Session struct {
	ID        string     `json:"id"`
	Profile   string     `json:"profile"`
	DebugPort int        `json:"debug_port"`
	Headless  bool       `json:"headless"`
	Status    string     `json:"status"` // active, closed, failed
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string, logger logrus.FieldLogger) (*Database, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Profiles may run in parallel goroutines; sqlite takes one writer.
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

	logger.WithField("path", dbPath).Info("Database initialized successfully")
	return database, nil
}

// initTables creates all necessary tables
func (d *Database) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			debug_port INTEGER,
			headless BOOLEAN DEFAULT 0,
			status TEXT DEFAULT 'active',
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			profile TEXT,
			status TEXT NOT NULL,
			error TEXT,
			run_date TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			strategy TEXT,
			attempts INTEGER DEFAULT 0,
			elapsed_ms INTEGER DEFAULT 0,
			error TEXT,
			FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_profile ON sessions(profile)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_profile ON workflow_runs(profile)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_run_date ON workflow_runs(run_date)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_run_id ON step_results(run_id)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}

	d.logger.Debug("Database tables initialized successfully")
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// StartSession records a launched session and returns its id.
func (d *Database) StartSession(profile string, debugPort int, headless bool) (string, error) {
	id := uuid.NewString()
	query := `INSERT INTO sessions (id, profile, debug_port, headless, status, started_at)
			  VALUES (?, ?, ?, ?, 'active', ?)`

	if _, err := d.db.Exec(query, id, profile, debugPort, headless, time.Now()); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	d.logger.WithFields(logrus.Fields{"session_id": id, "profile": profile}).Debug("Session saved")
	return id, nil
}

// EndSession marks a session finished with status.
func (d *Database) EndSession(id, status string) error {
	res, err := d.db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetSessions returns the sessions of profile, newest first.
func (d *Database) GetSessions(profile string) ([]*Session, error) {
	query := `SELECT id, profile, debug_port, headless, status, started_at, ended_at
			  FROM sessions WHERE profile = ? ORDER BY started_at DESC`

	rows, err := d.db.Query(query, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Profile, &s.DebugPort, &s.Headless, &s.Status, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// RecordRun stores a workflow report and its step results.
func (d *Database) RecordRun(report *workflow.Report) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO workflow_runs (id, workflow, profile, status, error, run_date, started_at, finished_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.Workflow, report.Profile, report.Status, report.Error,
		report.Started.Format(dayFormat), report.Started, report.Finished)
	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}

	for i, s := range report.Steps {
		_, err := tx.Exec(`INSERT INTO step_results (run_id, position, name, outcome, strategy, attempts, elapsed_ms, error)
				  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, i, s.Name, string(s.Outcome), s.Strategy, s.Attempts, s.Elapsed.Milliseconds(), s.Error)
		if err != nil {
			return fmt.Errorf("failed to save step result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow run: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"workflow": report.Workflow,
	}).Debug("Workflow run saved")
	return nil
}

// GetRun loads a run with its steps. A missing run returns nil, nil.
func (d *Database) GetRun(id string) (*workflow.Report, error) {
	row := d.db.QueryRow(`SELECT id, workflow, profile, status, error, started_at, finished_at
			  FROM workflow_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	rows, err := d.db.Query(`SELECT name, outcome, strategy, attempts, elapsed_ms, error
			  FROM step_results WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get step results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s         workflow.StepResult
			outcome   string
			elapsedMS int64
			strategy  sql.NullString
			stepErr   sql.NullString
		)
		if err := rows.Scan(&s.Name, &outcome, &strategy, &s.Attempts, &elapsedMS, &stepErr); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		s.Outcome = workflow.Outcome(outcome)
		s.Strategy = strategy.String
		s.Error = stepErr.String
		s.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		r.Steps = append(r.Steps, s)
	}
	return r, rows.Err()
}

// GetRuns returns the most recent runs of profile without their steps.
func (d *Database) GetRuns(profile string, limit int) ([]*workflow.Report, error) {
	rows, err := d.db.Query(`SELECT id, workflow, profile, status, error, started_at, finished_at
			  FROM workflow_runs WHERE profile = ? ORDER BY started_at DESC LIMIT ?`, profile, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*workflow.Report
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*workflow.Report, error) {
	var (
		r       workflow.Report
		profile sql.NullString
		runErr  sql.NullString
	)
	if err := row.Scan(&r.RunID, &r.Workflow, &profile, &r.Status, &runErr, &r.Started, &r.Finished); err != nil {
		return nil, err
	}
	r.Profile = profile.String
	r.Error = runErr.String
	return &r, nil
}

// GetDailyStats retrieves run and step counts for the local day of date.
func (d *Database) GetDailyStats(date time.Time) (map[string]int, error) {
	day := date.Format(dayFormat)
	query := `
		SELECT
			(SELECT COUNT(*) FROM workflow_runs WHERE run_date = ?) as runs,
			(SELECT COUNT(*) FROM workflow_runs WHERE run_date = ? AND status = 'completed') as completed,
			(SELECT COUNT(*) FROM workflow_runs WHERE run_date = ? AND status != 'completed') as stopped,
			(SELECT COUNT(*) FROM step_results s JOIN workflow_runs r ON s.run_id = r.id
				WHERE r.run_date = ? AND s.outcome = 'performed') as steps_performed,
			(SELECT COUNT(*) FROM step_results s JOIN workflow_runs r ON s.run_id = r.id
				WHERE r.run_date = ? AND s.outcome = 'not_available') as steps_not_available
	`

	row := d.db.QueryRow(query, day, day, day, day, day)
	var runs, completed, stopped, performed, notAvailable int
	if err := row.Scan(&runs, &completed, &stopped, &performed, &notAvailable); err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}

	return map[string]int{
		"runs":                runs,
		"runs_completed":      completed,
		"runs_stopped":        stopped,
		"steps_performed":     performed,
		"steps_not_available": notAvailable,
	}, nil
}
