// Package history persists finished session reports in a SQLite database
// so earlier runs against a device can be listed and compared.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/zebiner/sector-doctor/internal/report"
	"github.com/zebiner/sector-doctor/internal/sector"
)

const timeFormat = time.RFC3339Nano

// ErrNotFound is returned by Get for an unknown session ID.
var ErrNotFound = errors.New("session not found")

// Store is a SQLite-backed report archive. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Entry is one row of List.
type Entry struct {
	SessionID         string                   `json:"session_id" yaml:"session_id"`
	DeviceID          string                   `json:"device_id" yaml:"device_id"`
	TerminationReason sector.TerminationReason `json:"termination_reason" yaml:"termination_reason"`
	Cycles            int                      `json:"cycles" yaml:"cycles"`
	TotalAttempts     int                      `json:"total_attempts" yaml:"total_attempts"`
	Unresolved        int                      `json:"unresolved" yaml:"unresolved"`
	StartedAt         time.Time                `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time                `json:"finished_at" yaml:"finished_at"`
}

// Open opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database otherwise.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, log: log}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.WithError(err).Warn("could not enable WAL mode")
		}
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		termination_reason TEXT NOT NULL,
		cycles INTEGER NOT NULL,
		total_attempts INTEGER NOT NULL,
		unresolved INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		data JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores r, replacing an earlier copy of the same session.
func (s *Store) Save(ctx context.Context, r report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, device_id, termination_reason, cycles, total_attempts, unresolved, started_at, finished_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.DeviceID, r.TerminationReason.String(), r.Cycles, r.TotalAttempts, len(r.Unresolved),
		r.StartedAt.UTC().Format(timeFormat), r.FinishedAt.UTC().Format(timeFormat), string(data))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", r.SessionID, err)
	}
	s.log.WithFields(logrus.Fields{"session": r.SessionID, "device": r.DeviceID}).Debug("session saved to history")
	return nil
}

// List returns the newest sessions first. An empty deviceID lists every
// device; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	query := `
		SELECT id, device_id, termination_reason, cycles, total_attempts, unresolved, started_at, finished_at
		FROM sessions`
	var args []interface{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			reason            string
			started, finished string
		)
		if err := rows.Scan(&e.SessionID, &e.DeviceID, &reason, &e.Cycles, &e.TotalAttempts,
			&e.Unresolved, &started, &finished); err != nil {
			return nil, err
		}
		if e.TerminationReason, err = sector.ParseTerminationReason(reason); err != nil {
			return nil, err
		}
		e.StartedAt, _ = time.Parse(timeFormat, started)
		e.FinishedAt, _ = time.Parse(timeFormat, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get loads the full report of one session.
func (s *Store) Get(ctx context.Context, sessionID string) (report.Report, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE id = ?", sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Report{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return report.Report{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	var r report.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return report.Report{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return r, nil
}
