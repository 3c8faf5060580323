// Package ledger records pipeline executions in a SQLite database kept in
// the output directory.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration
)

// FileName is the database file created in the output directory.
const FileName = "runs.db"

// timeLayout is fixed width so stored timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when an execution doesn't exist.
var ErrNotFound = errors.New("execution not found")

// Status values.
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// StageExit is the wait status of one stage.
type StageExit struct {
	Stage int `json:"stage"`
	PID   int `json:"pid"`
	Code  int `json:"code"`
}

// Execution is one recorded pipeline run.
type Execution struct {
	ID        string
	Case      string
	Pipeline  int
	Command   string
	StartedAt time.Time
	Duration  time.Duration
	Stages    []StageExit
	Status    string
}

// Ledger stores executions.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the ledger in dir.
func Open(dir string) (*Ledger, error) {
	return OpenPath(filepath.Join(dir, FileName))
}

// OpenPath opens or creates a ledger at the given path.
func OpenPath(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Ledger{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id          TEXT PRIMARY KEY,
			case_name   TEXT NOT NULL,
			pipeline    INTEGER NOT NULL,
			command     TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			stages      TEXT NOT NULL,
			status      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
		CREATE INDEX IF NOT EXISTS idx_executions_case ON executions(case_name);
	`)
	return err
}

// Record stores e, assigning an ID when it has none, and returns the ID.
func (l *Ledger) Record(e *Execution) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	stages := e.Stages
	if stages == nil {
		stages = []StageExit{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return "", fmt.Errorf("marshaling stages: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT INTO executions (id, case_name, pipeline, command, started_at, duration_ns, stages, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Case, e.Pipeline, e.Command, e.StartedAt.UTC().Format(timeLayout),
		int64(e.Duration), string(stagesJSON), e.Status)
	if err != nil {
		return "", fmt.Errorf("inserting execution: %w", err)
	}
	return e.ID, nil
}

// Get retrieves an execution by ID.
func (l *Ledger) Get(id string) (*Execution, error) {
	row := l.db.QueryRow(`
		SELECT id, case_name, pipeline, command, started_at, duration_ns, stages, status
		FROM executions WHERE id = ?
	`, id)
	return scan(row)
}

// List returns up to limit executions, newest first. A limit of zero or
// less returns all of them.
func (l *Ledger) List(limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.Query(`
		SELECT id, case_name, pipeline, command, started_at, duration_ns, stages, status
		FROM executions ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of recorded executions.
func (l *Ledger) Count() int {
	var n int
	l.db.QueryRow(`SELECT COUNT(*) FROM executions`).Scan(&n)
	return n
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*Execution, error) {
	var (
		e          Execution
		startedStr string
		durationNS int64
		stagesStr  string
	)
	err := s.Scan(&e.ID, &e.Case, &e.Pipeline, &e.Command, &startedStr, &durationNS, &stagesStr, &e.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	e.StartedAt, err = time.Parse(timeLayout, startedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing start time: %w", err)
	}
	e.Duration = time.Duration(durationNS)
	if err := json.Unmarshal([]byte(stagesStr), &e.Stages); err != nil {
		return nil, fmt.Errorf("unmarshaling stages: %w", err)
	}
	return &e, nil
}
