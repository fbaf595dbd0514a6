// Package history archives job executions in SQLite. Unlike the job store it keeps
// everything the engine reported, survives store pruning and can be queried by endpoint.
package history

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/soloq/app/store"
)

// Execution is a single job execution record
type Execution struct {
	JobID         string `db:"job_id" json:"jobId"`
	EndpointName  string `db:"endpoint" json:"endpointName"`
	Status        string `db:"status" json:"status"`
	CreatedAt     string `db:"created_at" json:"createdAt"`
	StartedAt     string `db:"started_at" json:"startedAt,omitempty"`
	EndedAt       string `db:"ended_at" json:"endedAt,omitempty"`
	FailureReason string `db:"failure_reason" json:"failureReason,omitempty"`
}

// Query defines List filter, zero Limit means DefaultLimit
type Query struct {
	Endpoint string
	Limit    int
}

// DefaultLimit of List results
const DefaultLimit = 100

// SQLite keeps executions in sqlite database, WAL mode
type SQLite struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New opens database and creates schema
func New(dbPath string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // sqlite allows single writer

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			job_id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			ended_at TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_endpoint ON executions(endpoint)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at)`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize history schema: %w", err)
		}
	}
	return &SQLite{db: db, timeout: 5 * time.Second}, nil
}

// Record inserts or updates execution of the job
func (s *SQLite) Record(ctx context.Context, rec store.JobRecord) error {
	ex := Execution{JobID: rec.JobID, EndpointName: rec.EndpointName, Status: string(rec.Status), CreatedAt: rec.CreatedAt,
		StartedAt: rec.StartedAt, EndedAt: rec.EndedAt, FailureReason: rec.FailureReason}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (job_id, endpoint, status, created_at, started_at, ended_at, failure_reason)
		VALUES (:job_id, :endpoint, :status, :created_at, :started_at, :ended_at, :failure_reason)
		ON CONFLICT(job_id) DO UPDATE SET status=excluded.status, started_at=excluded.started_at,
			ended_at=excluded.ended_at, failure_reason=excluded.failure_reason`, ex)
	if err != nil {
		return fmt.Errorf("failed to record execution of %s: %w", rec.JobID, err)
	}
	return nil
}

// List returns executions, newest first
func (s *SQLite) List(ctx context.Context, q Query) ([]Execution, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	res := []Execution{}
	var err error
	if q.Endpoint != "" {
		err = s.db.SelectContext(ctx, &res, `SELECT job_id, endpoint, status, created_at, started_at, ended_at, failure_reason
			FROM executions WHERE endpoint = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, q.Endpoint, q.Limit)
	} else {
		err = s.db.SelectContext(ctx, &res, `SELECT job_id, endpoint, status, created_at, started_at, ended_at, failure_reason
			FROM executions ORDER BY created_at DESC, rowid DESC LIMIT ?`, q.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return res, nil
}

// Cleanup removes executions created before the given time, returns number of removed records
func (s *SQLite) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, store.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get number of removed executions: %w", err)
	}
	return n, nil
}

// OnJobStart records running job
func (s *SQLite) OnJobStart(rec store.JobRecord) { s.record(rec) }

// OnJobComplete records terminal state of the job
func (s *SQLite) OnJobComplete(rec store.JobRecord) { s.record(rec) }

func (s *SQLite) record(rec store.JobRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Record(ctx, rec); err != nil {
		log.Printf("[WARN] %v", err)
	}
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}
