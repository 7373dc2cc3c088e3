package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/loom/pkg/models"
)

// Store persists subagent runs. Writes are keyed by run_id; the registry
// serializes writes per run.
type Store interface {
	Upsert(ctx context.Context, run *models.SubAgentRun) error
	Get(ctx context.Context, runID string) (*models.SubAgentRun, error)
	ListNonTerminal(ctx context.Context) ([]*models.SubAgentRun, error)
	Close() error
}

// SQLiteStore is the default Store backed by a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS subagent_runs (
	run_id            TEXT PRIMARY KEY,
	parent_session_id TEXT NOT NULL,
	task              TEXT NOT NULL,
	label             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	result            TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON subagent_runs(parent_session_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON subagent_runs(status);
`

// OpenSQLite opens (creating if needed) the run database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// The modernc driver serializes access through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert writes the run record, replacing any existing row.
func (s *SQLiteStore) Upsert(ctx context.Context, run *models.SubAgentRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subagent_runs
			(run_id, parent_session_id, task, label, status, result, error, model, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		run.RunID,
		run.ParentSessionID,
		run.Task,
		run.Label,
		string(run.Status),
		run.Result,
		run.Error,
		run.Model,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(run.StartedAt),
		formatNullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("persist run %s: %w", run.RunID, err)
	}
	return nil
}

// Get loads one run by id. Returns sql.ErrNoRows if absent.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (*models.SubAgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, parent_session_id, task, label, status, result, error, model, created_at, started_at, completed_at
		FROM subagent_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListNonTerminal loads runs still in PENDING or RUNNING, oldest first.
func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]*models.SubAgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, parent_session_id, task, label, status, result, error, model, created_at, started_at, completed_at
		FROM subagent_runs
		WHERE status IN (?, ?)
		ORDER BY created_at ASC`,
		string(models.RunPending), string(models.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SubAgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.SubAgentRun, error) {
	var run models.SubAgentRun
	var status, createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(
		&run.RunID,
		&run.ParentSessionID,
		&run.Task,
		&run.Label,
		&status,
		&run.Result,
		&run.Error,
		&run.Model,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		run.CreatedAt = t
	}
	run.StartedAt = parseNullableTime(startedAt)
	run.CompletedAt = parseNullableTime(completedAt)
	return &run, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
