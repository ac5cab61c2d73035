package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/nijaru/scribe/errors"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one pass of the capture pipeline over a source.
type Run struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	Ledger       string     `json:"ledger"`
	Schema       string     `json:"schema"`
	Model        string     `json:"model"`
	Status       RunStatus  `json:"status"`
	CursorBefore float64    `json:"cursor_before"`
	CursorAfter  float64    `json:"cursor_after"`
	Total        int        `json:"total"`
	Written      int        `json:"written"`
	ArchiveKey   string     `json:"archive_key,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

const runColumns = `id, source, ledger, schema, model, status, cursor_before, cursor_after,
    total, written, archive_key, error, started_at, finished_at`

// StartRun records a run as running. ID and StartedAt are filled in when
// empty.
func (s *Store) StartRun(ctx context.Context, run *Run) error {
	const op = "db.StartRun"

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = RunRunning

	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Source, run.Ledger, run.Schema, run.Model, run.Status,
			run.CursorBefore, run.CursorAfter, run.Total, run.Written,
			run.ArchiveKey, run.Error, run.StartedAt.UTC(), nullTime(run.FinishedAt))
		return err
	})
	if err != nil {
		return apperrors.Persist(op, err, "failed to record run")
	}
	return nil
}

// FinishRun stores the outcome of a run. FinishedAt is set to now when
// empty.
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	const op = "db.FinishRun"

	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}

	var affected int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, cursor_before = ?, cursor_after = ?,
            total = ?, written = ?, archive_key = ?, error = ?, finished_at = ? WHERE id = ?`,
			run.Status, run.CursorBefore, run.CursorAfter, run.Total, run.Written,
			run.ArchiveKey, run.Error, nullTime(run.FinishedAt), run.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return apperrors.Persist(op, err, "failed to update run")
	}
	if affected == 0 {
		return apperrors.NotFound(op, nil, "run not found")
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	const op = "db.GetRun"

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound(op, err, "run not found")
		}
		return nil, apperrors.Internal(op, err, "failed to query run")
	}
	return run, nil
}

// ListRuns returns the most recent runs first. An empty source lists runs
// for every source; limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, source string, limit int) ([]Run, error) {
	const op = "db.ListRuns"

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(op, err, "failed to query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Internal(op, err, "failed to scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(op, err, "failed to iterate runs")
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run      Run
		finished sql.NullTime
	)
	err := row.Scan(&run.ID, &run.Source, &run.Ledger, &run.Schema, &run.Model, &run.Status,
		&run.CursorBefore, &run.CursorAfter, &run.Total, &run.Written,
		&run.ArchiveKey, &run.Error, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	run.FinishedAt = timePtr(finished)
	return &run, nil
}
