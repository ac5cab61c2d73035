package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/nijaru/scribe/errors"
)

// LiveSession indexes one realtime transcript file.
type LiveSession struct {
	ID        string     `json:"id"`
	Filename  string     `json:"filename"`
	Source    string     `json:"source"`
	Model     string     `json:"model"`
	Language  string     `json:"language"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Entries   int        `json:"entries"`
}

type Entry struct {
	SessionID  string    `json:"session_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Language   string    `json:"language"`
	Text       string    `json:"text"`
}

func (s *Store) CreateSession(ctx context.Context, session *LiveSession) error {
	const op = "db.CreateSession"

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO live_sessions
            (id, filename, source, model, language, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.Filename, session.Source, session.Model, session.Language,
			session.StartedAt.UTC(), nullTime(session.EndedAt))
		return err
	})
	if err != nil {
		return apperrors.Persist(op, err, "failed to create session")
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	const op = "db.EndSession"

	var affected int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE live_sessions SET ended_at = ? WHERE id = ?`, endedAt.UTC(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return apperrors.Persist(op, err, "failed to end session")
	}
	if affected == 0 {
		return apperrors.NotFound(op, nil, "session not found")
	}
	return nil
}

// AddEntries indexes transcript lines of one session atomically.
func (s *Store) AddEntries(ctx context.Context, entries ...Entry) error {
	const op = "db.AddEntries"

	if len(entries) == 0 {
		return nil
	}

	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.withTransaction(ctx, func(tx executor) error {
			for _, e := range entries {
				if _, err := tx.ExecContext(ctx, `INSERT INTO live_entries (session_id, recorded_at, language, text)
                    VALUES (?, ?, ?, ?)`, e.SessionID, e.RecordedAt.UTC(), e.Language, e.Text); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return apperrors.Persist(op, err, "failed to add entries")
	}
	return nil
}

const sessionQuery = `SELECT s.id, s.filename, s.source, s.model, s.language, s.started_at, s.ended_at,
    (SELECT COUNT(*) FROM live_entries e WHERE e.session_id = s.id)
    FROM live_sessions s`

// ListSessions returns sessions newest first with their entry counts.
func (s *Store) ListSessions(ctx context.Context) ([]LiveSession, error) {
	const op = "db.ListSessions"

	rows, err := s.db.QueryContext(ctx, sessionQuery+` ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, apperrors.Internal(op, err, "failed to query sessions")
	}
	defer rows.Close()

	var sessions []LiveSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, apperrors.Internal(op, err, "failed to scan session")
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(op, err, "failed to iterate sessions")
	}
	return sessions, nil
}

func (s *Store) SessionByFilename(ctx context.Context, filename string) (*LiveSession, error) {
	const op = "db.SessionByFilename"

	session, err := scanSession(s.db.QueryRowContext(ctx, sessionQuery+` WHERE s.filename = ?`, filename))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound(op, err, "session not found")
		}
		return nil, apperrors.Internal(op, err, "failed to query session")
	}
	return session, nil
}

func scanSession(row scanner) (*LiveSession, error) {
	var (
		session LiveSession
		ended   sql.NullTime
	)
	err := row.Scan(&session.ID, &session.Filename, &session.Source, &session.Model, &session.Language,
		&session.StartedAt, &ended, &session.Entries)
	if err != nil {
		return nil, err
	}
	session.EndedAt = timePtr(ended)
	return &session, nil
}
