package db

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/nijaru/scribe/errors"
)

type Translation struct {
	ID         int64     `json:"id"`
	SourceText string    `json:"source_text"`
	TargetText string    `json:"target_text"`
	SourceLang string    `json:"source_lang"`
	TargetLang string    `json:"target_lang"`
	Characters int       `json:"characters"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) AddTranslation(ctx context.Context, t *Translation) error {
	const op = "db.AddTranslation"

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var res sql.Result
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.db.ExecContext(ctx, `INSERT INTO translations
            (source_text, target_text, source_lang, target_lang, characters, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.SourceText, t.TargetText, t.SourceLang, t.TargetLang, t.Characters, t.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return apperrors.Persist(op, err, "failed to record translation")
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// ListTranslations returns the latest translations first.
func (s *Store) ListTranslations(ctx context.Context, limit int) ([]Translation, error) {
	const op = "db.ListTranslations"

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_text, target_text, source_lang, target_lang, characters, created_at
        FROM translations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Internal(op, err, "failed to query translations")
	}
	defer rows.Close()

	var out []Translation
	for rows.Next() {
		var t Translation
		if err := rows.Scan(&t.ID, &t.SourceText, &t.TargetText, &t.SourceLang, &t.TargetLang, &t.Characters, &t.CreatedAt); err != nil {
			return nil, apperrors.Internal(op, err, "failed to scan translation")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(op, err, "failed to iterate translations")
	}
	return out, nil
}

// CharactersSince sums translated characters since t, used for quota reports.
func (s *Store) CharactersSince(ctx context.Context, since time.Time) (int, error) {
	const op = "db.CharactersSince"

	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(characters) FROM translations WHERE created_at >= ?`, since.UTC()).Scan(&total)
	if err != nil {
		return 0, apperrors.Internal(op, err, "failed to sum characters")
	}
	return int(total.Int64), nil
}
