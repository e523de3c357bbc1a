package repository

import (
	"context"
	"strings"
	"time"

	"github.com/unclebandit/smsforward/internal/db"
	"github.com/unclebandit/smsforward/internal/model"
)

// DefaultDiagnosticLimit caps a diagnostic listing when the filter sets none.
const DefaultDiagnosticLimit = 500

type DiagnosticRepositoryInterface interface {
	Insert(ctx context.Context, e *model.DiagnosticEntry) error
	List(ctx context.Context, f model.DiagnosticFilter) ([]model.DiagnosticEntry, error)
	Clear(ctx context.Context) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type DiagnosticRepository struct {
	DB *db.DB
}

func (r *DiagnosticRepository) Insert(ctx context.Context, e *model.DiagnosticEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return r.DB.QueryRowContext(ctx, `
		INSERT INTO diagnostics (logged_at, level, tag, message, detail)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		toMillis(e.Timestamp), string(e.Level), e.Tag, e.Message, e.Detail).Scan(&e.ID)
}

// List returns matching entries newest first.
func (r *DiagnosticRepository) List(ctx context.Context, f model.DiagnosticFilter) ([]model.DiagnosticEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(f.Level))
	}
	if f.Tag != "" {
		where = append(where, "tag = ?")
		args = append(args, f.Tag)
	}
	if !f.Since.IsZero() {
		where = append(where, "logged_at >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "logged_at <= ?")
		args = append(args, toMillis(f.Until))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultDiagnosticLimit
	}

	query := `SELECT id, logged_at, level, tag, message, detail FROM diagnostics`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY logged_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.DiagnosticEntry{}
	for rows.Next() {
		var (
			e        model.DiagnosticEntry
			loggedAt int64
			level    string
		)
		if err := rows.Scan(&e.ID, &loggedAt, &level, &e.Tag, &e.Message, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(loggedAt)
		e.Level = model.LogLevel(level)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *DiagnosticRepository) Clear(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM diagnostics`)
	return err
}

func (r *DiagnosticRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM diagnostics WHERE logged_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ DiagnosticRepositoryInterface = (*DiagnosticRepository)(nil)
