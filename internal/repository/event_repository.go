package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/unclebandit/smsforward/internal/db"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/model"
)

type EventRepositoryInterface interface {
	Create(ctx context.Context, e *model.EventRecord) error
	GetByID(ctx context.Context, id string) (*model.EventRecord, error)
	UpdateStatus(ctx context.Context, id, state string, targets []string, lastError string) error
	Query(ctx context.Context, f model.EventFilter) ([]model.EventRecord, error)
	Stats(ctx context.Context) (model.EventStats, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type EventRepository struct {
	DB *db.DB
}

const eventColumns = `id, origin_address, content, received_at, channel_slot, channel_type, state, targets_notified, last_error`

func scanEvent(row rowScanner) (*model.EventRecord, error) {
	var (
		e          model.EventRecord
		receivedAt int64
		targets    string
	)
	err := row.Scan(&e.ID, &e.OriginAddress, &e.Content, &receivedAt, &e.ChannelSlot, &e.ChannelType,
		&e.State, &targets, &e.LastError)
	if err != nil {
		return nil, err
	}
	e.ReceivedAt = fromMillis(receivedAt)
	if err := json.Unmarshal([]byte(targets), &e.TargetsNotified); err != nil {
		return nil, err
	}
	if e.TargetsNotified == nil {
		e.TargetsNotified = []string{}
	}
	return &e, nil
}

func encodeTargets(targets []string) (string, error) {
	if targets == nil {
		targets = []string{}
	}
	b, err := json.Marshal(targets)
	return string(b), err
}

func (r *EventRepository) Create(ctx context.Context, e *model.EventRecord) error {
	targets, err := encodeTargets(e.TargetsNotified)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO event_records (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OriginAddress, e.Content, toMillis(e.ReceivedAt), e.ChannelSlot, e.ChannelType,
		e.State, targets, e.LastError)
	return err
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.EventRecord, error) {
	e, err := scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM event_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("event", id)
	}
	return e, err
}

// UpdateStatus writes state, notified targets and error in one statement.
func (r *EventRepository) UpdateStatus(ctx context.Context, id, state string, targets []string, lastError string) error {
	encoded, err := encodeTargets(targets)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE event_records SET state = ?, targets_notified = ?, last_error = ?
		WHERE id = ?`, state, encoded, lastError, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("event", id)
	}
	return nil
}

// Query returns matching events newest first.
func (r *EventRepository) Query(ctx context.Context, f model.EventFilter) ([]model.EventRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Origin != "" {
		where = append(where, "origin_address LIKE ?")
		args = append(args, "%"+f.Origin+"%")
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if !f.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "received_at <= ?")
		args = append(args, toMillis(f.Until))
	}

	query := `SELECT ` + eventColumns + ` FROM event_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.EventRecord{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (r *EventRepository) Stats(ctx context.Context) (model.EventStats, error) {
	var s model.EventStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
		FROM event_records`, model.StateForwarded).Scan(&s.Total, &s.Forwarded)
	return s, err
}

func (r *EventRepository) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM event_records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("event", id)
	}
	return nil
}

func (r *EventRepository) Clear(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM event_records`)
	return err
}

func (r *EventRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM event_records WHERE received_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ EventRepositoryInterface = (*EventRepository)(nil)
