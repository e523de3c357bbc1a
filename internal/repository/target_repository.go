package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/unclebandit/smsforward/internal/db"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/model"
)

type TargetRepositoryInterface interface {
	List(ctx context.Context) ([]model.TransportTarget, error)
	ListEnabled(ctx context.Context) ([]model.TransportTarget, error)
	GetByID(ctx context.Context, id string) (*model.TransportTarget, error)
	Create(ctx context.Context, t *model.TransportTarget) error
	Update(ctx context.Context, t *model.TransportTarget) error
	Delete(ctx context.Context, id string) error
	ReplaceAll(ctx context.Context, targets []model.TransportTarget) error
	Count(ctx context.Context) (int, error)
}

type TargetRepository struct {
	DB *db.DB
}

const targetColumns = `id, display_name, email_address, smtp_server, smtp_port, username, password,
	is_enabled, use_ssl, proxy_json, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*model.TransportTarget, error) {
	var (
		t         model.TransportTarget
		proxyJSON string
		updatedAt int64
	)
	err := row.Scan(&t.ID, &t.DisplayName, &t.Address, &t.Host, &t.Port, &t.Username, &t.Password,
		&t.Enabled, &t.UseSSL, &proxyJSON, &updatedAt)
	if err != nil {
		return nil, err
	}
	if proxyJSON != "" {
		var p model.ProxyConfig
		if err := json.Unmarshal([]byte(proxyJSON), &p); err != nil {
			return nil, err
		}
		t.Proxy = &p
	}
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func proxyColumn(p *model.ProxyConfig) (string, error) {
	if p == nil {
		return "", nil
	}
	b, err := json.Marshal(p)
	return string(b), err
}

func (r *TargetRepository) list(ctx context.Context, where string) ([]model.TransportTarget, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+targetColumns+` FROM transport_targets `+where+` ORDER BY display_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []model.TransportTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

func (r *TargetRepository) List(ctx context.Context) ([]model.TransportTarget, error) {
	return r.list(ctx, "")
}

// ListEnabled returns the targets a delivery job sends to, in display-name order.
func (r *TargetRepository) ListEnabled(ctx context.Context) ([]model.TransportTarget, error) {
	return r.list(ctx, "WHERE is_enabled = TRUE")
}

func (r *TargetRepository) GetByID(ctx context.Context, id string) (*model.TransportTarget, error) {
	t, err := scanTarget(r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM transport_targets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("target", id)
	}
	return t, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTarget(ctx context.Context, ex execer, t *model.TransportTarget) error {
	proxy, err := proxyColumn(t.Proxy)
	if err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO transport_targets (`+targetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DisplayName, t.Address, t.Host, t.Port, t.Username, t.Password,
		t.Enabled, t.UseSSL, proxy, toMillis(t.UpdatedAt))
	return err
}

func (r *TargetRepository) Create(ctx context.Context, t *model.TransportTarget) error {
	t.UpdatedAt = time.Now().UTC()
	return insertTarget(ctx, r.DB, t)
}

func (r *TargetRepository) Update(ctx context.Context, t *model.TransportTarget) error {
	proxy, err := proxyColumn(t.Proxy)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE transport_targets
		SET display_name = ?, email_address = ?, smtp_server = ?, smtp_port = ?, username = ?,
			password = ?, is_enabled = ?, use_ssl = ?, proxy_json = ?, updated_at = ?
		WHERE id = ?`,
		t.DisplayName, t.Address, t.Host, t.Port, t.Username,
		t.Password, t.Enabled, t.UseSSL, proxy, toMillis(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("target", t.ID)
	}
	return nil
}

func (r *TargetRepository) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM transport_targets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("target", id)
	}
	return nil
}

// ReplaceAll is used by import and by cache restore.
func (r *TargetRepository) ReplaceAll(ctx context.Context, targets []model.TransportTarget) error {
	tx, err := r.DB.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transport_targets`); err != nil {
		return err
	}
	for i := range targets {
		if err := insertTarget(ctx, tx, &targets[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *TargetRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM transport_targets`).Scan(&n)
	return n, err
}

var _ TargetRepositoryInterface = (*TargetRepository)(nil)
