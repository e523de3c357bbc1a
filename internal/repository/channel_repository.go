package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/unclebandit/smsforward/internal/db"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/model"
)

type ChannelRepositoryInterface interface {
	List(ctx context.Context) ([]model.Channel, error)
	GetBySlot(ctx context.Context, slot int) (*model.Channel, error)
	ReplaceAll(ctx context.Context, channels []model.Channel) error
	SetEnabled(ctx context.Context, slot int, enabled bool) error
}

type ChannelRepository struct {
	DB *db.DB
}

const channelColumns = `slot_index, display_name, carrier_name, address, is_enabled, channel_type`

func (r *ChannelRepository) List(ctx context.Context) ([]model.Channel, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY slot_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []model.Channel
	for rows.Next() {
		var c model.Channel
		if err := rows.Scan(&c.Slot, &c.DisplayName, &c.CarrierName, &c.Address, &c.Enabled, &c.ChannelType); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (r *ChannelRepository) GetBySlot(ctx context.Context, slot int) (*model.Channel, error) {
	var c model.Channel
	err := r.DB.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE slot_index = ?`, slot).
		Scan(&c.Slot, &c.DisplayName, &c.CarrierName, &c.Address, &c.Enabled, &c.ChannelType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("channel", strconv.Itoa(slot))
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReplaceAll swaps the stored channel set for the given one in a single transaction.
func (r *ChannelRepository) ReplaceAll(ctx context.Context, channels []model.Channel) error {
	tx, err := r.DB.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channels`); err != nil {
		return err
	}
	for _, c := range channels {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channels (`+channelColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (slot_index) DO UPDATE SET
				display_name = excluded.display_name,
				carrier_name = excluded.carrier_name,
				address = excluded.address,
				is_enabled = excluded.is_enabled,
				channel_type = excluded.channel_type`,
			c.Slot, c.DisplayName, c.CarrierName, c.Address, c.Enabled, c.ChannelType)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *ChannelRepository) SetEnabled(ctx context.Context, slot int, enabled bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE channels SET is_enabled = ? WHERE slot_index = ?`, enabled, slot)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("channel", strconv.Itoa(slot))
	}
	return nil
}

var _ ChannelRepositoryInterface = (*ChannelRepository)(nil)
