package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

type ChannelRepo struct {
	db *sql.DB
}

func NewChannelRepo(db *sql.DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

// Upsert stores one channel slot and returns its stable database row id;
// server-decrypted messages reference channels by that id.
func (r *ChannelRepo) Upsert(ctx context.Context, ch domain.Channel) (int64, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels(slot, name, role, psk, uplink_enabled, downlink_enabled, position_precision)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			psk = excluded.psk,
			uplink_enabled = excluded.uplink_enabled,
			downlink_enabled = excluded.downlink_enabled,
			position_precision = excluded.position_precision
	`, ch.Index, ch.Name, int(ch.Role), ch.PSK,
		boolToInt(ch.UplinkEnabled), boolToInt(ch.DownlinkEnabled), ch.PositionPrecision)
	if err != nil {
		return 0, fmt.Errorf("upsert channel: %w", err)
	}

	var rowID int64
	if err := r.db.QueryRowContext(ctx, `SELECT row_id FROM channels WHERE slot = ?`, ch.Index).Scan(&rowID); err != nil {
		return 0, fmt.Errorf("resolve channel row id: %w", err)
	}

	return rowID, nil
}

func (r *ChannelRepo) Get(ctx context.Context, index int) (domain.Channel, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT row_id, slot, name, role, psk, uplink_enabled, downlink_enabled, position_precision
		FROM channels WHERE slot = ?
	`, index)

	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, false, nil
	}
	if err != nil {
		return domain.Channel{}, false, err
	}

	return ch, true, nil
}

func (r *ChannelRepo) List(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT row_id, slot, name, role, psk, uplink_enabled, downlink_enabled, position_precision
		FROM channels ORDER BY slot
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}

	return out, nil
}

func scanChannel(row rowScanner) (domain.Channel, error) {
	var (
		ch       domain.Channel
		role     int64
		uplink   int64
		downlink int64
	)
	err := row.Scan(&ch.RowID, &ch.Index, &ch.Name, &role, &ch.PSK, &uplink, &downlink, &ch.PositionPrecision)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, err
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("scan channel: %w", err)
	}
	ch.Role = domain.ChannelRole(role)
	ch.UplinkEnabled = uplink != 0
	ch.DownlinkEnabled = downlink != 0

	return ch, nil
}
