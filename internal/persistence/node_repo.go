package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

type NodeRepo struct {
	db *sql.DB
}

func NewNodeRepo(db *sql.DB) *NodeRepo {
	return &NodeRepo{db: db}
}

const nodeColumns = `node_num, long_name, short_name, hw_model, device_role, public_key,
	latitude, longitude, altitude, precision_bits, position_channel, position_time,
	last_heard_at, snr, rssi, hops_away, favorite, ignored, mobile,
	has_remote_admin, admin_probed_at, key_mismatch, low_entropy_key, key_repair_attempts,
	welcomed_at, updated_at`

func (r *NodeRepo) Upsert(ctx context.Context, n domain.Node) error {
	var (
		snr        any
		rssi       any
		welcomedAt any
	)
	if n.SNR != nil {
		snr = *n.SNR
	}
	if n.RSSI != nil {
		rssi = int64(*n.RSSI)
	}
	if !n.WelcomedAt.IsZero() {
		welcomedAt = toUnixMillis(n.WelcomedAt)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes(`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_num) DO UPDATE SET
			long_name = excluded.long_name,
			short_name = excluded.short_name,
			hw_model = excluded.hw_model,
			device_role = excluded.device_role,
			public_key = excluded.public_key,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			precision_bits = excluded.precision_bits,
			position_channel = excluded.position_channel,
			position_time = excluded.position_time,
			last_heard_at = excluded.last_heard_at,
			snr = excluded.snr,
			rssi = excluded.rssi,
			hops_away = excluded.hops_away,
			favorite = excluded.favorite,
			ignored = excluded.ignored,
			mobile = excluded.mobile,
			has_remote_admin = excluded.has_remote_admin,
			admin_probed_at = excluded.admin_probed_at,
			key_mismatch = excluded.key_mismatch,
			low_entropy_key = excluded.low_entropy_key,
			key_repair_attempts = excluded.key_repair_attempts,
			welcomed_at = COALESCE(excluded.welcomed_at, nodes.welcomed_at),
			updated_at = excluded.updated_at
	`, n.NodeNum, n.LongName, n.ShortName, n.HWModel, n.Role, n.PublicKey,
		n.Position.Latitude, n.Position.Longitude, n.Position.Altitude,
		n.Position.PrecisionBits, n.Position.Channel, toUnixMillis(n.Position.Time),
		toUnixMillis(n.LastHeardAt), snr, rssi, n.HopsAway,
		boolToInt(n.Favorite), boolToInt(n.Ignored), boolToInt(n.Mobile),
		boolToInt(n.HasRemoteAdmin), toUnixMillis(n.AdminProbedAt), boolToInt(n.KeyMismatch), boolToInt(n.LowEntropyKey),
		n.KeyRepairAttempts, welcomedAt, toUnixMillis(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}

	return nil
}

func (r *NodeRepo) Get(ctx context.Context, nodeNum uint32) (domain.Node, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE node_num = ?
	`, nodeNum)

	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, false, nil
	}
	if err != nil {
		return domain.Node{}, false, err
	}

	return node, true, nil
}

func (r *NodeRepo) ListActive(ctx context.Context, maxAge time.Duration) ([]domain.Node, error) {
	cutoff := toUnixMillis(time.Now().Add(-maxAge))
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE last_heard_at >= ?
		ORDER BY last_heard_at DESC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	return out, nil
}

// MarkWelcomedIfNotAlready is the atomic check-and-set behind auto-welcome:
// only the caller whose UPDATE lands on a NULL column wins.
func (r *NodeRepo) MarkWelcomedIfNotAlready(ctx context.Context, nodeNum uint32, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET welcomed_at = ? WHERE node_num = ? AND welcomed_at IS NULL
	`, toUnixMillis(at), nodeNum)
	if err != nil {
		return false, fmt.Errorf("mark node welcomed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check welcome update: %w", err)
	}

	return affected == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (domain.Node, error) {
	var (
		n           domain.Node
		posTime     int64
		heard       int64
		updated     int64
		snr         sql.NullFloat64
		rssi        sql.NullInt64
		favorite    int64
		ignored     int64
		mobile      int64
		remote      int64
		adminProbed int64
		mismatch    int64
		lowEntropy  int64
		welcomedAt  sql.NullInt64
	)
	err := row.Scan(&n.NodeNum, &n.LongName, &n.ShortName, &n.HWModel, &n.Role, &n.PublicKey,
		&n.Position.Latitude, &n.Position.Longitude, &n.Position.Altitude,
		&n.Position.PrecisionBits, &n.Position.Channel, &posTime,
		&heard, &snr, &rssi, &n.HopsAway, &favorite, &ignored, &mobile,
		&remote, &adminProbed, &mismatch, &lowEntropy, &n.KeyRepairAttempts, &welcomedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, err
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("scan node: %w", err)
	}

	n.Position.Time = fromUnixMillis(posTime)
	n.LastHeardAt = fromUnixMillis(heard)
	n.UpdatedAt = fromUnixMillis(updated)
	if snr.Valid {
		v := snr.Float64
		n.SNR = &v
	}
	if rssi.Valid {
		v := int(rssi.Int64)
		n.RSSI = &v
	}
	n.Favorite = favorite != 0
	n.Ignored = ignored != 0
	n.Mobile = mobile != 0
	n.HasRemoteAdmin = remote != 0
	n.AdminProbedAt = fromUnixMillis(adminProbed)
	n.KeyMismatch = mismatch != 0
	n.LowEntropyKey = lowEntropy != 0
	if welcomedAt.Valid {
		n.WelcomedAt = fromUnixMillis(welcomedAt.Int64)
	}

	return n, nil
}
