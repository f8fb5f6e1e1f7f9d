package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

type TelemetryRepo struct {
	db *sql.DB
}

func NewTelemetryRepo(db *sql.DB) *TelemetryRepo {
	return &TelemetryRepo{db: db}
}

func (r *TelemetryRepo) Insert(ctx context.Context, p domain.TelemetryPoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO telemetry(node_num, metric_type, at, value, unit)
		VALUES(?, ?, ?, ?, ?)
	`, p.NodeNum, p.Type, toUnixMillis(p.Time), p.Value, p.Unit)
	if err != nil {
		return fmt.Errorf("insert telemetry point: %w", err)
	}

	return nil
}

func (r *TelemetryRepo) ListLatestForType(ctx context.Context, nodeNum uint32, metricType string, limit int) ([]domain.TelemetryPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_num, metric_type, at, value, unit
		FROM telemetry
		WHERE node_num = ? AND metric_type = ?
		ORDER BY at DESC
		LIMIT ?
	`, nodeNum, metricType, limit)
	if err != nil {
		return nil, fmt.Errorf("list telemetry: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.TelemetryPoint
	for rows.Next() {
		var (
			p  domain.TelemetryPoint
			at int64
		)
		if err := rows.Scan(&p.NodeNum, &p.Type, &at, &p.Value, &p.Unit); err != nil {
			return nil, fmt.Errorf("scan telemetry point: %w", err)
		}
		p.Time = fromUnixMillis(at)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry: %w", err)
	}

	return out, nil
}
