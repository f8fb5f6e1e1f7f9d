package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

type TracerouteRepo struct {
	db *sql.DB
}

func NewTracerouteRepo(db *sql.DB) *TracerouteRepo {
	return &TracerouteRepo{db: db}
}

func (r *TracerouteRepo) Insert(ctx context.Context, rec domain.TracerouteRecord) error {
	routeJSON, err := json.Marshal(rec.Route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	snrJSON, err := json.Marshal(rec.SNRTowards)
	if err != nil {
		return fmt.Errorf("encode snr: %w", err)
	}
	routeBackJSON, err := json.Marshal(rec.RouteBack)
	if err != nil {
		return fmt.Errorf("encode back route: %w", err)
	}
	snrBackJSON, err := json.Marshal(rec.SNRBack)
	if err != nil {
		return fmt.Errorf("encode back snr: %w", err)
	}
	positionsJSON, err := json.Marshal(rec.Positions)
	if err != nil {
		return fmt.Errorf("encode position snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO traceroutes(from_node, to_node, request_id, route_json, snr_json,
			route_back_json, snr_back_json, positions_json, received_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.FromNodeNum, rec.ToNodeNum, rec.RequestID, string(routeJSON), string(snrJSON),
		string(routeBackJSON), string(snrBackJSON), string(positionsJSON),
		toUnixMillis(rec.ReceivedAt))
	if err != nil {
		return fmt.Errorf("insert traceroute: %w", err)
	}

	return nil
}

func (r *TracerouteRepo) InsertSegment(ctx context.Context, seg domain.RouteSegment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO route_segments(from_node, to_node, snr, distance_km, received_at)
		VALUES(?, ?, ?, ?, ?)
	`, seg.FromNodeNum, seg.ToNodeNum, seg.SNR, seg.DistanceKm, toUnixMillis(seg.ReceivedAt))
	if err != nil {
		return fmt.Errorf("insert route segment: %w", err)
	}

	return nil
}

func (r *TracerouteRepo) RecordAutoTraceroute(ctx context.Context, nodeNum uint32, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auto_traceroutes(node_num, probed_at) VALUES(?, ?)
		ON CONFLICT(node_num) DO UPDATE SET probed_at = excluded.probed_at
	`, nodeNum, toUnixMillis(at))
	if err != nil {
		return fmt.Errorf("record auto traceroute: %w", err)
	}

	return nil
}

// NextAutoTarget rotates through recently heard nodes, favoring the one
// probed longest ago. Nodes probed within maxAge are skipped so the task
// never hammers a small fleet.
func (r *TracerouteRepo) NextAutoTarget(ctx context.Context, maxAge time.Duration) (uint32, bool, error) {
	now := time.Now()
	heardCutoff := toUnixMillis(now.Add(-24 * time.Hour))
	probedCutoff := toUnixMillis(now.Add(-maxAge))

	var nodeNum uint32
	err := r.db.QueryRowContext(ctx, `
		SELECT n.node_num
		FROM nodes n
		LEFT JOIN auto_traceroutes a ON a.node_num = n.node_num
		WHERE n.last_heard_at >= ?
		  AND n.ignored = 0
		  AND (a.probed_at IS NULL OR a.probed_at < ?)
		ORDER BY COALESCE(a.probed_at, 0) ASC, n.last_heard_at DESC
		LIMIT 1
	`, heardCutoff, probedCutoff).Scan(&nodeNum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pick traceroute target: %w", err)
	}

	return nodeNum, true, nil
}
