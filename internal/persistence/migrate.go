package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version tracks progress.
var migrations = []string{
	`
	CREATE TABLE nodes (
		node_num INTEGER PRIMARY KEY,
		long_name TEXT NOT NULL DEFAULT '',
		short_name TEXT NOT NULL DEFAULT '',
		hw_model TEXT NOT NULL DEFAULT '',
		device_role TEXT NOT NULL DEFAULT '',
		public_key BLOB,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		altitude INTEGER NOT NULL DEFAULT 0,
		precision_bits INTEGER NOT NULL DEFAULT 0,
		position_channel INTEGER NOT NULL DEFAULT 0,
		position_time INTEGER NOT NULL DEFAULT 0,
		last_heard_at INTEGER NOT NULL DEFAULT 0,
		snr REAL,
		rssi INTEGER,
		hops_away INTEGER NOT NULL DEFAULT 0,
		favorite INTEGER NOT NULL DEFAULT 0,
		ignored INTEGER NOT NULL DEFAULT 0,
		mobile INTEGER NOT NULL DEFAULT 0,
		has_remote_admin INTEGER NOT NULL DEFAULT 0,
		key_mismatch INTEGER NOT NULL DEFAULT 0,
		low_entropy_key INTEGER NOT NULL DEFAULT 0,
		key_repair_attempts INTEGER NOT NULL DEFAULT 0,
		welcomed_at INTEGER,
		updated_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_nodes_last_heard ON nodes(last_heard_at DESC);

	CREATE TABLE messages (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_node INTEGER NOT NULL,
		to_node INTEGER NOT NULL,
		packet_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		channel INTEGER NOT NULL,
		hop_start INTEGER NOT NULL DEFAULT 0,
		hop_limit INTEGER NOT NULL DEFAULT 0,
		reply_id INTEGER NOT NULL DEFAULT 0,
		emoji INTEGER NOT NULL DEFAULT 0,
		want_ack INTEGER NOT NULL DEFAULT 0,
		state INTEGER NOT NULL DEFAULT 0,
		decrypted_by INTEGER NOT NULL DEFAULT 0,
		rx_time INTEGER NOT NULL DEFAULT 0,
		rx_snr REAL NOT NULL DEFAULT 0,
		rx_rssi INTEGER NOT NULL DEFAULT 0,
		UNIQUE(from_node, packet_id)
	);
	CREATE INDEX idx_messages_request ON messages(request_id);
	CREATE INDEX idx_messages_time ON messages(rx_time DESC);

	CREATE TABLE telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_num INTEGER NOT NULL,
		metric_type TEXT NOT NULL,
		at INTEGER NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_telemetry_node_type ON telemetry(node_num, metric_type, at DESC);

	CREATE TABLE channels (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		slot INTEGER NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		role INTEGER NOT NULL DEFAULT 0,
		psk BLOB,
		uplink_enabled INTEGER NOT NULL DEFAULT 0,
		downlink_enabled INTEGER NOT NULL DEFAULT 0,
		position_precision INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE neighbors (
		reporter INTEGER NOT NULL,
		neighbor INTEGER NOT NULL,
		snr REAL NOT NULL DEFAULT 0,
		at INTEGER NOT NULL,
		PRIMARY KEY (reporter, neighbor)
	);

	CREATE TABLE settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE traceroutes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_node INTEGER NOT NULL,
		to_node INTEGER NOT NULL,
		request_id INTEGER NOT NULL,
		route_json TEXT NOT NULL,
		snr_json TEXT NOT NULL,
		route_back_json TEXT NOT NULL,
		snr_back_json TEXT NOT NULL,
		positions_json TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX idx_traceroutes_time ON traceroutes(received_at DESC);

	CREATE TABLE route_segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_node INTEGER NOT NULL,
		to_node INTEGER NOT NULL,
		snr REAL NOT NULL DEFAULT 0,
		distance_km REAL NOT NULL DEFAULT 0,
		received_at INTEGER NOT NULL
	);

	CREATE TABLE auto_traceroutes (
		node_num INTEGER PRIMARY KEY,
		probed_at INTEGER NOT NULL
	);

	CREATE TABLE packet_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		direction TEXT NOT NULL,
		from_node INTEGER NOT NULL,
		to_node INTEGER NOT NULL,
		port_name TEXT NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		preview TEXT NOT NULL DEFAULT '',
		meta_json TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	);
	CREATE INDEX idx_packet_log_time ON packet_log(at DESC);
	`,
	`
	ALTER TABLE nodes ADD COLUMN admin_probed_at INTEGER NOT NULL DEFAULT 0;
	`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d tx: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
