package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

//goland:noinspection SqlWithoutWhere
var clearDatabaseStatements = []string{
	`DELETE FROM packet_log;`,
	`DELETE FROM route_segments;`,
	`DELETE FROM auto_traceroutes;`,
	`DELETE FROM traceroutes;`,
	`DELETE FROM neighbors;`,
	`DELETE FROM telemetry;`,
	`DELETE FROM messages;`,
	`DELETE FROM channels;`,
	`DELETE FROM nodes;`,
}

func ClearDatabase(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear database tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range clearDatabaseStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear database tables: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear database tx: %w", err)
	}

	return nil
}

// PruneHistory trims the unbounded append-only tables. The packet trace and
// telemetry grow by every received frame; everything else stays.
func PruneHistory(ctx context.Context, db *sql.DB, retention time.Duration) error {
	cutoff := toUnixMillis(time.Now().Add(-retention))
	for _, stmt := range []string{
		`DELETE FROM packet_log WHERE at < ?`,
		`DELETE FROM telemetry WHERE at < ?`,
		`DELETE FROM route_segments WHERE received_at < ?`,
	} {
		if _, err := db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}

	return nil
}
