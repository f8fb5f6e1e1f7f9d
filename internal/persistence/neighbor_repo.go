package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

type NeighborRepo struct {
	db *sql.DB
}

func NewNeighborRepo(db *sql.DB) *NeighborRepo {
	return &NeighborRepo{db: db}
}

// Replace swaps the reporter's neighbor set in one transaction; a partial
// set from a lost report never mixes with the previous one.
func (r *NeighborRepo) Replace(ctx context.Context, reporter uint32, neighbors []domain.NeighborEntry, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin neighbor replace tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM neighbors WHERE reporter = ?`, reporter); err != nil {
		return fmt.Errorf("clear previous neighbors: %w", err)
	}
	for _, n := range neighbors {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO neighbors(reporter, neighbor, snr, at) VALUES(?, ?, ?, ?)
		`, reporter, n.NodeNum, n.SNR, toUnixMillis(at))
		if err != nil {
			return fmt.Errorf("insert neighbor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit neighbor replace tx: %w", err)
	}

	return nil
}

func (r *NeighborRepo) Clear(ctx context.Context, reporter uint32) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM neighbors WHERE reporter = ?`, reporter); err != nil {
		return fmt.Errorf("clear neighbors: %w", err)
	}

	return nil
}
