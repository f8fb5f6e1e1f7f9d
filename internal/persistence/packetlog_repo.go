package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

type PacketLogRepo struct {
	db *sql.DB
}

func NewPacketLogRepo(db *sql.DB) *PacketLogRepo {
	return &PacketLogRepo{db: db}
}

func (r *PacketLogRepo) Insert(ctx context.Context, e domain.PacketLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO packet_log(direction, from_node, to_node, port_name, encrypted, preview, meta_json, at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, string(e.Direction), e.FromNum, e.ToNum, e.PortName,
		boolToInt(e.Encrypted), e.Preview, e.MetaJSON, toUnixMillis(e.At))
	if err != nil {
		return fmt.Errorf("insert packet log entry: %w", err)
	}

	return nil
}
