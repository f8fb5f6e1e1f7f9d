package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Insert stores one message, deduplicated on (from_node, packet_id) so a
// mesh rebroadcast of the same packet never produces a second row.
func (r *MessageRepo) Insert(ctx context.Context, m domain.Message) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages(
			from_node, to_node, packet_id, request_id, body, channel,
			hop_start, hop_limit, reply_id, emoji, want_ack, state,
			decrypted_by, rx_time, rx_snr, rx_rssi)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.FromNodeNum, m.ToNodeNum, m.PacketID, m.RequestID, m.Text, m.Channel,
		m.HopStart, m.HopLimit, m.ReplyID, boolToInt(m.Emoji), boolToInt(m.WantAck),
		int(m.State), int(m.DecryptedBy), toUnixMillis(m.RxTime), m.RxSNR, m.RxRSSI)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check message insert: %w", err)
	}

	return affected == 1, nil
}

func (r *MessageRepo) UpdateDeliveryState(ctx context.Context, requestID uint32, state domain.DeliveryState) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages SET state = ? WHERE request_id = ?
	`, int(state), requestID)
	if err != nil {
		return fmt.Errorf("update delivery state: %w", err)
	}

	return nil
}

// UpdateTimestamps rewrites the message time to the acknowledging packet's
// rx time so sent and received messages sort consistently.
func (r *MessageRepo) UpdateTimestamps(ctx context.Context, requestID uint32, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages SET rx_time = ? WHERE request_id = ?
	`, toUnixMillis(at), requestID)
	if err != nil {
		return fmt.Errorf("update message timestamps: %w", err)
	}

	return nil
}
