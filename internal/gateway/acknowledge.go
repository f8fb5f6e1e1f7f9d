package gateway

import (
	"log/slog"

	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
)

// AutoAcker replies to inbound direct messages with an emoji tapback. The
// reply rides the send queue, so it counts against the global send interval
// like any other outbound traffic.
type AutoAcker struct {
	logger *slog.Logger
	cfg    config.AcknowledgeConfig
	queue  *SendQueue
}

func NewAutoAcker(logger *slog.Logger, cfg config.AcknowledgeConfig, queue *SendQueue) *AutoAcker {
	return &AutoAcker{
		logger: logger.With("component", "acknowledge"),
		cfg:    cfg,
		queue:  queue,
	}
}

// HandleText queues a tapback for one stored direct message. Tapbacks are
// never acknowledged themselves; the engine filters emoji messages out
// before calling here.
func (a *AutoAcker) HandleText(msg domain.Message) {
	if !a.cfg.Enabled || !msg.IsDirect() {
		return
	}

	err := a.queue.Enqueue(QueuedSend{
		Text:        a.cfg.Emoji,
		To:          msg.FromNodeNum,
		Channel:     domain.DirectMessageChannel,
		ReplyID:     msg.PacketID,
		Emoji:       true,
		MaxAttempts: 1,
	})
	if err != nil {
		a.logger.Warn("Failed to queue tapback",
			"to", domain.FormatNodeNum(msg.FromNodeNum), "error", err)

		return
	}
	a.logger.Debug("Tapback queued",
		"to", domain.FormatNodeNum(msg.FromNodeNum), "reply_id", msg.PacketID)
}
