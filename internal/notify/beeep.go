package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// DesktopSender delivers notifications through the host desktop environment.
type DesktopSender struct {
	logger *slog.Logger
}

func NewDesktopSender(logger *slog.Logger) *DesktopSender {
	return &DesktopSender{logger: logger.With("component", "notify.desktop")}
}

func (s *DesktopSender) Send(payload Payload) {
	if err := beeep.Notify(payload.Title, payload.Content, ""); err != nil {
		s.logger.Warn("Desktop notification failed", "title", payload.Title, "error", err)
	}
}
