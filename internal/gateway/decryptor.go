package gateway

import (
	"context"
	"log/slog"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// ChannelDecryptor attempts server-side decryption of encrypted packets with
// every known channel PSK. The radio only decodes channels it is joined to;
// this recovers traffic on channels we merely know the key for.
type ChannelDecryptor struct {
	logger   *slog.Logger
	channels domain.ChannelRepository
}

func NewChannelDecryptor(logger *slog.Logger, channels domain.ChannelRepository) *ChannelDecryptor {
	return &ChannelDecryptor{logger: logger.With("component", "decryptor"), channels: channels}
}

// TryDecode mutates the packet in place on success: decoded payload fields
// are filled, decryptedBy is set to server, and the channel row id is carried
// so the message can be attributed to the right channel.
func (d *ChannelDecryptor) TryDecode(ctx context.Context, info *radio.PacketInfo) bool {
	if len(info.Encrypted) == 0 {
		return false
	}
	channels, err := d.channels.List(ctx)
	if err != nil {
		d.logger.Warn("Failed to list channels for decryption", "error", err)

		return false
	}

	for _, ch := range channels {
		if len(ch.PSK) == 0 || ch.Role == domain.ChannelRoleDisabled {
			continue
		}
		data, err := radio.TryDecrypt(info, ch.PSK)
		if err != nil {
			continue
		}

		info.Portnum = data.GetPortnum()
		info.Payload = data.GetPayload()
		info.RequestID = data.GetRequestId()
		info.ReplyID = data.GetReplyId()
		info.Emoji = data.GetEmoji() != 0
		info.WantResponse = data.GetWantResponse()
		info.DecryptedBy = domain.DecryptedByServer
		info.ChannelRowID = ch.RowID
		d.logger.Debug("Server-side decrypt succeeded",
			"from", domain.FormatNodeNum(info.From), "channel", ch.Name, "port", info.PortName())

		return true
	}

	return false
}
