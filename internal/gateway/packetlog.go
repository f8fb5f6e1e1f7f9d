package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// PacketLogger writes a filtered diagnostic trace of observed and emitted
// packets. Management chatter with our own radio and device-internal state
// echoes are excluded so the log reflects actual mesh traffic.
type PacketLogger struct {
	logger *slog.Logger
	repo   domain.PacketLogRepository
}

func NewPacketLogger(logger *slog.Logger, repo domain.PacketLogRepository) *PacketLogger {
	return &PacketLogger{logger: logger.With("component", "packetlog"), repo: repo}
}

// ShouldLog applies the trace filter to one packet.
func ShouldLog(info *radio.PacketInfo, localNode uint32) bool {
	switch info.Portnum {
	case meshtastic.PortNum_ADMIN_APP, meshtastic.PortNum_ROUTING_APP:
		if info.From == localNode || info.To == localNode {
			return false
		}
	}
	// Phantom frames: local-origin internal echoes that never hit RF.
	if info.From == localNode && info.Transport == domain.PacketTransportInternal && info.HopStart == 0 {
		return false
	}

	return true
}

// Record logs one packet if it passes the filter.
func (l *PacketLogger) Record(ctx context.Context, info *radio.PacketInfo, direction domain.PacketDirection, localNode uint32) {
	if l == nil || l.repo == nil {
		return
	}
	if !ShouldLog(info, localNode) {
		return
	}

	entry := domain.PacketLogEntry{
		Direction: direction,
		FromNum:   info.From,
		ToNum:     info.To,
		PortName:  info.PortName(),
		Encrypted: info.DecryptedBy == domain.DecryptedByNone && len(info.Encrypted) > 0,
		Preview:   packetPreview(info),
		MetaJSON:  packetMeta(info),
		At:        time.Now(),
	}
	if !info.RxTime.IsZero() {
		entry.At = info.RxTime
	}
	if err := l.repo.Insert(ctx, entry); err != nil {
		l.logger.Warn("Failed to write packet log entry", "error", err)
	}
}

// packetPreview synthesizes a short human-readable line from the payload.
func packetPreview(info *radio.PacketInfo) string {
	if len(info.Encrypted) > 0 && info.DecryptedBy == domain.DecryptedByNone {
		return fmt.Sprintf("%d encrypted bytes", len(info.Encrypted))
	}

	switch info.Portnum {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		return previewClip(string(info.Payload))
	case meshtastic.PortNum_POSITION_APP:
		var pos meshtastic.Position
		if proto.Unmarshal(info.Payload, &pos) == nil {
			return fmt.Sprintf("lat=%.5f lon=%.5f prec=%d",
				domain.DecodeCoordinate(pos.GetLatitudeI()),
				domain.DecodeCoordinate(pos.GetLongitudeI()),
				pos.GetPrecisionBits())
		}
	case meshtastic.PortNum_NODEINFO_APP:
		var user meshtastic.User
		if proto.Unmarshal(info.Payload, &user) == nil {
			return fmt.Sprintf("%s (%s)", user.GetLongName(), user.GetShortName())
		}
	case meshtastic.PortNum_ROUTING_APP:
		var routing meshtastic.Routing
		if proto.Unmarshal(info.Payload, &routing) == nil {
			return fmt.Sprintf("routing reply=%#x error=%s", info.RequestID, routing.GetErrorReason())
		}
	case meshtastic.PortNum_TELEMETRY_APP:
		var tel meshtastic.Telemetry
		if proto.Unmarshal(info.Payload, &tel) == nil {
			switch {
			case tel.GetDeviceMetrics() != nil:
				return "device metrics"
			case tel.GetEnvironmentMetrics() != nil:
				return "environment metrics"
			case tel.GetPowerMetrics() != nil:
				return "power metrics"
			}
		}
	case meshtastic.PortNum_TRACEROUTE_APP:
		var disc meshtastic.RouteDiscovery
		if proto.Unmarshal(info.Payload, &disc) == nil {
			return fmt.Sprintf("route with %d hops", len(disc.GetRoute()))
		}
	case meshtastic.PortNum_NEIGHBORINFO_APP:
		var ni meshtastic.NeighborInfo
		if proto.Unmarshal(info.Payload, &ni) == nil {
			return fmt.Sprintf("%d neighbors", len(ni.GetNeighbors()))
		}
	case meshtastic.PortNum_PAXCOUNTER_APP:
		var pax meshtastic.Paxcount
		if proto.Unmarshal(info.Payload, &pax) == nil {
			return fmt.Sprintf("wifi=%d ble=%d", pax.GetWifi(), pax.GetBle())
		}
	}

	return fmt.Sprintf("%d payload bytes", len(info.Payload))
}

func previewClip(s string) string {
	const maxPreview = 80
	runes := []rune(s)
	if len(runes) <= maxPreview {
		return s
	}

	return string(runes[:maxPreview]) + "…"
}

func packetMeta(info *radio.PacketInfo) string {
	meta := map[string]any{
		"id":        info.ID,
		"channel":   info.Channel,
		"hop_start": info.HopStart,
		"hop_limit": info.HopLimit,
		"want_ack":  info.WantAck,
		"transport": string(info.Transport),
		"rx_snr":    info.RxSNR,
		"rx_rssi":   info.RxRSSI,
	}
	if info.RequestID != 0 {
		meta["request_id"] = info.RequestID
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}

	return string(raw)
}
