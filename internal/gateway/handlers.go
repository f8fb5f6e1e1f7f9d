package gateway

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

func unmarshalPayload(payload []byte, msg proto.Message) error {
	if err := proto.Unmarshal(payload, msg); err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}

	return nil
}

func (e *Engine) handleText(ctx context.Context, info *radio.PacketInfo) {
	localNode := e.codec.LocalNodeNum()

	channel := int(info.Channel)
	switch {
	case info.DecryptedBy == domain.DecryptedByServer:
		channel = domain.ServerDecryptedChannelOffset + int(info.ChannelRowID)
	case !info.IsBroadcast():
		channel = domain.DirectMessageChannel
	}

	msg := domain.Message{
		FromNodeNum: info.From,
		ToNodeNum:   info.To,
		PacketID:    info.ID,
		RequestID:   info.RequestID,
		Text:        string(info.Payload),
		Channel:     channel,
		HopStart:    info.HopStart,
		HopLimit:    info.HopLimit,
		ReplyID:     info.ReplyID,
		Emoji:       info.Emoji,
		WantAck:     info.WantAck,
		State:       domain.DeliveryDelivered,
		DecryptedBy: info.DecryptedBy,
		RxTime:      info.RxTime,
		RxSNR:       info.RxSNR,
		RxRSSI:      info.RxRSSI,
	}
	if msg.RxTime.IsZero() {
		msg.RxTime = time.Now()
	}

	fresh, err := e.store.Messages.Insert(ctx, msg)
	if err != nil {
		e.logger.Error("Failed to persist message",
			"from", domain.FormatNodeNum(info.From), "packet_id", info.ID, "error", err)

		return
	}
	if !fresh {
		// Mesh re-delivery of a packet we already processed.
		return
	}

	e.logger.Info("Text message",
		"from", domain.FormatNodeNum(info.From), "channel", channel,
		"chars", len(msg.Text), "emoji", msg.Emoji)
	e.bus.Publish(events.TopicTextMessage, msg)

	if info.From != localNode && !msg.Emoji {
		if e.acker != nil {
			e.acker.HandleText(msg)
		}
		if e.responder != nil {
			e.responder.HandleText(ctx, info, msg.Text, channel)
		}
	}
}

// mobileDisplacementKm is how far a node must move between fixes before it
// is flagged mobile. Well above GPS jitter, well below a vehicle commute.
const mobileDisplacementKm = 0.5

func (e *Engine) handlePosition(ctx context.Context, info *radio.PacketInfo) {
	var pos meshtastic.Position
	if err := unmarshalPayload(info.Payload, &pos); err != nil {
		e.logger.Warn("Malformed position payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}

	lat := domain.DecodeCoordinate(pos.GetLatitudeI())
	lon := domain.DecodeCoordinate(pos.GetLongitudeI())
	if !domain.ValidCoordinates(lat, lon) {
		e.logger.Debug("Rejecting out-of-range coordinates",
			"from", domain.FormatNodeNum(info.From), "lat", lat, "lon", lon)

		return
	}

	now := time.Now()
	at := info.RxTime
	if at.IsZero() {
		at = now
	}

	// The observation history is kept regardless of whether it replaces the
	// node's current fix.
	e.insertTelemetry(ctx, domain.TelemetryPoint{NodeNum: info.From, Type: "latitude", Time: at, Value: lat, Unit: "°"})
	e.insertTelemetry(ctx, domain.TelemetryPoint{NodeNum: info.From, Type: "longitude", Time: at, Value: lon, Unit: "°"})
	if alt := pos.GetAltitude(); alt != 0 {
		e.insertTelemetry(ctx, domain.TelemetryPoint{NodeNum: info.From, Type: "altitude", Time: at, Value: float64(alt), Unit: "m"})
	}

	precision := pos.GetPrecisionBits()
	e.upsertNode(ctx, info.From, func(node *domain.Node) {
		if !node.Position.IsZero() && !node.Mobile &&
			haversineKm(node.Position.Latitude, node.Position.Longitude, lat, lon) >= mobileDisplacementKm {
			node.Mobile = true
			e.logger.Info("Node flagged mobile", "node", domain.FormatNodeNum(info.From))
		}
		if !domain.ShouldReplacePosition(node.Position, precision, now) {
			return
		}
		node.Position = domain.Position{
			Latitude:      lat,
			Longitude:     lon,
			Altitude:      pos.GetAltitude(),
			PrecisionBits: precision,
			Channel:       int(info.Channel),
			Time:          at,
		}
	})

	e.bus.Publish(events.TopicPosition, events.PositionObserved{
		NodeNum:   info.From,
		Latitude:  lat,
		Longitude: lon,
		Altitude:  pos.GetAltitude(),
		Precision: precision,
		At:        at,
	})
}

func (e *Engine) handleNodeInfo(ctx context.Context, info *radio.PacketInfo) {
	var user meshtastic.User
	if err := unmarshalPayload(info.Payload, &user); err != nil {
		e.logger.Warn("Malformed nodeinfo payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}

	var keyResolved bool
	node, ok := e.upsertNode(ctx, info.From, func(node *domain.Node) {
		keyResolved = applyUser(node, &user)
	})
	if !ok {
		return
	}

	if keyResolved {
		e.logger.Info("Key mismatch resolved", "node", node.NodeID())
	}
	e.logger.Debug("Node identity updated", "node", node.NodeID(), "name", node.LongName)
	if e.welcomer != nil {
		e.welcomer.Consider(ctx, node)
	}
}

// applyUser merges a User record into a node. Keys once observed are never
// forgotten; a changed key on a mismatch-flagged node means the peer rotated
// it and the mismatch is resolved, which the return value reports so the
// caller can log it.
func applyUser(node *domain.Node, user *meshtastic.User) (keyResolved bool) {
	if name := user.GetLongName(); name != "" {
		node.LongName = name
	}
	if name := user.GetShortName(); name != "" {
		node.ShortName = name
	}
	if user.GetHwModel() != meshtastic.HardwareModel_UNSET {
		node.HWModel = user.GetHwModel().String()
	}
	node.Role = user.GetRole().String()

	if key := user.GetPublicKey(); len(key) > 0 {
		if node.KeyMismatch && !bytes.Equal(node.PublicKey, key) {
			node.KeyMismatch = false
			keyResolved = true
		}
		node.PublicKey = key
		node.LowEntropyKey = lowEntropyKey(key)
	}

	return keyResolved
}

// lowEntropyKey flags keys that cannot be real X25519 public keys: all-zero
// or nearly constant byte patterns produced by broken key generation.
func lowEntropyKey(key []byte) bool {
	distinct := make(map[byte]struct{}, len(key))
	for _, b := range key {
		distinct[b] = struct{}{}
	}

	return len(distinct) <= 4
}

func (e *Engine) handleRouting(ctx context.Context, info *radio.PacketInfo) {
	var routing meshtastic.Routing
	if err := unmarshalPayload(info.Payload, &routing); err != nil {
		e.logger.Warn("Malformed routing payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}
	if info.RequestID == 0 {
		return
	}

	reason := routing.GetErrorReason()
	localNode := e.codec.LocalNodeNum()

	if reason != meshtastic.Routing_NONE && info.From == localNode && isPKIError(reason) {
		// Our radio could not encrypt for the recipient: remember the key
		// mismatch and treat the link as degraded.
		if target, ok := e.queue.Target(info.RequestID); ok {
			e.markKeyMismatch(ctx, target, reason.String())
			e.linkQuality.Penalize(ctx, target, domain.LinkQualityPKIErrorPenalty)
		}
	}

	rxTime := info.RxTime
	if rxTime.IsZero() {
		rxTime = time.Now()
	}
	if !e.queue.HandleRouting(ctx, info.From, info.RequestID, reason, rxTime) {
		e.logger.Debug("Routing reply for untracked request",
			"request_id", info.RequestID, "from", domain.FormatNodeNum(info.From), "reason", reason)
	}
}

func isPKIError(reason meshtastic.Routing_Error) bool {
	switch reason {
	case meshtastic.Routing_PKI_FAILED, meshtastic.Routing_PKI_UNKNOWN_PUBKEY:
		return true
	default:
		return false
	}
}

// markKeyMismatch is the single write path for the key-mismatch flag.
func (e *Engine) markKeyMismatch(ctx context.Context, nodeNum uint32, reason string) {
	node, ok := e.upsertNode(ctx, nodeNum, func(node *domain.Node) {
		node.KeyMismatch = true
	})
	if ok {
		e.logger.Warn("Key mismatch detected", "node", node.NodeID(), "reason", reason)
	}
}

func (e *Engine) handleTelemetry(ctx context.Context, info *radio.PacketInfo) {
	var tel meshtastic.Telemetry
	if err := unmarshalPayload(info.Payload, &tel); err != nil {
		e.logger.Warn("Malformed telemetry payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}

	at := time.Unix(int64(tel.GetTime()), 0)
	if tel.GetTime() == 0 {
		at = time.Now()
	}
	write := func(metric string, value float64, unit string) {
		e.insertTelemetry(ctx, domain.TelemetryPoint{
			NodeNum: info.From, Type: metric, Time: at, Value: value, Unit: unit,
		})
	}

	switch {
	case tel.GetDeviceMetrics() != nil:
		dm := tel.GetDeviceMetrics()
		if dm.BatteryLevel != nil {
			write("battery_level", float64(dm.GetBatteryLevel()), "%")
		}
		if dm.Voltage != nil {
			write("voltage", float64(dm.GetVoltage()), "V")
		}
		if dm.ChannelUtilization != nil {
			write("channel_utilization", float64(dm.GetChannelUtilization()), "%")
		}
		if dm.AirUtilTx != nil {
			write("air_util_tx", float64(dm.GetAirUtilTx()), "%")
		}
		if dm.UptimeSeconds != nil {
			write("uptime", float64(dm.GetUptimeSeconds()), "s")
		}
	case tel.GetEnvironmentMetrics() != nil:
		em := tel.GetEnvironmentMetrics()
		if em.Temperature != nil {
			write("temperature", float64(em.GetTemperature()), "°C")
		}
		if em.RelativeHumidity != nil {
			write("humidity", float64(em.GetRelativeHumidity()), "%")
		}
		if em.BarometricPressure != nil {
			write("pressure", float64(em.GetBarometricPressure()), "hPa")
		}
		if em.GasResistance != nil {
			write("gas_resistance", float64(em.GetGasResistance()), "MΩ")
		}
		if em.Voltage != nil {
			write("env_voltage", float64(em.GetVoltage()), "V")
		}
		if em.Current != nil {
			write("env_current", float64(em.GetCurrent()), "mA")
		}
		if em.Iaq != nil {
			write("iaq", float64(em.GetIaq()), "")
		}
		if em.Lux != nil {
			write("lux", float64(em.GetLux()), "lx")
		}
	case tel.GetAirQualityMetrics() != nil:
		aq := tel.GetAirQualityMetrics()
		if aq.Pm10Standard != nil {
			write("pm10", float64(aq.GetPm10Standard()), "µg/m³")
		}
		if aq.Pm25Standard != nil {
			write("pm25", float64(aq.GetPm25Standard()), "µg/m³")
		}
		if aq.Pm100Standard != nil {
			write("pm100", float64(aq.GetPm100Standard()), "µg/m³")
		}
	case tel.GetPowerMetrics() != nil:
		pm := tel.GetPowerMetrics()
		if pm.Ch1Voltage != nil {
			write("ch1_voltage", float64(pm.GetCh1Voltage()), "V")
		}
		if pm.Ch1Current != nil {
			write("ch1_current", float64(pm.GetCh1Current()), "mA")
		}
		if pm.Ch2Voltage != nil {
			write("ch2_voltage", float64(pm.GetCh2Voltage()), "V")
		}
		if pm.Ch2Current != nil {
			write("ch2_current", float64(pm.GetCh2Current()), "mA")
		}
		if pm.Ch3Voltage != nil {
			write("ch3_voltage", float64(pm.GetCh3Voltage()), "V")
		}
		if pm.Ch3Current != nil {
			write("ch3_current", float64(pm.GetCh3Current()), "mA")
		}
	case tel.GetLocalStats() != nil:
		ls := tel.GetLocalStats()
		write("local_uptime", float64(ls.GetUptimeSeconds()), "s")
		write("local_channel_utilization", float64(ls.GetChannelUtilization()), "%")
		write("local_air_util_tx", float64(ls.GetAirUtilTx()), "%")
		write("packets_tx", float64(ls.GetNumPacketsTx()), "")
		write("packets_rx", float64(ls.GetNumPacketsRx()), "")
		write("packets_rx_bad", float64(ls.GetNumPacketsRxBad()), "")
		write("online_nodes", float64(ls.GetNumOnlineNodes()), "")
		write("total_nodes", float64(ls.GetNumTotalNodes()), "")
	}

	e.bus.Publish(events.TopicTelemetry, info.From)
}

func (e *Engine) handlePaxcounter(ctx context.Context, info *radio.PacketInfo) {
	var pax meshtastic.Paxcount
	if err := unmarshalPayload(info.Payload, &pax); err != nil {
		e.logger.Warn("Malformed paxcounter payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}

	at := info.RxTime
	if at.IsZero() {
		at = time.Now()
	}
	e.insertTelemetry(ctx, domain.TelemetryPoint{NodeNum: info.From, Type: "pax_wifi", Time: at, Value: float64(pax.GetWifi())})
	e.insertTelemetry(ctx, domain.TelemetryPoint{NodeNum: info.From, Type: "pax_ble", Time: at, Value: float64(pax.GetBle())})
	e.bus.Publish(events.TopicTelemetry, info.From)
}

func (e *Engine) insertTelemetry(ctx context.Context, p domain.TelemetryPoint) {
	if err := e.store.Telemetry.Insert(ctx, p); err != nil {
		e.logger.Warn("Failed to insert telemetry",
			"node", domain.FormatNodeNum(p.NodeNum), "metric", p.Type, "error", err)
	}
}
