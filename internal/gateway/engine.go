package gateway

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// Engine is the port-number dispatch core: every decoded frame funnels
// through a single worker goroutine, which keeps the store writes and the
// derived-state tables free of data races.
type Engine struct {
	logger      *slog.Logger
	codec       *radio.Codec
	store       *domain.Store
	bus         bus.MessageBus
	queue       *SendQueue
	session     *SessionController
	decryptor   *ChannelDecryptor
	packetLog   *PacketLogger
	linkQuality *LinkQualityTracker
	estimator   *PositionEstimator
	welcomer    *AutoWelcomer
	responder   *AutoResponder
	acker       *AutoAcker
	signal      *metricGate

	frames chan radio.Frame
}

const engineQueueDepth = 256

type EngineDeps struct {
	Codec       *radio.Codec
	Store       *domain.Store
	Bus         bus.MessageBus
	Queue       *SendQueue
	Session     *SessionController
	Decryptor   *ChannelDecryptor
	PacketLog   *PacketLogger
	LinkQuality *LinkQualityTracker
	Estimator   *PositionEstimator
	Welcomer    *AutoWelcomer
	Responder   *AutoResponder
	Acker       *AutoAcker
}

func NewEngine(logger *slog.Logger, deps EngineDeps) *Engine {
	return &Engine{
		logger:      logger.With("component", "engine"),
		codec:       deps.Codec,
		store:       deps.Store,
		bus:         deps.Bus,
		queue:       deps.Queue,
		session:     deps.Session,
		decryptor:   deps.Decryptor,
		packetLog:   deps.PacketLog,
		linkQuality: deps.LinkQuality,
		estimator:   deps.Estimator,
		welcomer:    deps.Welcomer,
		responder:   deps.Responder,
		acker:       deps.Acker,
		signal:      newMetricGate(),
		frames:      make(chan radio.Frame, engineQueueDepth),
	}
}

// Submit hands one decoded frame to the worker. Drops with a log line when
// the worker is saturated; the radio link must never block on us.
func (e *Engine) Submit(frame radio.Frame) {
	select {
	case e.frames <- frame:
	default:
		e.logger.Warn("Engine queue full, dropping frame", "kind", frame.Kind.String())
	}
}

// Run processes frames until the context ends.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-e.frames:
			e.handleFrame(ctx, frame)
		}
	}
}

// handleFrame wraps dispatch in a recover so one malformed packet cannot
// take the worker down.
func (e *Engine) handleFrame(ctx context.Context, frame radio.Frame) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while handling frame",
				"kind", frame.Kind.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch frame.Kind {
	case radio.FrameMyInfo:
		e.logger.Info("Radio reported local node",
			"node", domain.FormatNodeNum(frame.MyInfo.GetMyNodeNum()))
	case radio.FrameMetadata:
		e.session.SetLocalFirmware(frame.Metadata.GetFirmwareVersion())
		e.logger.Info("Radio metadata", "firmware", frame.Metadata.GetFirmwareVersion())
	case radio.FrameNodeInfo:
		e.handleConfigNodeInfo(ctx, frame.NodeInfo)
	case radio.FrameChannel:
		e.handleChannel(ctx, frame.Channel)
	case radio.FrameConfigComplete:
		e.bus.Publish(events.TopicConfigComplete, frame.ConfigCompleteID)
	case radio.FrameMeshPacket:
		e.handlePacket(ctx, frame.Packet)
	}
}

func (e *Engine) handlePacket(ctx context.Context, info *radio.PacketInfo) {
	if info.DecryptedBy == domain.DecryptedByNone && len(info.Encrypted) > 0 && e.decryptor != nil {
		e.decryptor.TryDecode(ctx, info)
	}

	localNode := e.codec.LocalNodeNum()
	e.packetLog.Record(ctx, info, domain.PacketDirectionIn, localNode)

	if !info.RxTime.IsZero() && info.Transport == domain.PacketTransportLoRa {
		e.bus.Publish(events.TopicTimeSample, time.Since(info.RxTime))
	}

	if info.From != localNode && info.From != 0 {
		e.touchNode(ctx, info)
		if info.Transport == domain.PacketTransportLoRa && info.Hops() >= 0 {
			e.linkQuality.ObserveHops(ctx, info.From, info.Hops())
		}
	}

	if info.DecryptedBy == domain.DecryptedByNone {
		// Still ciphertext after the decryption sweep; logged above, done.
		return
	}

	switch info.Portnum {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		e.handleText(ctx, info)
	case meshtastic.PortNum_POSITION_APP:
		e.handlePosition(ctx, info)
	case meshtastic.PortNum_NODEINFO_APP:
		e.handleNodeInfo(ctx, info)
	case meshtastic.PortNum_TELEMETRY_APP:
		e.handleTelemetry(ctx, info)
	case meshtastic.PortNum_ROUTING_APP:
		e.handleRouting(ctx, info)
	case meshtastic.PortNum_ADMIN_APP:
		e.handleAdmin(info)
	case meshtastic.PortNum_TRACEROUTE_APP:
		e.handleTraceroute(ctx, info)
	case meshtastic.PortNum_NEIGHBORINFO_APP:
		e.handleNeighborInfo(ctx, info)
	case meshtastic.PortNum_PAXCOUNTER_APP:
		e.handlePaxcounter(ctx, info)
	default:
		e.logger.Debug("Unhandled port", "port", info.PortName(),
			"from", domain.FormatNodeNum(info.From))
	}
}

// touchNode creates or refreshes the sending node from packet metadata.
func (e *Engine) touchNode(ctx context.Context, info *radio.PacketInfo) {
	e.upsertNode(ctx, info.From, func(node *domain.Node) {
		if !info.RxTime.IsZero() {
			node.LastHeardAt = laterOf(node.LastHeardAt, info.RxTime)
		} else {
			node.LastHeardAt = time.Now()
		}
		if info.Transport == domain.PacketTransportLoRa {
			if info.RxSNR != 0 {
				snr := info.RxSNR
				node.SNR = &snr
			}
			if info.RxRSSI != 0 {
				rssi := info.RxRSSI
				node.RSSI = &rssi
			}
			if hops := info.Hops(); hops >= 0 {
				node.HopsAway = hops
			}
		}
	})
	e.sampleSignal(ctx, info)
}

// sampleSignal appends RSSI/SNR history, gated on change or the minimum
// metric interval so per-packet readings do not flood the table.
func (e *Engine) sampleSignal(ctx context.Context, info *radio.PacketInfo) {
	if info.Transport != domain.PacketTransportLoRa {
		return
	}
	at := info.RxTime
	if at.IsZero() {
		at = time.Now()
	}
	if info.RxSNR != 0 && e.signal.Admit(info.From, "snr", info.RxSNR, at) {
		e.insertTelemetry(ctx, domain.TelemetryPoint{
			NodeNum: info.From, Type: "snr", Time: at, Value: info.RxSNR, Unit: "dB",
		})
	}
	if info.RxRSSI != 0 && e.signal.Admit(info.From, "rssi", float64(info.RxRSSI), at) {
		e.insertTelemetry(ctx, domain.TelemetryPoint{
			NodeNum: info.From, Type: "rssi", Time: at, Value: float64(info.RxRSSI), Unit: "dBm",
		})
	}
}

// upsertNode is the single create-or-update path for node state. New nodes
// get placeholder names; placeholder names never overwrite a real one.
func (e *Engine) upsertNode(ctx context.Context, nodeNum uint32, mutate func(*domain.Node)) (domain.Node, bool) {
	if nodeNum == 0 || nodeNum == domain.BroadcastNodeNum {
		return domain.Node{}, false
	}

	node, found, err := e.store.Nodes.Get(ctx, nodeNum)
	if err != nil {
		e.logger.Error("Failed to load node", "node", domain.FormatNodeNum(nodeNum), "error", err)

		return domain.Node{}, false
	}
	if !found {
		node = domain.Node{
			NodeNum:   nodeNum,
			LongName:  domain.PlaceholderLongName(nodeNum),
			ShortName: domain.PlaceholderShortName(nodeNum),
		}
	}
	hadRealName := node.HasRealName()

	if mutate != nil {
		mutate(&node)
	}
	if hadRealName && !node.HasRealName() {
		// A config sync echoed the placeholder back; keep the real name.
		prev, _, _ := e.store.Nodes.Get(ctx, nodeNum)
		node.LongName = prev.LongName
		node.ShortName = prev.ShortName
	}

	now := time.Now()
	if node.LastHeardAt.After(now) {
		node.LastHeardAt = now
	}
	node.UpdatedAt = now

	if err := e.store.Nodes.Upsert(ctx, node); err != nil {
		e.logger.Error("Failed to upsert node", "node", node.NodeID(), "error", err)

		return node, false
	}

	e.bus.Publish(events.TopicNodeUpdated, events.NodeUpdated{Node: node, Discovered: !found})
	if !found {
		e.bus.Publish(events.TopicNodeDiscovered, events.NodeUpdated{Node: node, Discovered: true})
	}

	return node, true
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}

// handleConfigNodeInfo ingests one NodeInfo frame from the init config dump.
// Last-heard from the dump never rolls an existing value backwards.
func (e *Engine) handleConfigNodeInfo(ctx context.Context, ni *meshtastic.NodeInfo) {
	nodeNum := ni.GetNum()
	if nodeNum == 0 {
		return
	}

	var keyResolved bool
	node, ok := e.upsertNode(ctx, nodeNum, func(node *domain.Node) {
		if user := ni.GetUser(); user != nil {
			keyResolved = applyUser(node, user)
		}
		if pos := ni.GetPosition(); pos != nil {
			lat := domain.DecodeCoordinate(pos.GetLatitudeI())
			lon := domain.DecodeCoordinate(pos.GetLongitudeI())
			if domain.ValidCoordinates(lat, lon) && node.Position.IsZero() {
				node.Position = domain.Position{
					Latitude:      lat,
					Longitude:     lon,
					Altitude:      pos.GetAltitude(),
					PrecisionBits: pos.GetPrecisionBits(),
					Time:          time.Unix(int64(pos.GetTime()), 0),
				}
			}
		}
		if lastHeard := ni.GetLastHeard(); lastHeard != 0 {
			node.LastHeardAt = laterOf(node.LastHeardAt, time.Unix(int64(lastHeard), 0))
		}
		if snr := float64(ni.GetSnr()); snr != 0 {
			node.SNR = &snr
		}
		node.HopsAway = int(ni.GetHopsAway())
		// The generated protocol bindings predate the is_ignored field on
		// NodeInfo; the ignored flag lives in the store only.
		node.Favorite = ni.GetIsFavorite()
	})
	if ok && keyResolved {
		e.logger.Info("Key mismatch resolved", "node", node.NodeID())
	}
}

func (e *Engine) handleChannel(ctx context.Context, ch *meshtastic.Channel) {
	settings := ch.GetSettings()
	if settings == nil {
		return
	}
	index := int(ch.GetIndex())
	role := domain.RepairChannelRole(index, domain.ChannelRole(ch.GetRole()))

	rowID, err := e.store.Channels.Upsert(ctx, domain.Channel{
		Index:             index,
		Name:              settings.GetName(),
		Role:              role,
		PSK:               settings.GetPsk(),
		UplinkEnabled:     settings.GetUplinkEnabled(),
		DownlinkEnabled:   settings.GetDownlinkEnabled(),
		PositionPrecision: settings.GetModuleSettings().GetPositionPrecision(),
	})
	if err != nil {
		e.logger.Error("Failed to upsert channel", "index", index, "error", err)

		return
	}
	e.logger.Debug("Channel stored", "index", index, "role", role.String(), "row_id", rowID)
	e.bus.Publish(events.TopicChannels, index)
}

func (e *Engine) handleAdmin(info *radio.PacketInfo) {
	var admin meshtastic.AdminMessage
	if err := unmarshalPayload(info.Payload, &admin); err != nil {
		e.logger.Warn("Malformed admin payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}
	e.session.HandleAdminResponse(info.From, &admin)
	e.bus.Publish(events.TopicAdminMessage, info.From)
}
