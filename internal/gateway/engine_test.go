package gateway

import (
	"context"
	"testing"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

func positionPacket(t *testing.T, from uint32, lat, lon float64, precision uint32) *radio.PacketInfo {
	t.Helper()
	payload, err := proto.Marshal(&meshtastic.Position{
		LatitudeI:     proto.Int32(int32(lat * 1e7)),
		LongitudeI:    proto.Int32(int32(lon * 1e7)),
		PrecisionBits: precision,
	})
	if err != nil {
		t.Fatalf("marshal position: %v", err)
	}

	return &radio.PacketInfo{
		From:        from,
		To:          domain.BroadcastNodeNum,
		Portnum:     meshtastic.PortNum_POSITION_APP,
		Payload:     payload,
		DecryptedBy: domain.DecryptedByNode,
		RxTime:      time.Now(),
	}
}

func TestPositionPrecisionUpgradePolicy(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	const node = 0x42

	seed := domain.Node{
		NodeNum:  node,
		LongName: "Fixed Node",
		Position: domain.Position{
			Latitude:      40.0,
			Longitude:     -70.0,
			PrecisionBits: 16,
			Time:          time.Now().Add(-time.Hour),
		},
	}
	if err := store.Store().Nodes.Upsert(ctx, seed); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	// Lower precision against a fresh fix: telemetry only.
	e.handlePosition(ctx, positionPacket(t, node, 40.1, -70.1, 14))
	got, _, _ := store.Store().Nodes.Get(ctx, node)
	if got.Position.Latitude != 40.0 || got.Position.Longitude != -70.0 {
		t.Fatalf("fresh high-precision fix replaced by lower precision: %+v", got.Position)
	}
	if n := store.metricCount(node, "latitude"); n != 1 {
		t.Fatalf("latitude telemetry rows = %d, want 1", n)
	}

	// Higher precision replaces immediately.
	e.handlePosition(ctx, positionPacket(t, node, 40.2, -70.2, 20))
	got, _, _ = store.Store().Nodes.Get(ctx, node)
	if got.Position.PrecisionBits != 20 {
		t.Fatalf("higher precision did not replace: %+v", got.Position)
	}

	// Stale fix yields to lower precision.
	stale := got
	stale.Position.Time = time.Now().Add(-13 * time.Hour)
	if err := store.Store().Nodes.Upsert(ctx, stale); err != nil {
		t.Fatalf("age fix: %v", err)
	}
	e.handlePosition(ctx, positionPacket(t, node, 40.3, -70.3, 12))
	got, _, _ = store.Store().Nodes.Get(ctx, node)
	if got.Position.PrecisionBits != 12 {
		t.Fatalf("stale fix not replaced: %+v", got.Position)
	}

	if n := store.metricCount(node, "latitude"); n != 3 {
		t.Fatalf("latitude telemetry rows = %d, want 3", n)
	}
}

func TestPositionRejectsInvalidCoordinates(t *testing.T) {
	e, store := newTestEngine(t)
	e.handlePosition(context.Background(), positionPacket(t, 0x42, 0, 0, 16))

	if n := store.metricCount(0x42, "latitude"); n != 0 {
		t.Fatalf("zero-island coordinates accepted")
	}
}

func TestChannelRoleRepairOnUpsert(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	e.handleChannel(ctx, &meshtastic.Channel{
		Index:    0,
		Role:     meshtastic.Channel_DISABLED,
		Settings: &meshtastic.ChannelSettings{Name: ""},
	})
	e.handleChannel(ctx, &meshtastic.Channel{
		Index:    2,
		Role:     meshtastic.Channel_PRIMARY,
		Settings: &meshtastic.ChannelSettings{Name: "X"},
	})

	primary, _, _ := store.Store().Channels.Get(ctx, 0)
	if primary.Role != domain.ChannelRolePrimary {
		t.Fatalf("slot 0 role = %v, want primary", primary.Role)
	}
	secondary, _, _ := store.Store().Channels.Get(ctx, 2)
	if secondary.Role != domain.ChannelRoleSecondary {
		t.Fatalf("slot 2 role = %v, want secondary", secondary.Role)
	}
}

func TestTextMessageDeduplicatedByPacketID(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	info := &radio.PacketInfo{
		ID:          700,
		From:        0x42,
		To:          domain.BroadcastNodeNum,
		Channel:     1,
		Portnum:     meshtastic.PortNum_TEXT_MESSAGE_APP,
		Payload:     []byte("once"),
		DecryptedBy: domain.DecryptedByNode,
		RxTime:      time.Now(),
	}
	e.handleText(ctx, info)
	e.handleText(ctx, info)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.messages) != 1 {
		t.Fatalf("messages stored = %d, want 1", len(store.messages))
	}
}

func TestDirectTextUsesDirectChannel(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	e.handleText(ctx, &radio.PacketInfo{
		ID:          701,
		From:        0x42,
		To:          0x0A,
		Channel:     0,
		Portnum:     meshtastic.PortNum_TEXT_MESSAGE_APP,
		Payload:     []byte("psst"),
		DecryptedBy: domain.DecryptedByNode,
	})

	msg, ok := store.messageByRequest(0)
	if !ok {
		store.mu.Lock()
		for _, m := range store.messages {
			msg = m
			ok = true
		}
		store.mu.Unlock()
	}
	if !ok || msg.Channel != domain.DirectMessageChannel {
		t.Fatalf("dm channel = %d, want %d", msg.Channel, domain.DirectMessageChannel)
	}
}

func TestServerDecryptedTextCarriesChannelOffset(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	e.handleText(ctx, &radio.PacketInfo{
		ID:           702,
		From:         0x42,
		To:           domain.BroadcastNodeNum,
		Channel:      3,
		Portnum:      meshtastic.PortNum_TEXT_MESSAGE_APP,
		Payload:      []byte("hidden channel"),
		DecryptedBy:  domain.DecryptedByServer,
		ChannelRowID: 7,
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, m := range store.messages {
		if m.Channel != domain.ServerDecryptedChannelOffset+7 {
			t.Fatalf("channel = %d, want %d", m.Channel, domain.ServerDecryptedChannelOffset+7)
		}
	}
}

func TestApplyUserResolvesKeyMismatch(t *testing.T) {
	node := domain.Node{
		NodeNum:     0x42,
		PublicKey:   []byte{1, 2, 3, 4, 5, 6, 7, 8},
		KeyMismatch: true,
	}
	resolved := applyUser(&node, &meshtastic.User{
		LongName:  "Rotated",
		PublicKey: []byte{9, 9, 8, 8, 7, 7, 6, 6},
	})

	if node.KeyMismatch {
		t.Fatalf("mismatch flag not cleared after key rotation")
	}
	if !resolved {
		t.Fatalf("key rotation not reported as resolved")
	}
	if node.PublicKey[0] != 9 {
		t.Fatalf("new key not stored")
	}
}

func TestApplyUserKeepsFlagOnSameKey(t *testing.T) {
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	node := domain.Node{NodeNum: 0x42, PublicKey: key, KeyMismatch: true}
	resolved := applyUser(&node, &meshtastic.User{PublicKey: key})

	if !node.KeyMismatch {
		t.Fatalf("mismatch flag cleared without a key change")
	}
	if resolved {
		t.Fatalf("unchanged key reported as a resolution")
	}
}

func TestPlaceholderNeverOverwritesRealName(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	if _, ok := e.upsertNode(ctx, 0x42, func(n *domain.Node) {
		n.LongName = "Summit Relay"
		n.ShortName = "SMT"
	}); !ok {
		t.Fatalf("initial upsert failed")
	}

	e.upsertNode(ctx, 0x42, func(n *domain.Node) {
		n.LongName = domain.PlaceholderLongName(0x42)
		n.ShortName = domain.PlaceholderShortName(0x42)
	})

	got, _, _ := store.Store().Nodes.Get(ctx, 0x42)
	if got.LongName != "Summit Relay" {
		t.Fatalf("real name overwritten: %q", got.LongName)
	}
}

func TestLastHeardCappedAtNow(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	e.upsertNode(ctx, 0x42, func(n *domain.Node) {
		n.LastHeardAt = time.Now().Add(time.Hour)
	})

	got, _, _ := store.Store().Nodes.Get(ctx, 0x42)
	if got.LastHeardAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("last heard in the future: %v", got.LastHeardAt)
	}
}

func textPacketOverLoRa(id uint32, snr float64, rssi int) *radio.PacketInfo {
	return &radio.PacketInfo{
		ID:          id,
		From:        0x42,
		To:          domain.BroadcastNodeNum,
		Channel:     0,
		Portnum:     meshtastic.PortNum_TEXT_MESSAGE_APP,
		Payload:     []byte("hi"),
		DecryptedBy: domain.DecryptedByNode,
		Transport:   domain.PacketTransportLoRa,
		RxSNR:       snr,
		RxRSSI:      rssi,
		RxTime:      time.Now(),
	}
}

func TestSignalMetricsSampledOnChange(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	// Back-to-back packets with identical readings collapse to one row per
	// metric; a changed reading is appended immediately.
	e.handlePacket(ctx, textPacketOverLoRa(900, -7.5, -90))
	e.handlePacket(ctx, textPacketOverLoRa(901, -7.5, -90))
	e.handlePacket(ctx, textPacketOverLoRa(902, -7.5, -85))

	if n := store.metricCount(0x42, "snr"); n != 1 {
		t.Fatalf("snr rows = %d, want 1", n)
	}
	if n := store.metricCount(0x42, "rssi"); n != 2 {
		t.Fatalf("rssi rows = %d, want 2", n)
	}
}

func TestPositionDisplacementFlagsMobile(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	const node = 0x42

	e.handlePosition(ctx, positionPacket(t, node, 52.5219, 13.4132, 16))
	got, _, _ := store.Store().Nodes.Get(ctx, node)
	if got.Mobile {
		t.Fatalf("node mobile after a single fix")
	}

	// ~100 m of drift is GPS noise, not motion.
	e.handlePosition(ctx, positionPacket(t, node, 52.5228, 13.4132, 17))
	got, _, _ = store.Store().Nodes.Get(ctx, node)
	if got.Mobile {
		t.Fatalf("node mobile after sub-threshold drift")
	}

	// ~2 km is a genuine move.
	e.handlePosition(ctx, positionPacket(t, node, 52.5400, 13.4132, 18))
	got, _, _ = store.Store().Nodes.Get(ctx, node)
	if !got.Mobile {
		t.Fatalf("node not flagged mobile after displacement")
	}
}

func TestEnvironmentTelemetryRows(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	payload, err := proto.Marshal(&meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_EnvironmentMetrics{
			EnvironmentMetrics: &meshtastic.EnvironmentMetrics{
				Temperature:   proto.Float32(21.5),
				GasResistance: proto.Float32(12.5),
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal telemetry: %v", err)
	}

	e.handleTelemetry(ctx, &radio.PacketInfo{
		From:        0x42,
		Portnum:     meshtastic.PortNum_TELEMETRY_APP,
		Payload:     payload,
		DecryptedBy: domain.DecryptedByNode,
	})

	if n := store.metricCount(0x42, "temperature"); n != 1 {
		t.Fatalf("temperature rows = %d, want 1", n)
	}
	if n := store.metricCount(0x42, "gas_resistance"); n != 1 {
		t.Fatalf("gas_resistance rows = %d, want 1", n)
	}
	if n := store.metricCount(0x42, "humidity"); n != 0 {
		t.Fatalf("humidity rows = %d, want 0 for an absent field", n)
	}
}

func TestLowEntropyKeyDetection(t *testing.T) {
	if !lowEntropyKey(make([]byte, 32)) {
		t.Fatalf("all-zero key not flagged")
	}
	varied := make([]byte, 32)
	for i := range varied {
		varied[i] = byte(i * 7)
	}
	if lowEntropyKey(varied) {
		t.Fatalf("varied key flagged as low entropy")
	}
}
