package gateway

import (
	"context"
	"math"
	"testing"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

func TestFilterRouteDropsReservedKeepingAlignment(t *testing.T) {
	route := []uint32{10, 0xFFFFFFFF, 65535, 42}
	snr := []float64{1.0, 2.0, 3.0, 4.0, 5.0}

	gotRoute, gotSNR := FilterRoute(route, snr)

	wantRoute := []uint32{10, 42}
	wantSNR := []float64{1.0, 4.0, 5.0}
	if len(gotRoute) != len(wantRoute) {
		t.Fatalf("route = %v, want %v", gotRoute, wantRoute)
	}
	for i := range wantRoute {
		if gotRoute[i] != wantRoute[i] {
			t.Fatalf("route = %v, want %v", gotRoute, wantRoute)
		}
	}
	if len(gotSNR) != len(wantSNR) {
		t.Fatalf("snr = %v, want %v", gotSNR, wantSNR)
	}
	for i := range wantSNR {
		if gotSNR[i] != wantSNR[i] {
			t.Fatalf("snr = %v, want %v", gotSNR, wantSNR)
		}
	}
}

func TestFilterRouteCleanPath(t *testing.T) {
	route := []uint32{10, 20, 30}
	snr := []float64{1, 2, 3, 4}

	gotRoute, gotSNR := FilterRoute(route, snr)
	if len(gotRoute) != 3 || len(gotSNR) != 4 {
		t.Fatalf("clean path mangled: %v %v", gotRoute, gotSNR)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Berlin to Hamburg, roughly 255 km.
	d := haversineKm(52.52, 13.405, 53.551, 9.993)
	if math.Abs(d-255) > 10 {
		t.Fatalf("distance = %f km, want ~255", d)
	}
	if haversineKm(10, 20, 10, 20) != 0 {
		t.Fatalf("distance to self is not zero")
	}
}

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	codec := codecWithLocalNode(t, 0x0A)
	queue := NewSendQueue(testLogger(), codec, &fakeSender{}, memMessages{store}, nil, time.Second)
	e := NewEngine(testLogger(), EngineDeps{
		Codec:       codec,
		Store:       store.Store(),
		Bus:         nopBus{},
		Queue:       queue,
		Session:     NewSessionController(testLogger(), codec, &fakeSender{}),
		Decryptor:   NewChannelDecryptor(testLogger(), memChannels{store}),
		PacketLog:   NewPacketLogger(testLogger(), memPacketLog{store}),
		LinkQuality: NewLinkQualityTracker(testLogger(), memTelemetry{store}),
		Estimator:   NewPositionEstimator(testLogger(), memTelemetry{store}),
	})

	return e, store
}

func TestHandleTraceroutePersistsFilteredRoute(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	payload, err := proto.Marshal(&meshtastic.RouteDiscovery{
		Route:      []uint32{0x20, 0xFFFFFFFF, 0x30},
		SnrTowards: []int32{-20, -128, -8, 12},
	})
	if err != nil {
		t.Fatalf("marshal route discovery: %v", err)
	}

	e.handleTraceroute(ctx, &radio.PacketInfo{
		ID:          500,
		From:        0x42,
		To:          0x0A,
		RequestID:   99,
		Portnum:     meshtastic.PortNum_TRACEROUTE_APP,
		Payload:     payload,
		DecryptedBy: domain.DecryptedByNode,
		RxTime:      time.Now(),
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.traceroutes) != 1 {
		t.Fatalf("traceroute records = %d, want 1", len(store.traceroutes))
	}
	rec := store.traceroutes[0]
	if len(rec.Route) != 2 || rec.Route[0] != 0x20 || rec.Route[1] != 0x30 {
		t.Fatalf("stored route = %v", rec.Route)
	}
	if len(rec.SNRTowards) != 3 {
		t.Fatalf("stored snr = %v", rec.SNRTowards)
	}
	if rec.SNRTowards[0] != -5 || rec.SNRTowards[2] != 3 {
		t.Fatalf("snr not descaled from quarter-dB: %v", rec.SNRTowards)
	}
	if rec.FromNodeNum != 0x0A || rec.ToNodeNum != 0x42 {
		t.Fatalf("endpoints = %v -> %v", rec.FromNodeNum, rec.ToNodeNum)
	}
	// Forward path 0x0A -> 0x20 -> 0x30 -> 0x42 has three segments.
	if len(store.segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(store.segments))
	}
}

func TestHandleNeighborInfoCreatesStubs(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	seed := domain.Node{NodeNum: 0x42, LongName: "Reporter", HopsAway: 2}
	if err := store.Store().Nodes.Upsert(ctx, seed); err != nil {
		t.Fatalf("seed reporter: %v", err)
	}

	payload, err := proto.Marshal(&meshtastic.NeighborInfo{
		NodeId: 0x42,
		Neighbors: []*meshtastic.Neighbor{
			{NodeId: 0x50, Snr: -6},
			{NodeId: 0x51, Snr: 2},
		},
	})
	if err != nil {
		t.Fatalf("marshal neighborinfo: %v", err)
	}

	e.handleNeighborInfo(ctx, &radio.PacketInfo{
		From:        0x42,
		To:          domain.BroadcastNodeNum,
		Portnum:     meshtastic.PortNum_NEIGHBORINFO_APP,
		Payload:     payload,
		DecryptedBy: domain.DecryptedByNode,
	})

	stub, found, _ := store.Store().Nodes.Get(ctx, 0x50)
	if !found {
		t.Fatalf("neighbor stub not created")
	}
	if stub.HopsAway != 3 {
		t.Fatalf("stub hops = %d, want reporter+1 = 3", stub.HopsAway)
	}
	if stub.LongName != domain.PlaceholderLongName(0x50) {
		t.Fatalf("stub name = %q", stub.LongName)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.neighbors[0x42]) != 2 {
		t.Fatalf("neighbor entries = %d, want 2", len(store.neighbors[0x42]))
	}
}
