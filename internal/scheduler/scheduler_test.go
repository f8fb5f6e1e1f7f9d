package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func codecWithLocalNode(t *testing.T, nodeNum uint32) *radio.Codec {
	t.Helper()
	c, err := radio.NewCodec()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	raw, err := proto.Marshal(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_MyInfo{MyInfo: &meshtastic.MyNodeInfo{MyNodeNum: nodeNum}},
	})
	if err != nil {
		t.Fatalf("marshal myinfo: %v", err)
	}
	if _, err := c.DecodeFromRadio(raw); err != nil {
		t.Fatalf("decode myinfo: %v", err)
	}

	return c
}

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) SendFrame(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)

	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.frames)
}

// waitForFrames polls until the sender saw at least n frames.
func waitForFrames(t *testing.T, sender *fakeSender, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sender.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sender frames = %d, want at least %d", sender.count(), n)
}

type stubNodes struct {
	mu    sync.Mutex
	nodes map[uint32]domain.Node
}

func newStubNodes() *stubNodes {
	return &stubNodes{nodes: make(map[uint32]domain.Node)}
}

func (s *stubNodes) Upsert(_ context.Context, n domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.NodeNum] = n

	return nil
}

func (s *stubNodes) Get(_ context.Context, nodeNum uint32) (domain.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeNum]

	return n, ok, nil
}

func (s *stubNodes) ListActive(_ context.Context, _ time.Duration) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}

	return out, nil
}

func (s *stubNodes) MarkWelcomedIfNotAlready(_ context.Context, nodeNum uint32, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeNum]
	if !n.WelcomedAt.IsZero() {
		return false, nil
	}
	n.WelcomedAt = at
	s.nodes[nodeNum] = n

	return true, nil
}

type stubSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newStubSettings() *stubSettings {
	return &stubSettings{values: make(map[string]string)}
}

func (s *stubSettings) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]

	return v, ok, nil
}

func (s *stubSettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value

	return nil
}

type stubTelemetry struct {
	mu     sync.Mutex
	points []domain.TelemetryPoint
}

func (s *stubTelemetry) Insert(_ context.Context, p domain.TelemetryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)

	return nil
}

func (s *stubTelemetry) ListLatestForType(_ context.Context, _ uint32, _ string, _ int) ([]domain.TelemetryPoint, error) {
	return nil, nil
}

type stubMessages struct{}

func (stubMessages) Insert(_ context.Context, _ domain.Message) (bool, error) { return true, nil }
func (stubMessages) UpdateDeliveryState(_ context.Context, _ uint32, _ domain.DeliveryState) error {
	return nil
}
func (stubMessages) UpdateTimestamps(_ context.Context, _ uint32, _ time.Time) error { return nil }

type stubTraceroutes struct {
	mu       sync.Mutex
	target   uint32
	hasNext  bool
	recorded []uint32
}

func (s *stubTraceroutes) Insert(_ context.Context, _ domain.TracerouteRecord) error { return nil }
func (s *stubTraceroutes) InsertSegment(_ context.Context, _ domain.RouteSegment) error {
	return nil
}

func (s *stubTraceroutes) RecordAutoTraceroute(_ context.Context, nodeNum uint32, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, nodeNum)

	return nil
}

func (s *stubTraceroutes) NextAutoTarget(_ context.Context, _ time.Duration) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.target, s.hasNext, nil
}

type testEnv struct {
	deps        Deps
	sender      *fakeSender
	nodes       *stubNodes
	settings    *stubSettings
	telemetry   *stubTelemetry
	traceroutes *stubTraceroutes
}

func newTestEnv(t *testing.T, localNode uint32) *testEnv {
	t.Helper()
	env := &testEnv{
		sender:      &fakeSender{},
		nodes:       newStubNodes(),
		settings:    newStubSettings(),
		telemetry:   &stubTelemetry{},
		traceroutes: &stubTraceroutes{},
	}
	codec := codecWithLocalNode(t, localNode)
	msgBus := bus.New(testLogger())
	t.Cleanup(msgBus.Close)
	queue := gateway.NewSendQueue(testLogger(), codec, env.sender, stubMessages{}, nil, time.Millisecond)

	env.deps = Deps{
		Logger: testLogger(),
		Cfg:    config.Default(),
		Store: &domain.Store{
			Nodes:       env.nodes,
			Messages:    stubMessages{},
			Telemetry:   env.telemetry,
			Settings:    env.settings,
			Traceroutes: env.traceroutes,
		},
		Bus:         msgBus,
		Codec:       codec,
		Sender:      env.sender,
		Queue:       queue,
		LinkQuality: gateway.NewLinkQualityTracker(testLogger(), env.telemetry),
		Connected:   func() bool { return true },
	}

	return env
}

// runQueue drains the send queue in the background for the test's lifetime.
func (e *testEnv) runQueue(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.deps.Queue.Run(ctx)
}
