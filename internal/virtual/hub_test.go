package virtual

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
	"github.com/meshnetlab/meshbridge/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func newTestHub(t *testing.T) (*Hub, *fakeSender) {
	t.Helper()
	codec, err := radio.NewCodec()
	require.NoError(t, err)
	msgBus := bus.New(testLogger())
	t.Cleanup(msgBus.Close)
	sender := &fakeSender{}
	queue := gateway.NewSendQueue(testLogger(), codec, sender, nil, nil, time.Millisecond)
	hub := NewHub(testLogger(), config.VirtualNodeConfig{Enabled: true}, msgBus, codec, sender, queue)

	return hub, sender
}

func fromRadioFrame(t *testing.T, variant any) []byte {
	t.Helper()
	wire := &meshtastic.FromRadio{}
	switch v := variant.(type) {
	case *meshtastic.MyNodeInfo:
		wire.PayloadVariant = &meshtastic.FromRadio_MyInfo{MyInfo: v}
	case *meshtastic.Channel:
		wire.PayloadVariant = &meshtastic.FromRadio_Channel{Channel: v}
	case *meshtastic.MeshPacket:
		wire.PayloadVariant = &meshtastic.FromRadio_Packet{Packet: v}
	case uint32:
		wire.PayloadVariant = &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: v}
	default:
		t.Fatalf("unsupported variant %T", variant)
	}
	raw, err := proto.Marshal(wire)
	require.NoError(t, err)

	return raw
}

// readClientFrame reads one framed FromRadio payload with a deadline.
func readClientFrame(t *testing.T, conn net.Conn) *meshtastic.FromRadio {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	payload, err := transport.ReadFrameFrom(conn)
	require.NoError(t, err)
	var wire meshtastic.FromRadio
	require.NoError(t, proto.Unmarshal(payload, &wire))

	return &wire
}

func startCapture(hub *Hub) {
	hub.handleConnStatus(events.ConnStatus{State: events.ConnectionStateConnected})
}

func TestReplayServedInOrderBeforeLive(t *testing.T) {
	hub, _ := newTestHub(t)
	startCapture(hub)

	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, &meshtastic.MyNodeInfo{MyNodeNum: 0x0A})})
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, &meshtastic.Channel{Index: 0})})
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, uint32(7))})

	require.False(t, hub.capturing, "capture should freeze at config complete")
	require.Len(t, hub.replay, 3)

	client, server := net.Pipe()
	defer client.Close()
	go hub.serve(context.Background(), server)

	first := readClientFrame(t, client)
	require.Equal(t, uint32(0x0A), first.GetMyInfo().GetMyNodeNum())
	second := readClientFrame(t, client)
	require.NotNil(t, second.GetChannel())
	third := readClientFrame(t, client)
	require.Equal(t, uint32(7), third.GetConfigCompleteId())

	// A live frame arrives only after the replay drained.
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, &meshtastic.MeshPacket{Id: 42, From: 0x20})})
	live := readClientFrame(t, client)
	require.Equal(t, uint32(42), live.GetPacket().GetId())
}

func TestChannelFramesStayOutOfLiveStream(t *testing.T) {
	hub, _ := newTestHub(t)
	startCapture(hub)
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, uint32(7))})

	client, server := net.Pipe()
	defer client.Close()
	go hub.serve(context.Background(), server)
	readClientFrame(t, client) // replayed config complete

	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, &meshtastic.Channel{Index: 1})})
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, &meshtastic.MeshPacket{Id: 42})})

	next := readClientFrame(t, client)
	require.Nil(t, next.GetChannel(), "channel frame leaked into the live stream")
	require.Equal(t, uint32(42), next.GetPacket().GetId())
}

func TestNodeNumberChangeDiscardsCache(t *testing.T) {
	hub, _ := newTestHub(t)
	startCapture(hub)
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, &meshtastic.MyNodeInfo{MyNodeNum: 0x0A})})
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, uint32(7))})
	require.Len(t, hub.replay, 2)

	// Same radio reconnecting keeps nothing either way: reconnect clears
	// first, then a swapped radio must clear again after MyInfo.
	startCapture(hub)
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, &meshtastic.MyNodeInfo{MyNodeNum: 0x0B})})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Empty(t, hub.replay)
	require.False(t, hub.capturing)
	require.Equal(t, uint32(0x0B), hub.localNode)
}

func TestDisconnectDiscardsCache(t *testing.T) {
	hub, _ := newTestHub(t)
	startCapture(hub)
	hub.handleInbound(events.RawFrame{Payload: fromRadioFrame(t, uint32(7))})
	require.Len(t, hub.replay, 1)

	hub.handleConnStatus(events.ConnStatus{State: events.ConnectionStateDisconnected})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Empty(t, hub.replay)
}

func TestClientWantConfigAnsweredLocally(t *testing.T) {
	hub, sender := newTestHub(t)

	client, server := net.Pipe()
	defer client.Close()
	go hub.serve(context.Background(), server)

	raw, err := proto.Marshal(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: 99},
	})
	require.NoError(t, err)
	framed, err := transport.EncodeFrame(raw)
	require.NoError(t, err)
	_, err = client.Write(framed)
	require.NoError(t, err)

	reply := readClientFrame(t, client)
	require.Equal(t, uint32(99), reply.GetConfigCompleteId())
	require.Zero(t, sender.count(), "want-config must not reach the physical radio")
}

func TestClientPacketForwardedToRadio(t *testing.T) {
	hub, sender := newTestHub(t)

	client, server := net.Pipe()
	defer client.Close()
	go hub.serve(context.Background(), server)

	raw, err := proto.Marshal(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{Packet: &meshtastic.MeshPacket{Id: 77, To: 0x42}},
	})
	require.NoError(t, err)
	framed, err := transport.EncodeFrame(raw)
	require.NoError(t, err)
	_, err = client.Write(framed)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sender.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, sender.count())
}

func TestRewrapOutboundPacketsOnly(t *testing.T) {
	packetRaw, err := proto.Marshal(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{Packet: &meshtastic.MeshPacket{Id: 5}},
	})
	require.NoError(t, err)
	rewrapped := rewrapOutbound(packetRaw)
	require.NotNil(t, rewrapped)
	var wire meshtastic.FromRadio
	require.NoError(t, proto.Unmarshal(rewrapped, &wire))
	require.Equal(t, uint32(5), wire.GetPacket().GetId())

	controlRaw, err := proto.Marshal(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: 1},
	})
	require.NoError(t, err)
	require.Nil(t, rewrapOutbound(controlRaw), "control frames stay private")
}
