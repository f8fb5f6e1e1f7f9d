package virtual

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
	"github.com/meshnetlab/meshbridge/internal/transport"
)

// subscriberBuffer is the per-client outbound queue on top of the replay set.
const subscriberBuffer = 256

// Hub shares one physical radio with any number of client applications. It
// records the init config dump once, replays it to every client that
// connects, and fans out the live frame stream. Client traffic flows back to
// the radio through the shared send path, so the radio only ever sees one
// TCP owner.
type Hub struct {
	logger *slog.Logger
	cfg    config.VirtualNodeConfig
	bus    bus.MessageBus
	codec  *radio.Codec
	sender gateway.FrameSender
	queue  *gateway.SendQueue

	mu        sync.Mutex
	capturing bool
	replay    [][]byte
	localNode uint32
	subs      map[*subscriber]struct{}
}

type subscriber struct {
	conn net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func NewHub(logger *slog.Logger, cfg config.VirtualNodeConfig, msgBus bus.MessageBus, codec *radio.Codec, sender gateway.FrameSender, queue *gateway.SendQueue) *Hub {
	return &Hub{
		logger: logger.With("component", "virtual"),
		cfg:    cfg,
		bus:    msgBus,
		codec:  codec,
		sender: sender,
		queue:  queue,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run listens for clients and pumps bus frames until the context ends.
func (h *Hub) Run(ctx context.Context) error {
	if !h.cfg.Enabled {
		<-ctx.Done()

		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", h.cfg.ListenAddr)
	if err != nil {
		return err
	}
	h.logger.Info("Virtual node listening", "addr", h.cfg.ListenAddr)

	go h.pump(ctx)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.logger.Warn("Accept failed", "error", err)

			continue
		}
		go h.serve(ctx, conn)
	}
}

// pump consumes the radio frame stream and the connection lifecycle. Inbound
// and outbound frames arrive on separate subscriptions because the raw bytes
// alone do not say which protobuf they hold.
func (h *Hub) pump(ctx context.Context) {
	in := h.bus.Subscribe(events.TopicFrameIn, events.TopicConnStatus)
	defer h.bus.Unsubscribe(in, events.TopicFrameIn, events.TopicConnStatus)
	out := h.bus.Subscribe(events.TopicFrameOut)
	defer h.bus.Unsubscribe(out, events.TopicFrameOut)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			switch payload := msg.(type) {
			case events.ConnStatus:
				h.handleConnStatus(payload)
			case events.RawFrame:
				h.handleInbound(payload)
			}
		case msg, ok := <-out:
			if !ok {
				return
			}
			if payload, valid := msg.(events.RawFrame); valid {
				if rewrapped := rewrapOutbound(payload.Payload); rewrapped != nil {
					h.broadcast(rewrapped)
				}
			}
		}
	}
}

func (h *Hub) handleConnStatus(status events.ConnStatus) {
	switch status.State {
	case events.ConnectionStateConnected:
		// A fresh session starts a fresh capture.
		h.mu.Lock()
		h.replay = nil
		h.capturing = true
		h.mu.Unlock()
		h.logger.Debug("Init capture started")
	case events.ConnectionStateDisconnected, events.ConnectionStateReconnecting:
		h.discardCache("link lost")
	case events.ConnectionStateConnecting, events.ConnectionStateConfigured:
	}
}

func (h *Hub) discardCache(reason string) {
	h.mu.Lock()
	had := len(h.replay)
	h.replay = nil
	h.capturing = false
	h.mu.Unlock()
	if had > 0 {
		h.logger.Info("Init cache discarded", "frames", had, "reason", reason)
	}
}

// handleInbound feeds one radio frame into the capture and the live stream.
func (h *Hub) handleInbound(frame events.RawFrame) {
	var wire meshtastic.FromRadio
	if err := proto.Unmarshal(frame.Payload, &wire); err != nil {
		return
	}

	if myInfo := wire.GetMyInfo(); myInfo != nil {
		h.handleMyInfo(myInfo.GetMyNodeNum())
	}

	h.mu.Lock()
	if h.capturing {
		h.replay = append(h.replay, frame.Payload)
		if wire.GetConfigCompleteId() != 0 {
			h.capturing = false
			h.logger.Info("Init capture complete", "frames", len(h.replay))
		}
	}
	h.mu.Unlock()

	// Channel frames are served only through the controlled replay; live
	// rebroadcast makes clients render empty channel names.
	if wire.GetChannel() != nil {
		return
	}
	h.broadcast(frame.Payload)
}

// handleMyInfo discards the cache when the physical radio was swapped.
func (h *Hub) handleMyInfo(nodeNum uint32) {
	if nodeNum == 0 {
		return
	}
	h.mu.Lock()
	previous := h.localNode
	h.localNode = nodeNum
	h.mu.Unlock()
	if previous != 0 && previous != nodeNum {
		h.discardCache("radio node number changed")
	}
}

// rewrapOutbound turns a gateway-emitted ToRadio mesh packet into a FromRadio
// frame a client can parse. Non-packet control frames stay private.
func rewrapOutbound(payload []byte) []byte {
	var wire meshtastic.ToRadio
	if err := proto.Unmarshal(payload, &wire); err != nil {
		return nil
	}
	packet := wire.GetPacket()
	if packet == nil {
		return nil
	}
	rewrapped, err := proto.Marshal(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Packet{Packet: packet},
	})
	if err != nil {
		return nil
	}

	return rewrapped
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.out <- payload:
		default:
			// A stalled client loses frames, never the whole hub.
			h.logger.Warn("Subscriber queue full, dropping frame",
				"client", sub.conn.RemoteAddr())
		}
	}
}

// serve handles one client connection for its lifetime.
func (h *Hub) serve(ctx context.Context, conn net.Conn) {
	client := &subscriber{
		conn: conn,
		out:  make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}
	h.logger.Info("Client connected", "client", conn.RemoteAddr())

	// Queue the replay set and join the live stream under one lock so no
	// live frame lands between the replayed ones.
	h.mu.Lock()
	replay := make([][]byte, len(h.replay))
	copy(replay, h.replay)
	h.subs[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client, replay)
	h.readLoop(ctx, client)

	h.mu.Lock()
	delete(h.subs, client)
	h.mu.Unlock()
	client.close()
	h.logger.Info("Client disconnected", "client", conn.RemoteAddr())
}

func (h *Hub) writeLoop(client *subscriber, replay [][]byte) {
	defer client.close()
	for _, payload := range replay {
		if !h.writeFrame(client, payload) {
			return
		}
	}
	for {
		select {
		case <-client.done:
			return
		case payload := <-client.out:
			if !h.writeFrame(client, payload) {
				return
			}
		}
	}
}

func (h *Hub) writeFrame(client *subscriber, payload []byte) bool {
	framed, err := transport.EncodeFrame(payload)
	if err != nil {
		h.logger.Warn("Failed to frame payload", "error", err)

		return true
	}
	if _, err := client.conn.Write(framed); err != nil {
		return false
	}

	return true
}

// readLoop forwards client traffic to the radio. A client's own want-config
// request is answered locally from the replay cache instead of triggering a
// second config dump on the physical radio.
func (h *Hub) readLoop(ctx context.Context, client *subscriber) {
	for {
		payload, err := transport.ReadFrameFrom(client.conn)
		if err != nil {
			return
		}

		var wire meshtastic.ToRadio
		if err := proto.Unmarshal(payload, &wire); err != nil {
			h.logger.Warn("Malformed client frame", "client", client.conn.RemoteAddr())

			continue
		}
		if wantConfigID := wire.GetWantConfigId(); wantConfigID != 0 {
			h.completeClientConfig(client, wantConfigID)

			continue
		}

		validated, err := h.codec.EncodeRaw(payload)
		if err != nil {
			h.logger.Warn("Rejected client frame", "client", client.conn.RemoteAddr(), "error", err)

			continue
		}
		if err := h.sender.SendFrame(ctx, validated); err != nil {
			h.logger.Warn("Failed to forward client frame", "error", err)

			continue
		}
		h.queue.NoteExternalSend()
		if packet := wire.GetPacket(); packet != nil {
			h.logger.Debug("Client frame forwarded",
				"client", client.conn.RemoteAddr(), "packet_id", packet.GetId())
		}
	}
}

// completeClientConfig acknowledges a client's config request with its own
// id. The init frames themselves were already queued at connect time.
func (h *Hub) completeClientConfig(client *subscriber, wantConfigID uint32) {
	payload, err := proto.Marshal(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: wantConfigID},
	})
	if err != nil {
		return
	}
	select {
	case client.out <- payload:
	default:
	}
}
